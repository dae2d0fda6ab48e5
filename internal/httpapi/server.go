package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mverastegui/aulavoz/internal/audio"
	"github.com/mverastegui/aulavoz/internal/config"
	"github.com/mverastegui/aulavoz/internal/convstore"
	"github.com/mverastegui/aulavoz/internal/engine"
	"github.com/mverastegui/aulavoz/internal/observability"
	"github.com/mverastegui/aulavoz/internal/stream"
)

type Server struct {
	cfg      config.Config
	registry *engine.Registry
	store    convstore.Store
	dialer   stream.Dialer
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handles map[string]*sessionHandle
}

// sessionHandle pairs a live session with the push source its relay
// connection feeds.
type sessionHandle struct {
	session   *engine.Session
	source    *audio.PushSource
	profileID string
}

func New(cfg config.Config, registry *engine.Registry, store convstore.Store, dialer stream.Dialer, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		store:    store,
		dialer:   dialer,
		metrics:  metrics,
		handles:  make(map[string]*sessionHandle),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser clients
				// omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/voice/session", s.handleCreateSession)
		r.Post("/voice/session/{id}/end", s.handleEndSession)
		r.Get("/voice/session/ws", s.handleSessionWS)
		r.Get("/voice/session/{id}/transcript", s.handleTranscript)
		r.Get("/profiles/{id}/settings", s.handleGetProfileSettings)
		r.Put("/profiles/{id}/settings", s.handlePutProfileSettings)
	})

	return r
}

// requireToken gates the API behind a bearer token when one is
// configured. Websocket clients may pass it as a query parameter since
// browsers cannot set headers on websocket dials.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token != s.cfg.APIToken {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.registry.Count(),
	})
}

type createSessionRequest struct {
	ProfileID string `json:"profile_id"`
	VoiceID   string `json:"voice_id"`
}

type createSessionResponse struct {
	SessionID       string `json:"session_id"`
	ProfileID       string `json:"profile_id"`
	VoiceID         string `json:"voice_id"`
	InputSampleRate int    `json:"input_sample_rate"`
	InactivityTTLMS int64  `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ProfileID) == "" {
		req.ProfileID = "anonymous"
	}

	settings := s.sessionSettings(r.Context(), req.ProfileID)
	if strings.TrimSpace(req.VoiceID) != "" {
		settings.VoiceID = req.VoiceID
	}

	source := audio.NewPushSource(audio.PipelineConfig{
		InputRate:  s.cfg.InputSampleRate,
		OutputRate: s.cfg.InputSampleRate,
	})
	sess, err := engine.NewSession(engine.Config{
		Tuning:   s.tuning(),
		Settings: settings,
		Source:   source,
		Dialer:   s.dialer,
		Metrics:  s.metrics,
		OnClose: func(id string) {
			s.registry.Remove(id)
			s.dropHandle(id)
		},
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_setup", err.Error())
		return
	}

	if err := sess.Start(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
		return
	}

	s.registry.Add(sess)
	s.mu.Lock()
	s.handles[sess.ID()] = &sessionHandle{session: sess, source: source, profileID: req.ProfileID}
	s.mu.Unlock()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:       sess.ID(),
		ProfileID:       req.ProfileID,
		VoiceID:         settings.VoiceID,
		InputSampleRate: s.cfg.InputSampleRate,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := sess.End(ctx); err != nil {
		respondError(w, http.StatusInternalServerError, "session_end", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "ended"})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := s.store.SessionTranscript(r.Context(), id, 200)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_query", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "items": records})
}

func (s *Server) handleGetProfileSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	settings, err := s.store.SettingsFor(r.Context(), id)
	if errors.Is(err, convstore.ErrProfileNotFound) {
		respondError(w, http.StatusNotFound, "profile_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "settings_query", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutProfileSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var settings convstore.ProfileSettings
	if err := decodeJSON(r, &settings); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	settings.ProfileID = id
	if err := s.store.SaveSettings(r.Context(), settings); err != nil {
		respondError(w, http.StatusInternalServerError, "settings_save", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}

	s.mu.Lock()
	handle, ok := s.handles[sessionID]
	s.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.runRelay(r.Context(), conn, handle)
}

// wsConn serializes writes to one websocket. The event writer and the
// read loop's error replies share it.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (s *Server) runRelay(ctx context.Context, conn *websocket.Conn, handle *sessionHandle) {
	sess := handle.session
	ws := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Event writer: engine events out to the browser, transcripts into
	// the store.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range sess.Events() {
			if text, ok := ev.(engine.TextChunk); ok && !text.Speculative {
				err := s.store.SaveTranscript(context.Background(), convstore.TranscriptRecord{
					SessionID: sess.ID(),
					ProfileID: handle.profileID,
					Role:      text.Role,
					Text:      text.Text,
				})
				if err != nil {
					log.Printf("session %s: save transcript: %v", sess.ID(), err)
				}
			}
			msg, ok := relayMessage(sess.ID(), ev)
			if !ok {
				continue
			}
			if err := ws.writeJSON(msg); err != nil {
				cancel()
				return
			}
			s.metrics.IncRelayMessage("outbound", string(msg.Type))
		}
	}()

	// Heartbeat: ping on an interval; the pong handler below extends the
	// read deadline.
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	readTimeout := 3 * s.cfg.HeartbeatInterval
	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.registry.Touch(sess.ID()); err != nil {
			break
		}

		parsed, err := ParseClientMessage(data)
		if err != nil {
			errMsg := ServerEvent{
				Type:      TypeError,
				SessionID: sess.ID(),
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}
			if ws.writeJSON(errMsg) != nil {
				break
			}
			continue
		}

		switch msg := parsed.(type) {
		case ClientAudioChunk:
			s.metrics.IncRelayMessage("inbound", string(TypeClientAudioChunk))
			samples, err := audio.DecodeBase64PCM(msg.Audio)
			if err != nil {
				log.Printf("session %s: bad relay audio: %v", sess.ID(), err)
				continue
			}
			handle.source.Push(samples, time.Now())
		case ClientControl:
			s.metrics.IncRelayMessage("inbound", string(TypeClientControl))
			switch msg.Action {
			case ActionStartCapture:
				if err := sess.StartCapture(); err != nil && !errors.Is(err, engine.ErrSessionClosed) {
					log.Printf("session %s: start capture: %v", sess.ID(), err)
				}
			case ActionStopCapture:
				sess.StopCapture()
			case ActionEndSession:
				break readLoop
			}
		}
	}

	// A closed relay connection ends the session; a headless session has
	// nobody to hear it.
	endCtx, endCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sess.End(endCtx); err != nil {
		log.Printf("session %s: end on relay close: %v", sess.ID(), err)
	}
	endCancel()
	<-writerDone
}

func (s *Server) dropHandle(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// sessionSettings resolves stored per-profile settings over the service
// defaults. A profile with no stored row gets the defaults.
func (s *Server) sessionSettings(ctx context.Context, profileID string) engine.Settings {
	settings := engine.Settings{
		VoiceID:       s.cfg.DefaultVoiceID,
		Temperature:   s.cfg.DefaultTemperature,
		TopP:          s.cfg.DefaultTopP,
		MaxTokens:     s.cfg.DefaultMaxTokens,
		SystemPrompt:  s.cfg.SystemPrompt,
		KickoffPrompt: s.cfg.KickoffPrompt,
	}

	stored, err := s.store.SettingsFor(ctx, profileID)
	if errors.Is(err, convstore.ErrProfileNotFound) {
		return settings
	}
	if err != nil {
		log.Printf("profile %s: settings lookup: %v", profileID, err)
		return settings
	}

	if stored.VoiceID != "" {
		settings.VoiceID = stored.VoiceID
	}
	if stored.Temperature > 0 {
		settings.Temperature = stored.Temperature
	}
	if stored.TopP > 0 {
		settings.TopP = stored.TopP
	}
	if stored.MaxTokens > 0 {
		settings.MaxTokens = stored.MaxTokens
	}
	if stored.SystemPrompt != "" {
		settings.SystemPrompt = stored.SystemPrompt
	}
	if stored.KickoffPrompt != "" {
		settings.KickoffPrompt = stored.KickoffPrompt
	}
	return settings
}

func (s *Server) tuning() engine.Tuning {
	return engine.Tuning{
		InputSampleRate:       s.cfg.InputSampleRate,
		OutputSampleRate:      s.cfg.OutputSampleRate,
		VADThreshold:          s.cfg.VADThreshold,
		EndOfUtteranceSilence: s.cfg.EOUSilence,
		InitialSilenceTimeout: s.cfg.InitialSilence,
		PacerInterval:         s.cfg.PacerInterval,
		QueueDepthLimit:       s.cfg.QueueDepthLimit,
		RestartDelay:          s.cfg.RestartDelay,
		CaptureDumpDir:        s.cfg.CaptureDumpDir,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
