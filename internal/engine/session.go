package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mverastegui/aulavoz/internal/audio"
	"github.com/mverastegui/aulavoz/internal/observability"
	"github.com/mverastegui/aulavoz/internal/protocol"
	"github.com/mverastegui/aulavoz/internal/stream"
)

var (
	ErrSessionClosed  = errors.New("session is closed")
	ErrSessionStarted = errors.New("session already started")
)

// Config assembles everything a Session needs. Source and Dialer are
// required; the rest falls back to defaults.
type Config struct {
	ID       string
	Tuning   Tuning
	Settings Settings
	Source   audio.Source
	Dialer   stream.Dialer
	Metrics  *observability.Metrics

	// OnClose runs once after the session's last event is dispatched.
	// The registry uses it to drop its reference.
	OnClose func(id string)
}

// Session drives one bidirectional voice conversation: microphone frames
// in, model events out. All mutable state sits behind one coarse mutex;
// the capture callback, pacer, timers, and both stream loops contend on
// it briefly and never hold it across I/O.
type Session struct {
	id       string
	promptID string
	tuning   Tuning
	settings Settings
	source   audio.Source
	dialer   stream.Dialer
	metrics  *observability.Metrics
	onClose  func(id string)

	transport stream.Transport
	queue     *eventQueue
	events    chan Event

	outboundDone chan struct{}
	inboundDone  chan struct{}

	mu             sync.Mutex
	started        bool
	isActive       bool
	ending         bool
	isRecording    bool
	eventsClosed   bool
	audioContentID string

	vad         *Detector
	pending     []int16
	turnSamples []int16

	turnClosedAt   time.Time
	firstAudioSeen bool

	initialSilenceTimer *time.Timer
	restartTimer        *time.Timer
	pacerStop           chan struct{}
	pacerDone           chan struct{}

	// Lifecycle balance counters. An unbalanced pair at End means a turn
	// was left open on the wire and deserves a warning.
	contentStarts int
	contentEnds   int
	promptStarts  int
	promptEnds    int

	// Inbound content block state, set by contentStart and read when
	// labelling text chunks.
	curRole        string
	curSpeculative bool

	finalizeOnce sync.Once
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, errors.New("session requires an audio source")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("session requires a stream dialer")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	tuning := cfg.Tuning.withDefaults()
	return &Session{
		id:           cfg.ID,
		promptID:     uuid.NewString(),
		tuning:       tuning,
		settings:     cfg.Settings.withDefaults(),
		source:       cfg.Source,
		dialer:       cfg.Dialer,
		metrics:      cfg.Metrics,
		onClose:      cfg.OnClose,
		queue:        newEventQueue(),
		events:       make(chan Event, tuning.EventBuffer),
		vad:          NewDetector(tuning.VADThreshold, tuning.EndOfUtteranceSilence),
		outboundDone: make(chan struct{}),
		inboundDone:  make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

// Events returns the typed event stream. The channel closes after
// SessionEnded; it is the only channel a UI collaborator needs.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActive && !s.ending
}

// Start dials the model stream and performs the establishment handshake
// synchronously, so a failed dial or a rejected handshake surfaces here
// rather than asynchronously. On success both stream loops are running
// and capture opens after the model's first completion ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionStarted
	}
	s.started = true
	s.mu.Unlock()

	transport, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial model stream: %w", err)
	}
	s.transport = transport

	if err := s.handshake(ctx); err != nil {
		transport.Close()
		return fmt.Errorf("session handshake: %w", err)
	}

	s.mu.Lock()
	s.isActive = true
	s.mu.Unlock()

	s.metrics.SessionOpened()
	go s.outboundLoop()
	go s.inboundLoop()
	return nil
}

// handshake sends the establishment sequence directly on the transport:
// sessionStart, promptStart, a non-interactive SYSTEM text block, then an
// interactive kickoff block that prompts the model to open the
// conversation.
func (s *Session) handshake(ctx context.Context) error {
	if err := s.sendDirect(ctx, protocol.SessionStart{
		Inference: protocol.InferenceConfig{
			MaxTokens:   s.settings.MaxTokens,
			TopP:        s.settings.TopP,
			Temperature: s.settings.Temperature,
		},
	}); err != nil {
		return err
	}

	if err := s.sendDirect(ctx, protocol.PromptStart{
		PromptName: s.promptID,
		TextOutput: protocol.TextConfig{MediaType: "text/plain"},
		AudioOutput: protocol.AudioOutputConfig{
			MediaType:       "audio/lpcm",
			SampleRateHertz: s.tuning.OutputSampleRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			VoiceID:         s.settings.VoiceID,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}); err != nil {
		return err
	}
	s.promptStarts++

	if err := s.sendTextBlock(ctx, protocol.RoleSystem, false, s.settings.SystemPrompt); err != nil {
		return err
	}
	return s.sendTextBlock(ctx, protocol.RoleUser, true, s.settings.KickoffPrompt)
}

func (s *Session) sendTextBlock(ctx context.Context, role string, interactive bool, text string) error {
	contentID := uuid.NewString()
	if err := s.sendDirect(ctx, protocol.ContentStart{
		PromptName:  s.promptID,
		ContentName: contentID,
		Type:        protocol.ContentTypeText,
		Interactive: interactive,
		Role:        role,
		TextInput:   &protocol.TextConfig{MediaType: "text/plain"},
	}); err != nil {
		return err
	}
	s.contentStarts++
	if err := s.sendDirect(ctx, protocol.TextInput{
		PromptName:  s.promptID,
		ContentName: contentID,
		Content:     text,
	}); err != nil {
		return err
	}
	if err := s.sendDirect(ctx, protocol.ContentEnd{
		PromptName:  s.promptID,
		ContentName: contentID,
	}); err != nil {
		return err
	}
	s.contentEnds++
	return nil
}

func (s *Session) sendDirect(ctx context.Context, ev protocol.OutboundEvent) error {
	data, err := protocol.EncodeOutbound(ev)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", ev.EventName(), err)
	}
	s.metrics.IncOutbound(ev.EventName())
	return nil
}

// StartCapture opens a new user audio turn: fresh content block, reset
// voice detector, armed initial-silence timer, running pacer. Calling it
// while a turn is already open is a no-op.
func (s *Session) StartCapture() error {
	s.mu.Lock()
	if !s.isActive || s.ending {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.isRecording {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// The source starts before isRecording flips; frames that sneak in
	// early are dropped by onFrame rather than attributed to a turn that
	// does not exist yet.
	if err := s.source.Start(s.onFrame); err != nil {
		return fmt.Errorf("start audio source: %w", err)
	}

	s.mu.Lock()
	s.audioContentID = uuid.NewString()
	s.vad.Reset()
	s.pending = s.pending[:0]
	s.turnSamples = nil
	s.isRecording = true
	s.restartTimer = nil
	s.enqueueLocked(protocol.ContentStart{
		PromptName:  s.promptID,
		ContentName: s.audioContentID,
		Type:        protocol.ContentTypeAudio,
		Interactive: true,
		Role:        protocol.RoleUser,
		AudioInput: &protocol.AudioInputConfig{
			MediaType:       "audio/lpcm",
			SampleRateHertz: s.tuning.InputSampleRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			AudioType:       "SPEECH",
			Encoding:        "base64",
		},
	})
	s.contentStarts++
	s.initialSilenceTimer = time.AfterFunc(s.tuning.InitialSilenceTimeout, s.initialSilenceElapsed)
	stop := make(chan struct{})
	done := make(chan struct{})
	s.pacerStop = stop
	s.pacerDone = done
	s.mu.Unlock()

	go s.runPacer(stop, done)
	s.publish(CaptureStarted{})
	return nil
}

// onFrame is the capture callback. It runs on the source's thread and
// must stay cheap: classify, buffer, get out. Only voiced frames enter
// the transmit buffer; silent ones feed the detector and are discarded,
// so a turn with no speech sends no audio at all.
func (s *Session) onFrame(f audio.Frame) {
	s.mu.Lock()
	if !s.isActive || !s.isRecording {
		s.mu.Unlock()
		return
	}
	endOfUtterance := s.vad.Observe(f.RMS, f.At)
	if s.vad.State() == SignalActive {
		if s.initialSilenceTimer != nil {
			s.initialSilenceTimer.Stop()
			s.initialSilenceTimer = nil
		}
		s.pending = append(s.pending, f.Samples...)
	}
	s.mu.Unlock()

	if endOfUtterance {
		s.closeTurn(ReasonEndOfUtterance)
	}
}

func (s *Session) initialSilenceElapsed() {
	s.mu.Lock()
	fire := s.isRecording && !s.vad.Voiced()
	s.mu.Unlock()
	if fire {
		s.closeTurn(ReasonInitialSilence)
	}
}

func (s *Session) runPacer(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tuning.PacerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.paceTick()
		}
	}
}

// paceTick transmits at most one chunk. A tick with less than a full
// chunk buffered, or with the queue at its depth ceiling, sends nothing
// and leaves the buffer untouched; samples are never dropped.
func (s *Session) paceTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRecording {
		return
	}
	n := s.tuning.ChunkSamples
	if len(s.pending) < n {
		return
	}
	if s.queue.Depth() >= s.tuning.QueueDepthLimit {
		s.metrics.IncBackpressureHold()
		return
	}
	chunk := s.pending[:n]
	s.enqueueLocked(protocol.AudioInput{
		PromptName:  s.promptID,
		ContentName: s.audioContentID,
		Content:     audio.EncodeBase64PCM(chunk),
	})
	if s.tuning.CaptureDumpDir != "" {
		s.turnSamples = append(s.turnSamples, chunk...)
	}
	rest := copy(s.pending, s.pending[n:])
	s.pending = s.pending[:rest]
}

// StopCapture closes the open user turn on the caller's behalf, without
// waiting for the silence detector. A no-op when no turn is open.
func (s *Session) StopCapture() {
	s.closeTurn(ReasonManualStop)
}

// closeTurn ends the open user turn: flush the buffered remainder as a
// final audio chunk, close the content block, stop the pacer and the
// source. Idempotent; concurrent closure paths race harmlessly.
func (s *Session) closeTurn(reason string) {
	s.mu.Lock()
	if !s.isRecording {
		s.mu.Unlock()
		return
	}
	s.isRecording = false
	if s.initialSilenceTimer != nil {
		s.initialSilenceTimer.Stop()
		s.initialSilenceTimer = nil
	}
	if len(s.pending) > 0 {
		s.enqueueLocked(protocol.AudioInput{
			PromptName:  s.promptID,
			ContentName: s.audioContentID,
			Content:     audio.EncodeBase64PCM(s.pending),
		})
		if s.tuning.CaptureDumpDir != "" {
			s.turnSamples = append(s.turnSamples, s.pending...)
		}
		s.pending = s.pending[:0]
	}
	s.enqueueLocked(protocol.ContentEnd{
		PromptName:  s.promptID,
		ContentName: s.audioContentID,
	})
	s.contentEnds++
	s.turnClosedAt = time.Now()
	s.firstAudioSeen = false
	dump := s.turnSamples
	s.turnSamples = nil
	contentID := s.audioContentID
	stop := s.pacerStop
	done := s.pacerDone
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if err := s.source.Stop(); err != nil {
		log.Printf("session %s: stop audio source: %v", s.id, err)
	}
	if s.tuning.CaptureDumpDir != "" && len(dump) > 0 {
		path := filepath.Join(s.tuning.CaptureDumpDir, fmt.Sprintf("turn-%s.wav", contentID))
		if err := audio.WriteWAVFile(path, dump, s.tuning.InputSampleRate); err != nil {
			log.Printf("session %s: write capture dump: %v", s.id, err)
		}
	}

	s.metrics.IncTurnClosure(reason)
	s.publish(CaptureStopped{Reason: reason})
}

// End shuts the session down in order: close any open turn, send
// promptEnd and sessionEnd, seal the queue, then wait for both stream
// loops to drain and exit. The context bounds the wait; on expiry the
// transport is torn down so the loops cannot linger.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.isActive || s.ending {
		s.mu.Unlock()
		return nil
	}
	s.ending = true
	recording := s.isRecording
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()

	if recording {
		s.closeTurn(ReasonSessionEnd)
	}

	s.mu.Lock()
	s.enqueueLocked(protocol.PromptEnd{PromptName: s.promptID})
	s.promptEnds++
	s.enqueueLocked(protocol.SessionEnd{})
	if s.contentStarts != s.contentEnds || s.promptStarts != s.promptEnds {
		log.Printf("session %s: unbalanced lifecycle at end: contentStart=%d contentEnd=%d promptStart=%d promptEnd=%d",
			s.id, s.contentStarts, s.contentEnds, s.promptStarts, s.promptEnds)
	}
	s.isActive = false
	s.mu.Unlock()

	s.queue.MarkComplete()

	select {
	case <-s.outboundDone:
	case <-ctx.Done():
		s.transport.Close()
		return ctx.Err()
	}
	select {
	case <-s.inboundDone:
	case <-ctx.Done():
		s.transport.Close()
		return ctx.Err()
	}
	return nil
}

// enqueueLocked routes an event through the outbound queue. Callers hold
// s.mu; the queue has its own lock and never takes s.mu back. A rejected
// enqueue means the stream already completed and the event is stale.
func (s *Session) enqueueLocked(ev protocol.OutboundEvent) {
	if s.queue.Enqueue(ev) {
		return
	}
	s.metrics.IncStaleDrop()
	log.Printf("session %s: dropping stale %s event after stream completion", s.id, ev.EventName())
}

// publish delivers one event to the UI collaborator without blocking.
// A full buffer drops the event with a log line; a slow consumer must
// never stall the stream loops.
func (s *Session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Printf("session %s: event buffer full, dropping %s", s.id, ev.eventType())
	}
}

// finalize runs exactly once, after the inbound loop exits. It is the
// single place the event channel closes and the registry callback fires.
func (s *Session) finalize(reason string) {
	s.finalizeOnce.Do(func() {
		s.mu.Lock()
		s.isActive = false
		s.ending = true
		recording := s.isRecording
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.restartTimer = nil
		}
		s.mu.Unlock()

		if recording {
			s.closeTurn(ReasonSessionEnd)
		}
		s.queue.MarkComplete()
		s.publish(SessionEnded{Reason: reason})

		s.mu.Lock()
		s.eventsClosed = true
		s.mu.Unlock()
		close(s.events)

		s.metrics.SessionClosed()
		if s.onClose != nil {
			s.onClose(s.id)
		}
	})
}
