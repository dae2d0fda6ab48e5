package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/mverastegui/aulavoz/internal/audio"
	"github.com/mverastegui/aulavoz/internal/engine"
)

// MessageType identifies a browser relay websocket message.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client.audio_chunk"
	TypeClientControl    MessageType = "client.control"

	TypeCaptureStarted    MessageType = "server.capture_started"
	TypeCaptureStopped    MessageType = "server.capture_stopped"
	TypeCompletionStarted MessageType = "server.completion_started"
	TypeCompletionEnded   MessageType = "server.completion_ended"
	TypeContentStarted    MessageType = "server.content_started"
	TypeContentEnded      MessageType = "server.content_ended"
	TypeTextDelta         MessageType = "server.text_delta"
	TypeAudioChunkMsg     MessageType = "server.audio_chunk"
	TypeBargeIn           MessageType = "server.barge_in"
	TypeUsage             MessageType = "server.usage"
	TypeSessionEnded      MessageType = "server.session_ended"
	TypeError             MessageType = "server.error"
)

// Control actions accepted from the browser.
const (
	ActionStartCapture = "start_capture"
	ActionStopCapture  = "stop_capture"
	ActionEndSession   = "end_session"
)

// ClientAudioChunk carries base64 PCM16LE microphone samples at the
// configured input rate.
type ClientAudioChunk struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

// ParseClientMessage decodes one browser message into its typed form.
func ParseClientMessage(data []byte) (any, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid client message: %w", err)
	}
	switch head.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid audio chunk: %w", err)
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid control message: %w", err)
		}
		switch msg.Action {
		case ActionStartCapture, ActionStopCapture, ActionEndSession:
			return msg, nil
		default:
			return nil, fmt.Errorf("unknown control action %q", msg.Action)
		}
	default:
		return nil, fmt.Errorf("unknown client message type %q", head.Type)
	}
}

// ServerEvent is the single envelope for everything the relay pushes to
// the browser. Unused fields stay empty per message type.
type ServerEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`

	Role        string `json:"role,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Text        string `json:"text,omitempty"`
	Speculative bool   `json:"speculative,omitempty"`

	Audio      string `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	Reason     string `json:"reason,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`

	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// relayMessage translates one engine event into its browser form. The
// second return is false for events with no browser representation.
func relayMessage(sessionID string, ev engine.Event) (ServerEvent, bool) {
	switch e := ev.(type) {
	case engine.CaptureStarted:
		return ServerEvent{Type: TypeCaptureStarted, SessionID: sessionID}, true
	case engine.CaptureStopped:
		return ServerEvent{Type: TypeCaptureStopped, SessionID: sessionID, Reason: e.Reason}, true
	case engine.CompletionStarted:
		return ServerEvent{Type: TypeCompletionStarted, SessionID: sessionID}, true
	case engine.CompletionEnded:
		return ServerEvent{Type: TypeCompletionEnded, SessionID: sessionID, StopReason: e.StopReason}, true
	case engine.ContentStarted:
		return ServerEvent{
			Type:        TypeContentStarted,
			SessionID:   sessionID,
			Role:        e.Role,
			ContentType: e.ContentType,
			Speculative: e.Speculative,
		}, true
	case engine.ContentEnded:
		return ServerEvent{Type: TypeContentEnded, SessionID: sessionID, StopReason: e.StopReason}, true
	case engine.TextChunk:
		return ServerEvent{
			Type:        TypeTextDelta,
			SessionID:   sessionID,
			Role:        e.Role,
			Text:        e.Text,
			Speculative: e.Speculative,
		}, true
	case engine.AudioChunk:
		return ServerEvent{
			Type:       TypeAudioChunkMsg,
			SessionID:  sessionID,
			Audio:      audio.EncodeBase64PCM(e.Samples),
			SampleRate: e.SampleRate,
		}, true
	case engine.BargeIn:
		return ServerEvent{Type: TypeBargeIn, SessionID: sessionID}, true
	case engine.UsageReport:
		return ServerEvent{
			Type:         TypeUsage,
			SessionID:    sessionID,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			TotalTokens:  e.TotalTokens,
		}, true
	case engine.SessionEnded:
		return ServerEvent{Type: TypeSessionEnded, SessionID: sessionID, Reason: e.Reason}, true
	default:
		return ServerEvent{}, false
	}
}
