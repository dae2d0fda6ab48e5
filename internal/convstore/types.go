package convstore

import (
	"context"
	"errors"
	"time"
)

var ErrProfileNotFound = errors.New("profile settings not found")

// ProfileSettings are the per-student model parameters applied when a
// session starts. Zero-valued fields fall back to service defaults.
type ProfileSettings struct {
	ProfileID     string    `json:"profile_id"`
	VoiceID       string    `json:"voice_id"`
	Temperature   float64   `json:"temperature"`
	TopP          float64   `json:"top_p"`
	MaxTokens     int       `json:"max_tokens"`
	SystemPrompt  string    `json:"system_prompt"`
	KickoffPrompt string    `json:"kickoff_prompt"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TranscriptRecord stores one text chunk of a conversation, either side.
type TranscriptRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ProfileID string    `json:"profile_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists per-student settings and conversation transcripts.
type Store interface {
	SettingsFor(ctx context.Context, profileID string) (ProfileSettings, error)
	SaveSettings(ctx context.Context, settings ProfileSettings) error
	SaveTranscript(ctx context.Context, record TranscriptRecord) error
	SessionTranscript(ctx context.Context, sessionID string, limit int) ([]TranscriptRecord, error)
	Close() error
}
