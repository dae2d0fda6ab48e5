package convstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	settings    map[string]ProfileSettings
	transcripts map[string][]TranscriptRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		settings:    make(map[string]ProfileSettings),
		transcripts: make(map[string][]TranscriptRecord),
	}
}

func (s *InMemoryStore) SettingsFor(_ context.Context, profileID string) (ProfileSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[profileID]
	if !ok {
		return ProfileSettings{}, ErrProfileNotFound
	}
	return settings, nil
}

func (s *InMemoryStore) SaveSettings(_ context.Context, settings ProfileSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	s.settings[settings.ProfileID] = settings
	return nil
}

func (s *InMemoryStore) SaveTranscript(_ context.Context, record TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.transcripts[record.SessionID] = append(s.transcripts[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) SessionTranscript(_ context.Context, sessionID string, limit int) ([]TranscriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.transcripts[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TranscriptRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
