package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

type registryEntry struct {
	session        *Session
	startedAt      time.Time
	lastActivityAt time.Time
}

// Registry tracks live sessions by ID and reaps the ones whose
// collaborators went quiet. Relay handlers touch their session on every
// browser message; the janitor ends anything untouched past the
// inactivity timeout.
type Registry struct {
	mu                sync.RWMutex
	sessions          map[string]*registryEntry
	inactivityTimeout time.Duration
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		sessions:          make(map[string]*registryEntry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (r *Registry) Add(s *Session) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = &registryEntry{
		session:        s,
		startedAt:      now,
		lastActivityAt: now,
	}
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.session, nil
}

// Touch refreshes the inactivity clock for a session.
func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.lastActivityAt = time.Now().UTC()
	return nil
}

// Remove drops the registry's reference. Sessions call this through
// their OnClose hook, so removal happens exactly once per session no
// matter which side ended it.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartJanitor reaps inactive sessions on an interval until the context
// is cancelled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	r.mu.RLock()
	for _, e := range r.sessions {
		if now.Sub(e.lastActivityAt) >= r.inactivityTimeout {
			expired = append(expired, e.session)
		}
	}
	r.mu.RUnlock()

	for _, s := range expired {
		log.Printf("session %s: ending after inactivity timeout", s.ID())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.End(ctx); err != nil {
			log.Printf("session %s: inactivity end: %v", s.ID(), err)
		}
		cancel()
	}
}
