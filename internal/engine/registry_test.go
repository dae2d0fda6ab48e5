package engine

import (
	"context"
	"testing"
	"time"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry(time.Minute)
	s, _, _ := newTestSession(t, testTuning())
	defer s.End(context.Background())

	r.Add(s)
	if got, err := r.Get(s.ID()); err != nil || got != s {
		t.Fatalf("Get = (%v, %v), want the added session", got, err)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	r.Remove(s.ID())
	if _, err := r.Get(s.ID()); err != ErrNotFound {
		t.Fatalf("Get after Remove = %v, want ErrNotFound", err)
	}
}

func TestRegistryTouchUnknownSession(t *testing.T) {
	r := NewRegistry(time.Minute)
	if err := r.Touch("nope"); err != ErrNotFound {
		t.Fatalf("Touch = %v, want ErrNotFound", err)
	}
}

func TestRegistryJanitorEndsInactiveSessions(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	s, _, _ := newTestSession(t, testTuning())
	s.onClose = r.Remove

	r.Add(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond)

	waitFor(t, "janitor to end the idle session", func() bool { return !s.Active() })
	waitFor(t, "registry removal via OnClose", func() bool { return r.Count() == 0 })
}

func TestRegistryTouchKeepsSessionAlive(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)
	s, _, _ := newTestSession(t, testTuning())
	defer s.End(context.Background())

	r.Add(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond)

	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := r.Touch(s.ID()); err != nil {
			t.Fatalf("Touch: %v", err)
		}
	}
	if !s.Active() {
		t.Fatalf("session reaped despite regular touches")
	}
}
