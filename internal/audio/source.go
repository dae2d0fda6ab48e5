package audio

import (
	"errors"
	"sync"
	"time"
)

// Source is a restartable stream of capture frames. Start wires the frame
// callback and begins producing; Stop halts production synchronously and
// releases whatever the source holds. A stopped source may be started
// again; the next segment begins with a clean pipeline.
type Source interface {
	Start(emit FrameFunc) error
	Stop() error
}

var ErrSourceRunning = errors.New("audio source already started")

// PushSource adapts remotely delivered PCM chunks (a browser relay, a test
// script) to the Source contract. Callers push raw interleaved PCM16 at
// the configured input rate; frames come out normalized like any other
// capture path.
type PushSource struct {
	cfg PipelineConfig

	mu       sync.Mutex
	pipeline *Pipeline
	running  bool
}

func NewPushSource(cfg PipelineConfig) *PushSource {
	return &PushSource{cfg: cfg}
}

func (s *PushSource) Start(emit FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSourceRunning
	}
	s.pipeline = NewPipeline(s.cfg, emit)
	s.running = true
	return nil
}

func (s *PushSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.pipeline = nil
	return nil
}

// Push feeds one chunk of raw PCM. Chunks arriving while the source is
// stopped are dropped; the caller is between turns and nothing downstream
// wants them.
func (s *PushSource) Push(pcm []int16, at time.Time) {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return
	}
	pipeline.Push(pcm, at)
}

// Running reports whether the source is currently producing frames.
func (s *PushSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
