package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// hopFrame is one captured block queued between the device callback and
// the consumer goroutine.
type hopFrame struct {
	pcm []int16
	at  time.Time
}

// frameHop moves captured frames off the device callback thread onto its
// own goroutine. The callback must never block and must never tear the
// device down; a consumer that stops the source from inside the frame
// path runs on the hop's goroutine, where device teardown is safe.
type frameHop struct {
	frames chan hopFrame
	stop   chan struct{}
	done   chan struct{}
}

func startFrameHop(push func(pcm []int16, at time.Time)) *frameHop {
	h := &frameHop{
		frames: make(chan hopFrame, 32),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		for {
			select {
			case <-h.stop:
				return
			case f := <-h.frames:
				select {
				case <-h.stop:
					return
				default:
				}
				push(f.pcm, f.at)
			}
		}
	}()
	return h
}

// offer hands one frame to the hop without blocking. When the consumer
// falls behind, the frame is dropped; stalling the device callback is
// worse than losing a capture period.
func (h *frameHop) offer(pcm []int16, at time.Time) {
	select {
	case h.frames <- hopFrame{pcm: pcm, at: at}:
	default:
	}
}

// halt stops the hop. It does not wait for the worker to exit, which may
// be the caller itself when a frame consumer stops the source.
func (h *frameHop) halt() {
	close(h.stop)
}

// DeviceSource captures from the host microphone via miniaudio. The OS
// capture device is acquired on Start and released on Stop; both the
// context and the device are torn down on every exit path so a failed
// Start never leaves a half-initialized capture graph behind.
type DeviceSource struct {
	cfg      PipelineConfig
	periodMS uint32

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	pipeline *Pipeline
	hop      *frameHop
}

// NewDeviceSource configures a microphone source. The device is opened at
// cfg.InputRate/cfg.InputChannels in S16; the pipeline handles downmix and
// resampling to the engine's fixed format.
func NewDeviceSource(cfg PipelineConfig) *DeviceSource {
	return &DeviceSource{cfg: cfg.withDefaults(), periodMS: 20}
}

func (s *DeviceSource) Start(emit FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return ErrSourceRunning
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	pipeline := NewPipeline(s.cfg, emit)
	hop := startFrameHop(pipeline.Push)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.cfg.InputChannels)
	deviceConfig.SampleRate = uint32(s.cfg.InputRate)
	deviceConfig.PeriodSizeInMilliseconds = s.periodMS

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			pcm, err := DecodePCM16LE(input)
			if err != nil {
				return
			}
			hop.offer(pcm, time.Now())
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		hop.halt()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return fmt.Errorf("open capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		hop.halt()
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return fmt.Errorf("start capture device: %w", err)
	}

	s.malgoCtx = malgoCtx
	s.device = device
	s.pipeline = pipeline
	s.hop = hop
	return nil
}

// Stop halts frame production and releases the capture device before
// returning. Queued but undelivered frames are discarded. Safe to call
// from the frame consumer itself; device teardown joins only the audio
// thread, whose callback never blocks. Stopping an already stopped
// source is a no-op.
func (s *DeviceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	s.hop.halt()
	s.device.Uninit()
	err := s.malgoCtx.Uninit()
	s.malgoCtx.Free()
	s.device = nil
	s.malgoCtx = nil
	s.pipeline = nil
	s.hop = nil
	return err
}
