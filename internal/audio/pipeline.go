package audio

import "time"

// Frame is one fixed-size block of capture output: mono PCM16 at the
// target rate plus the RMS amplitude measured over the block. Frames are
// ephemeral; consumers either copy the samples into their own buffers or
// drop them.
type Frame struct {
	Samples []int16
	RMS     float64
	At      time.Time
}

// FrameFunc receives frames as they are produced.
type FrameFunc func(Frame)

// PipelineConfig fixes the input and output shape of a capture pipeline.
type PipelineConfig struct {
	InputRate     int
	InputChannels int
	OutputRate    int
	FrameSamples  int
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.InputRate <= 0 {
		c.InputRate = 16000
	}
	if c.InputChannels <= 0 {
		c.InputChannels = 1
	}
	if c.OutputRate <= 0 {
		c.OutputRate = 16000
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = 320 // 20ms at 16kHz
	}
	return c
}

// Pipeline turns raw interleaved device PCM into fixed-size mono frames:
// downmix to mono, resample to the output rate, measure RMS, quantize to
// PCM16 with clamping. It is not safe for concurrent use; each source owns
// exactly one pipeline and feeds it from a single callback goroutine.
type Pipeline struct {
	cfg     PipelineConfig
	pending []float64
	emit    FrameFunc
}

func NewPipeline(cfg PipelineConfig, emit FrameFunc) *Pipeline {
	return &Pipeline{cfg: cfg.withDefaults(), emit: emit}
}

// Push feeds raw interleaved PCM16 at the pipeline's input rate.
// Full frames are emitted immediately; the remainder stays buffered.
func (p *Pipeline) Push(pcm []int16, at time.Time) {
	if len(pcm) == 0 {
		return
	}
	mono := DownmixMono(pcm, p.cfg.InputChannels)
	p.pending = append(p.pending, Resample(mono, p.cfg.InputRate, p.cfg.OutputRate)...)

	for len(p.pending) >= p.cfg.FrameSamples {
		block := p.pending[:p.cfg.FrameSamples]
		frame := Frame{
			Samples: QuantizePCM16(block),
			RMS:     RMS(block),
			At:      at,
		}
		p.pending = p.pending[p.cfg.FrameSamples:]
		if p.emit != nil {
			p.emit(frame)
		}
	}
}

// Reset drops any buffered partial frame, for use between capture segments.
func (p *Pipeline) Reset() {
	p.pending = p.pending[:0]
}
