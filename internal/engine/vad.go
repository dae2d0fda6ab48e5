package engine

import "time"

// Signal is the detector's two-state classification of the capture stream.
type Signal int

const (
	SignalSilent Signal = iota
	SignalActive
)

// Detector classifies frames into silence/activity by RMS amplitude and
// decides when an utterance has ended. Silence is accumulated from the
// real inter-frame time deltas, not a nominal frame duration, because
// capture callbacks are not perfectly periodic.
//
// Not safe for concurrent use; the owning session observes frames under
// its own lock.
type Detector struct {
	threshold  float64
	eouSilence time.Duration

	signal      Signal
	silentFor   time.Duration
	lastFrameAt time.Time
	voiced      bool
	fired       bool
}

func NewDetector(threshold float64, eouSilence time.Duration) *Detector {
	return &Detector{threshold: threshold, eouSilence: eouSilence}
}

// Observe feeds one frame's amplitude and arrival time. It reports true
// exactly once per turn: on the frame where accumulated silence crosses
// the end-of-utterance threshold after at least one voiced frame.
func (d *Detector) Observe(rms float64, at time.Time) bool {
	var delta time.Duration
	if !d.lastFrameAt.IsZero() {
		delta = at.Sub(d.lastFrameAt)
		if delta < 0 {
			delta = 0
		}
	}
	d.lastFrameAt = at

	if rms >= d.threshold {
		d.signal = SignalActive
		d.silentFor = 0
		d.voiced = true
		return false
	}

	d.signal = SignalSilent
	d.silentFor += delta

	if d.fired || !d.voiced {
		return false
	}
	if d.silentFor >= d.eouSilence {
		d.fired = true
		return true
	}
	return false
}

// State returns the current silence/activity classification.
func (d *Detector) State() Signal { return d.signal }

// Voiced reports whether any voiced frame has arrived this turn. The
// initial-silence timeout only applies while this is still false.
func (d *Detector) Voiced() bool { return d.voiced }

// SilentFor returns the accumulated silence duration.
func (d *Detector) SilentFor() time.Duration { return d.silentFor }

// Reset prepares the detector for a new turn.
func (d *Detector) Reset() {
	d.signal = SignalSilent
	d.silentFor = 0
	d.lastFrameAt = time.Time{}
	d.voiced = false
	d.fired = false
}
