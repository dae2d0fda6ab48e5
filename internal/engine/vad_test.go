package engine

import (
	"testing"
	"time"
)

func TestDetectorAccumulatesRealDeltas(t *testing.T) {
	d := NewDetector(0.02, 1200*time.Millisecond)
	base := time.Unix(0, 0)

	// One voiced frame so end-of-utterance is armed.
	d.Observe(0.5, base)

	// Irregular silent cadence: 20ms, 35ms, 5ms, 60ms.
	deltas := []time.Duration{
		20 * time.Millisecond,
		35 * time.Millisecond,
		5 * time.Millisecond,
		60 * time.Millisecond,
	}
	at := base
	var want time.Duration
	for _, dt := range deltas {
		at = at.Add(dt)
		want += dt
		d.Observe(0.001, at)
	}
	if d.SilentFor() != want {
		t.Fatalf("SilentFor = %v, want %v (sum of real deltas)", d.SilentFor(), want)
	}
}

func TestDetectorVoicedFrameResetsSilence(t *testing.T) {
	d := NewDetector(0.02, 1200*time.Millisecond)
	base := time.Unix(0, 0)
	d.Observe(0.5, base)
	d.Observe(0.001, base.Add(500*time.Millisecond))
	if d.State() != SignalSilent {
		t.Fatalf("State = %v, want SignalSilent", d.State())
	}
	d.Observe(0.5, base.Add(600*time.Millisecond))
	if d.State() != SignalActive {
		t.Fatalf("State = %v, want SignalActive", d.State())
	}
	if d.SilentFor() != 0 {
		t.Fatalf("SilentFor = %v after voiced frame, want 0", d.SilentFor())
	}
}

func TestDetectorFiresExactlyOnce(t *testing.T) {
	d := NewDetector(0.02, 1200*time.Millisecond)
	base := time.Unix(0, 0)
	d.Observe(0.5, base)

	fired := 0
	at := base
	for i := 0; i < 100; i++ {
		at = at.Add(100 * time.Millisecond)
		if d.Observe(0.001, at) {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("end-of-utterance fired %d times, want 1", fired)
	}
}

func TestDetectorNeverFiresWithoutVoice(t *testing.T) {
	d := NewDetector(0.02, 1200*time.Millisecond)
	base := time.Unix(0, 0)
	at := base
	for i := 0; i < 100; i++ {
		at = at.Add(100 * time.Millisecond)
		if d.Observe(0.001, at) {
			t.Fatalf("end-of-utterance fired with zero voiced frames")
		}
	}
	if d.Voiced() {
		t.Fatalf("Voiced = true, want false")
	}
}

func TestDetectorResetRearms(t *testing.T) {
	d := NewDetector(0.02, 100*time.Millisecond)
	base := time.Unix(0, 0)
	d.Observe(0.5, base)
	if !d.Observe(0.001, base.Add(150*time.Millisecond)) {
		t.Fatalf("expected end-of-utterance before reset")
	}
	d.Reset()
	at := base.Add(time.Second)
	d.Observe(0.5, at)
	if !d.Observe(0.001, at.Add(150*time.Millisecond)) {
		t.Fatalf("expected end-of-utterance after reset")
	}
}

func TestDetectorFirstFrameContributesNoDelta(t *testing.T) {
	d := NewDetector(0.02, 1200*time.Millisecond)
	d.Observe(0.001, time.Unix(100, 0))
	if d.SilentFor() != 0 {
		t.Fatalf("SilentFor = %v after first frame, want 0", d.SilentFor())
	}
}
