package engine

import "time"

// Tuning groups the engine's numeric knobs. Every value here is a
// configuration default, not a contract; config.Load maps environment
// overrides onto it.
type Tuning struct {
	InputSampleRate  int
	OutputSampleRate int
	Channels         int

	// FrameSamples is the capture frame size at the input rate.
	FrameSamples int

	// VADThreshold is the normalized RMS cutoff between silence and voice.
	VADThreshold float64
	// EndOfUtteranceSilence closes a turn after this much accumulated
	// silence following at least one voiced frame.
	EndOfUtteranceSilence time.Duration
	// InitialSilenceTimeout closes a turn that never produced voice.
	InitialSilenceTimeout time.Duration

	// ChunkSamples is one pacing chunk of outbound audio.
	ChunkSamples int
	// PacerInterval is the transmit pacing tick.
	PacerInterval time.Duration
	// QueueDepthLimit is the back-pressure ceiling on the outbound queue.
	QueueDepthLimit int

	// RestartDelay is how long after completionEnd the microphone reopens.
	RestartDelay time.Duration

	// EventBuffer sizes the typed event channel to the UI collaborator.
	EventBuffer int

	// CaptureDumpDir, when set, writes each closed turn's transmitted
	// audio as a WAV file for diagnostics.
	CaptureDumpDir string
}

func (t Tuning) withDefaults() Tuning {
	if t.InputSampleRate <= 0 {
		t.InputSampleRate = 16000
	}
	if t.OutputSampleRate <= 0 {
		t.OutputSampleRate = 24000
	}
	if t.Channels <= 0 {
		t.Channels = 1
	}
	if t.FrameSamples <= 0 {
		t.FrameSamples = t.InputSampleRate / 50 // 20ms
	}
	if t.VADThreshold <= 0 {
		t.VADThreshold = 0.015
	}
	if t.EndOfUtteranceSilence <= 0 {
		t.EndOfUtteranceSilence = 1200 * time.Millisecond
	}
	if t.InitialSilenceTimeout <= 0 {
		t.InitialSilenceTimeout = 4 * time.Second
	}
	if t.ChunkSamples <= 0 {
		t.ChunkSamples = t.InputSampleRate / 10 // 100ms
	}
	if t.PacerInterval <= 0 {
		t.PacerInterval = 50 * time.Millisecond
	}
	if t.QueueDepthLimit <= 0 {
		t.QueueDepthLimit = 16
	}
	if t.RestartDelay <= 0 {
		t.RestartDelay = 500 * time.Millisecond
	}
	if t.EventBuffer <= 0 {
		t.EventBuffer = 256
	}
	return t
}

// Settings are the per-conversation model parameters, normally fetched
// from the conversation store with fallback defaults.
type Settings struct {
	VoiceID       string
	Temperature   float64
	TopP          float64
	MaxTokens     int
	SystemPrompt  string
	KickoffPrompt string
}

func (s Settings) withDefaults() Settings {
	if s.VoiceID == "" {
		s.VoiceID = "matthew"
	}
	if s.Temperature <= 0 {
		s.Temperature = 0.7
	}
	if s.TopP <= 0 {
		s.TopP = 0.9
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 1024
	}
	if s.SystemPrompt == "" {
		s.SystemPrompt = "You are an educational voice assistant helping students learn. " +
			"Respond naturally and helpfully to their questions. " +
			"Keep responses concise and clear, generally two or three sentences."
	}
	if s.KickoffPrompt == "" {
		s.KickoffPrompt = "Greet the student briefly and ask what they would like to work on."
	}
	return s
}
