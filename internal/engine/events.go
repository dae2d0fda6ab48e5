package engine

// Event is the typed stream the engine publishes to its UI collaborator.
// The engine never renders text or plays audio itself; the collaborator
// owns playback and transcript display. Events are dispatched in arrival
// order and at most once.
type Event interface {
	eventType() string
}

// CompletionStarted signals the model began generating a response.
type CompletionStarted struct{}

func (CompletionStarted) eventType() string { return "completion_started" }

// ContentStarted opens an assistant content block.
type ContentStarted struct {
	Role        string
	ContentType string
	Speculative bool
}

func (ContentStarted) eventType() string { return "content_started" }

// TextChunk is a piece of transcript, user or assistant side.
type TextChunk struct {
	Role        string
	Text        string
	Speculative bool
}

func (TextChunk) eventType() string { return "text_chunk" }

// AudioChunk carries decoded assistant audio for playback.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
}

func (AudioChunk) eventType() string { return "audio_chunk" }

// BargeIn signals the model detected the user interrupting its response.
type BargeIn struct{}

func (BargeIn) eventType() string { return "barge_in" }

// ContentEnded closes a content block. Informational; it never restarts
// capture on its own.
type ContentEnded struct {
	StopReason string
}

func (ContentEnded) eventType() string { return "content_ended" }

// CompletionEnded marks the end of a full model response. If the session
// is still live and the microphone is closed, capture restarts shortly
// after this event.
type CompletionEnded struct {
	StopReason string
}

func (CompletionEnded) eventType() string { return "completion_ended" }

// CaptureStarted reports that the microphone is feeding a new user turn.
type CaptureStarted struct{}

func (CaptureStarted) eventType() string { return "capture_started" }

// CaptureStopped reports that the user turn was closed.
type CaptureStopped struct {
	Reason string
}

func (CaptureStopped) eventType() string { return "capture_stopped" }

// UsageReport relays the model's token accounting.
type UsageReport struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

func (UsageReport) eventType() string { return "usage" }

// SessionEnded is the last event a session ever dispatches.
type SessionEnded struct {
	Reason string
}

func (SessionEnded) eventType() string { return "session_ended" }

// Turn-closure reasons surfaced in CaptureStopped.
const (
	ReasonEndOfUtterance = "end_of_utterance"
	ReasonInitialSilence = "initial_silence_timeout"
	ReasonManualStop     = "manual_stop"
	ReasonSessionEnd     = "session_end"
)
