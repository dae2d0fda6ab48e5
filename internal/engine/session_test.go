package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mverastegui/aulavoz/internal/audio"
	"github.com/mverastegui/aulavoz/internal/protocol"
	"github.com/mverastegui/aulavoz/internal/stream"
)

// fakeTransport records outbound frames and replays scripted inbound ones.
// stallSends parks the sender until releaseSends, so tests can pile events
// up in the outbound queue.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	gate      chan struct{}
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-t.closed:
			return stream.ErrClosed
		}
	}
	select {
	case <-t.closed:
		return stream.ErrClosed
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) stallSends() {
	t.mu.Lock()
	t.gate = make(chan struct{})
	t.mu.Unlock()
}

func (t *fakeTransport) releaseSends() {
	t.mu.Lock()
	gate := t.gate
	t.gate = nil
	t.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case frame := <-t.incoming:
		return frame, nil
	case <-t.closed:
		return nil, stream.ErrClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) inject(tb testing.TB, name string, payload any) {
	tb.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		tb.Fatalf("marshal %s payload: %v", name, err)
	}
	env := map[string]map[string]json.RawMessage{"event": {name: body}}
	frame, err := json.Marshal(env)
	if err != nil {
		tb.Fatalf("marshal %s envelope: %v", name, err)
	}
	t.incoming <- frame
}

// sentNames decodes the envelope tag of every recorded outbound frame.
func (t *fakeTransport) sentNames(tb testing.TB) []string {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.sent))
	for _, frame := range t.sent {
		var env struct {
			Event map[string]json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(frame, &env); err != nil {
			tb.Fatalf("decode sent frame: %v", err)
		}
		for name := range env.Event {
			names = append(names, name)
		}
	}
	return names
}

// sentAudioSamples concatenates the decoded samples of every audioInput frame.
func (t *fakeTransport) sentAudioSamples(tb testing.TB) []int16 {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []int16
	for _, frame := range t.sent {
		var env struct {
			Event map[string]json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(frame, &env); err != nil {
			tb.Fatalf("decode sent frame: %v", err)
		}
		raw, ok := env.Event[protocol.NameAudioInput]
		if !ok {
			continue
		}
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			tb.Fatalf("decode audioInput payload: %v", err)
		}
		samples, err := audio.DecodeBase64PCM(payload.Content)
		if err != nil {
			tb.Fatalf("decode audioInput samples: %v", err)
		}
		all = append(all, samples...)
	}
	return all
}

type fakeDialer struct{ transport *fakeTransport }

func (d fakeDialer) Dial(context.Context) (stream.Transport, error) {
	return d.transport, nil
}

func testTuning() Tuning {
	return Tuning{
		InputSampleRate:       16000,
		OutputSampleRate:      24000,
		FrameSamples:          160,
		ChunkSamples:          320,
		PacerInterval:         2 * time.Millisecond,
		VADThreshold:          0.02,
		EndOfUtteranceSilence: 100 * time.Millisecond,
		InitialSilenceTimeout: 10 * time.Second,
		RestartDelay:          5 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, tuning Tuning) (*Session, *fakeTransport, *audio.PushSource) {
	t.Helper()
	transport := newFakeTransport()
	source := audio.NewPushSource(audio.PipelineConfig{
		InputRate:    tuning.InputSampleRate,
		OutputRate:   tuning.InputSampleRate,
		FrameSamples: tuning.FrameSamples,
	})
	s, err := NewSession(Config{
		ID:     "test",
		Tuning: tuning,
		Source: source,
		Dialer: fakeDialer{transport: transport},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, transport, source
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed while waiting for an event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an event")
	}
	return nil
}

func framesOf(value int16, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func TestStartSendsHandshakeSequence(t *testing.T) {
	s, transport, _ := newTestSession(t, testTuning())
	defer s.End(context.Background())

	want := []string{
		protocol.NameSessionStart,
		protocol.NamePromptStart,
		protocol.NameContentStart,
		protocol.NameTextInput,
		protocol.NameContentEnd,
		protocol.NameContentStart,
		protocol.NameTextInput,
		protocol.NameContentEnd,
	}
	got := transport.sentNames(t)
	if len(got) != len(want) {
		t.Fatalf("handshake sent %d frames (%v), want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handshake frame %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEndOfUtteranceClosesTurnWithoutLosingSamples(t *testing.T) {
	tuning := testTuning()
	s, transport, source := newTestSession(t, tuning)
	defer s.End(context.Background())

	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if ev := nextEvent(t, s.Events()); ev != (CaptureStarted{}) {
		t.Fatalf("first event = %#v, want CaptureStarted", ev)
	}

	// Ten voiced frames, then silence until the detector crosses the
	// end-of-utterance threshold. Timestamps are synthetic so the silence
	// accumulation is deterministic. Only the voiced samples may reach
	// the wire; silent frames are classified and discarded.
	at := time.Now()
	step := 10 * time.Millisecond
	voiced := 0
	for i := 0; i < 10; i++ {
		source.Push(framesOf(10000, tuning.FrameSamples), at)
		at = at.Add(step)
		voiced += tuning.FrameSamples
	}
	for i := 0; i < 11; i++ {
		source.Push(framesOf(0, tuning.FrameSamples), at)
		at = at.Add(step)
	}

	waitFor(t, "capture stop", func() bool { return !source.Running() })

	var stopped CaptureStopped
	for {
		ev := nextEvent(t, s.Events())
		if cs, ok := ev.(CaptureStopped); ok {
			stopped = cs
			break
		}
	}
	if stopped.Reason != ReasonEndOfUtterance {
		t.Fatalf("CaptureStopped.Reason = %q, want %q", stopped.Reason, ReasonEndOfUtterance)
	}

	waitFor(t, "audio contentEnd", func() bool {
		names := transport.sentNames(t)
		// Handshake ends with 8 frames; the turn adds contentStart,
		// audioInput chunks, and a final contentEnd.
		return len(names) > 8 && names[len(names)-1] == protocol.NameContentEnd
	})

	got := transport.sentAudioSamples(t)
	if len(got) != voiced {
		t.Fatalf("transmitted %d samples, want %d voiced (remainder must flush, silence must not transmit)", len(got), voiced)
	}
	for i, v := range got {
		if v != 10000 {
			t.Fatalf("sample %d = %d, want 10000 (order must be preserved)", i, v)
		}
	}
}

func TestInitialSilenceTimeoutClosesTurn(t *testing.T) {
	tuning := testTuning()
	tuning.InitialSilenceTimeout = 50 * time.Millisecond
	s, transport, source := newTestSession(t, tuning)
	defer s.End(context.Background())

	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	at := time.Now()
	for i := 0; i < 10; i++ {
		source.Push(framesOf(0, tuning.FrameSamples), at)
		at = at.Add(10 * time.Millisecond)
	}

	waitFor(t, "capture stop", func() bool { return !source.Running() })

	sawStop := false
	for !sawStop {
		ev := nextEvent(t, s.Events())
		if cs, ok := ev.(CaptureStopped); ok {
			if cs.Reason != ReasonInitialSilence {
				t.Fatalf("CaptureStopped.Reason = %q, want %q", cs.Reason, ReasonInitialSilence)
			}
			sawStop = true
		}
	}

	waitFor(t, "audio contentEnd", func() bool {
		// Handshake ends after 8 frames; the turn adds its contentStart
		// and a closing contentEnd.
		names := transport.sentNames(t)
		return len(names) >= 10 && names[len(names)-1] == protocol.NameContentEnd
	})

	// A turn with no speech sends no audio: the silent frames are
	// discarded and the closing flush finds an empty buffer.
	for _, name := range transport.sentNames(t) {
		if name == protocol.NameAudioInput {
			t.Fatalf("silent-only turn transmitted audio, frames: %v", transport.sentNames(t))
		}
	}
}

func TestPacerHoldsAtQueueDepthCeilingWithoutLosingSamples(t *testing.T) {
	tuning := testTuning()
	tuning.QueueDepthLimit = 2
	s, transport, source := newTestSession(t, tuning)
	defer func() {
		transport.releaseSends()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.End(ctx)
	}()

	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	transport.stallSends()

	at := time.Now()
	total := 0
	push := func(n int) {
		for i := 0; i < n; i++ {
			source.Push(framesOf(9000, tuning.FrameSamples), at)
			at = at.Add(time.Millisecond)
			total += tuning.FrameSamples
		}
	}
	push(40)

	waitFor(t, "queue to reach the depth ceiling", func() bool {
		return s.queue.Depth() >= tuning.QueueDepthLimit
	})

	// At the ceiling, further ticks must hold: no new enqueues, and the
	// buffered samples stay put instead of being dropped.
	s.mu.Lock()
	bufBefore := len(s.pending)
	s.mu.Unlock()
	push(20)
	time.Sleep(20 * tuning.PacerInterval)
	if depth := s.queue.Depth(); depth > tuning.QueueDepthLimit {
		t.Fatalf("queue depth = %d, want at most %d while the consumer is stalled", depth, tuning.QueueDepthLimit)
	}
	s.mu.Lock()
	bufAfter := len(s.pending)
	s.mu.Unlock()
	if bufAfter < bufBefore {
		t.Fatalf("pending buffer shrank from %d to %d during the hold", bufBefore, bufAfter)
	}

	// Once the consumer recovers, every held sample reaches the wire.
	transport.releaseSends()
	s.StopCapture()
	waitFor(t, "held samples to reach the wire", func() bool {
		return len(transport.sentAudioSamples(t)) == total
	})
}

func TestVoicedFrameDisarmsInitialSilenceTimeout(t *testing.T) {
	tuning := testTuning()
	tuning.InitialSilenceTimeout = 30 * time.Millisecond
	s, _, source := newTestSession(t, tuning)
	defer s.End(context.Background())

	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	source.Push(framesOf(10000, tuning.FrameSamples), time.Now())

	time.Sleep(3 * tuning.InitialSilenceTimeout)
	if !source.Running() {
		t.Fatalf("capture closed by initial-silence timeout despite a voiced frame")
	}
}

func TestCompletionEndRestartsCaptureButContentEndDoesNot(t *testing.T) {
	tuning := testTuning()
	s, transport, source := newTestSession(t, tuning)
	defer s.End(context.Background())

	// A bare contentEnd must leave the microphone closed.
	transport.inject(t, protocol.NameContentEnd, protocol.InContentEnd{StopReason: "END_TURN"})
	time.Sleep(10 * tuning.RestartDelay)
	if source.Running() {
		t.Fatalf("contentEnd alone restarted capture")
	}

	transport.inject(t, protocol.NameCompletionEnd, protocol.InCompletionEnd{StopReason: "END_TURN"})
	waitFor(t, "capture restart after completionEnd", func() bool { return source.Running() })
}

func TestInboundEventsReachTheEventStream(t *testing.T) {
	tuning := testTuning()
	s, transport, _ := newTestSession(t, tuning)
	defer s.End(context.Background())

	transport.inject(t, protocol.NameCompletionStart, protocol.InCompletionStart{})
	if _, ok := nextEvent(t, s.Events()).(CompletionStarted); !ok {
		t.Fatalf("expected CompletionStarted")
	}

	transport.inject(t, protocol.NameContentStart, protocol.InContentStart{
		Type:                  protocol.ContentTypeText,
		Role:                  protocol.RoleAssistant,
		AdditionalModelFields: `{"generationStage":"SPECULATIVE"}`,
	})
	started, ok := nextEvent(t, s.Events()).(ContentStarted)
	if !ok || !started.Speculative {
		t.Fatalf("ContentStarted = %#v, want speculative assistant block", started)
	}

	transport.inject(t, protocol.NameTextOutput, protocol.InTextOutput{
		Role: protocol.RoleAssistant, Content: "hello there",
	})
	text, ok := nextEvent(t, s.Events()).(TextChunk)
	if !ok || text.Text != "hello there" || !text.Speculative {
		t.Fatalf("TextChunk = %#v, want speculative assistant text", text)
	}

	pcm := framesOf(1234, 480)
	transport.inject(t, protocol.NameAudioOutput, protocol.InAudioOutput{
		Content: audio.EncodeBase64PCM(pcm),
	})
	chunk, ok := nextEvent(t, s.Events()).(AudioChunk)
	if !ok {
		t.Fatalf("expected AudioChunk")
	}
	if chunk.SampleRate != tuning.OutputSampleRate {
		t.Fatalf("AudioChunk.SampleRate = %d, want %d", chunk.SampleRate, tuning.OutputSampleRate)
	}
	if len(chunk.Samples) != len(pcm) || chunk.Samples[0] != 1234 {
		t.Fatalf("AudioChunk carries %d samples, want %d", len(chunk.Samples), len(pcm))
	}

	transport.inject(t, protocol.NameTextOutput, protocol.InTextOutput{
		Content: protocol.InterruptionMarker,
	})
	if _, ok := nextEvent(t, s.Events()).(BargeIn); !ok {
		t.Fatalf("expected BargeIn for interruption marker")
	}

	transport.inject(t, protocol.NameUsage, protocol.InUsage{
		TotalInputTokens: 12, TotalOutputTokens: 34, TotalTokens: 46,
	})
	usage, ok := nextEvent(t, s.Events()).(UsageReport)
	if !ok || usage.TotalTokens != 46 {
		t.Fatalf("UsageReport = %#v, want 46 total tokens", usage)
	}
}

func TestUnknownAndMalformedFramesAreSkipped(t *testing.T) {
	tuning := testTuning()
	s, transport, _ := newTestSession(t, tuning)
	defer s.End(context.Background())

	transport.inject(t, "somethingNew", map[string]string{"field": "value"})
	transport.incoming <- []byte("this is not json")

	// The stream must survive both and keep delivering events.
	transport.inject(t, protocol.NameCompletionStart, protocol.InCompletionStart{})
	if _, ok := nextEvent(t, s.Events()).(CompletionStarted); !ok {
		t.Fatalf("inbound loop did not survive unknown and malformed frames")
	}
}

func TestEndSendsPromptEndThenSessionEndLast(t *testing.T) {
	tuning := testTuning()
	s, transport, _ := newTestSession(t, tuning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}

	names := transport.sentNames(t)
	if len(names) < 2 {
		t.Fatalf("sent %d frames, want at least promptEnd and sessionEnd", len(names))
	}
	if names[len(names)-2] != protocol.NamePromptEnd || names[len(names)-1] != protocol.NameSessionEnd {
		t.Fatalf("final frames = %v, want ...promptEnd, sessionEnd", names[len(names)-2:])
	}

	// The event channel closes after SessionEnded.
	sawEnded := false
	for ev := range s.Events() {
		if _, ok := ev.(SessionEnded); ok {
			sawEnded = true
		}
	}
	if !sawEnded {
		t.Fatalf("event stream closed without SessionEnded")
	}

	if err := s.StartCapture(); err != ErrSessionClosed {
		t.Fatalf("StartCapture after End = %v, want ErrSessionClosed", err)
	}
}

func TestEndClosesOpenTurnBeforePromptEnd(t *testing.T) {
	tuning := testTuning()
	s, transport, source := newTestSession(t, tuning)

	if err := s.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	source.Push(framesOf(10000, tuning.FrameSamples), time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}

	names := transport.sentNames(t)
	idxContentEnd, idxPromptEnd := -1, -1
	for i, name := range names {
		switch name {
		case protocol.NameContentEnd:
			idxContentEnd = i
		case protocol.NamePromptEnd:
			idxPromptEnd = i
		}
	}
	if idxContentEnd == -1 || idxPromptEnd == -1 || idxContentEnd > idxPromptEnd {
		t.Fatalf("frame order %v: open turn must close before promptEnd", names)
	}
	if source.Running() {
		t.Fatalf("audio source still running after End")
	}
}

func TestModelSessionEndFinalizesSession(t *testing.T) {
	tuning := testTuning()
	s, transport, _ := newTestSession(t, tuning)

	transport.inject(t, protocol.NameSessionEnd, struct{}{})

	sawEnded := false
	for ev := range s.Events() {
		if _, ok := ev.(SessionEnded); ok {
			sawEnded = true
		}
	}
	if !sawEnded {
		t.Fatalf("model-initiated sessionEnd did not produce SessionEnded")
	}
	if s.Active() {
		t.Fatalf("session still active after model-initiated sessionEnd")
	}
}
