package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/mverastegui/aulavoz/internal/audio"
	"github.com/mverastegui/aulavoz/internal/protocol"
	"github.com/mverastegui/aulavoz/internal/reliability"
	"github.com/mverastegui/aulavoz/internal/stream"
)

// streamErrors sorts inbound failures for the stream loops: a malformed
// frame is skipped, transport loss tears the session down.
var streamErrors = reliability.Classifier{
	Frame:   []error{protocol.ErrMalformedFrame},
	Session: []error{stream.ErrClosed, context.Canceled, context.DeadlineExceeded},
}

// outboundLoop is the queue's single consumer. It drains in FIFO order
// until the queue reports completion, then closes the transport so the
// inbound loop unblocks.
func (s *Session) outboundLoop() {
	defer close(s.outboundDone)
	ctx := context.Background()
	for {
		ev, ok, err := s.queue.Dequeue(ctx)
		if err != nil {
			break
		}
		if !ok {
			break
		}
		data, err := protocol.EncodeOutbound(ev)
		if err != nil {
			log.Printf("session %s: encode %s: %v", s.id, ev.EventName(), err)
			continue
		}
		if err := s.transport.Send(ctx, data); err != nil {
			if !errors.Is(err, stream.ErrClosed) {
				log.Printf("session %s: send %s: %v", s.id, ev.EventName(), err)
			}
			break
		}
		s.metrics.IncOutbound(ev.EventName())
	}
	s.transport.Close()
}

// inboundLoop reads frames until the transport closes or the model ends
// the session. Malformed frames are counted and skipped; only transport
// failure terminates the loop.
func (s *Session) inboundLoop() {
	defer close(s.inboundDone)
	reason := ReasonSessionEnd
	for {
		frame, err := s.transport.Receive()
		if err != nil {
			if !errors.Is(err, stream.ErrClosed) {
				log.Printf("session %s: receive: %v", s.id, err)
				reason = "transport_failure"
			}
			break
		}
		ev, err := protocol.DecodeInbound(frame)
		if err != nil {
			if streamErrors.Classify(err) != reliability.CategoryFrame {
				log.Printf("session %s: inbound: %v", s.id, err)
				reason = "transport_failure"
				break
			}
			s.metrics.IncDecodeFailure()
			log.Printf("session %s: skipping inbound frame: %v", s.id, err)
			continue
		}
		if s.handleInbound(ev) {
			break
		}
	}
	s.finalize(reason)
}

// handleInbound dispatches one decoded model event. It returns true when
// the model has ended the session.
func (s *Session) handleInbound(ev protocol.InboundEvent) bool {
	s.metrics.IncInbound(ev.EventName())

	switch e := ev.(type) {
	case protocol.InCompletionStart:
		s.publish(CompletionStarted{})

	case protocol.InContentStart:
		s.mu.Lock()
		s.curRole = e.Role
		s.curSpeculative = e.Speculative()
		speculative := s.curSpeculative
		s.mu.Unlock()
		s.publish(ContentStarted{Role: e.Role, ContentType: e.Type, Speculative: speculative})

	case protocol.InTextOutput:
		if strings.Contains(e.Content, protocol.InterruptionMarker) {
			s.publish(BargeIn{})
			return false
		}
		s.mu.Lock()
		speculative := s.curSpeculative
		s.mu.Unlock()
		role := e.Role
		if role == "" {
			s.mu.Lock()
			role = s.curRole
			s.mu.Unlock()
		}
		s.publish(TextChunk{Role: role, Text: e.Content, Speculative: speculative})

	case protocol.InAudioOutput:
		samples, err := audio.DecodeBase64PCM(e.Content)
		if err != nil {
			s.metrics.IncDecodeFailure()
			log.Printf("session %s: bad audio payload: %v", s.id, err)
			return false
		}
		s.mu.Lock()
		if !s.firstAudioSeen && !s.turnClosedAt.IsZero() {
			s.metrics.ObserveFirstAudioLatency(time.Since(s.turnClosedAt))
			s.firstAudioSeen = true
		}
		s.mu.Unlock()
		s.publish(AudioChunk{Samples: samples, SampleRate: s.tuning.OutputSampleRate})

	case protocol.InContentEnd:
		// Content blocks end mid-completion all the time; only
		// completionEnd reopens the microphone.
		s.publish(ContentEnded{StopReason: e.StopReason})

	case protocol.InCompletionEnd:
		s.publish(CompletionEnded{StopReason: e.StopReason})
		s.scheduleCaptureRestart()

	case protocol.InUsage:
		s.publish(UsageReport{
			InputTokens:  e.TotalInputTokens,
			OutputTokens: e.TotalOutputTokens,
			TotalTokens:  e.TotalTokens,
		})

	case protocol.InSessionEnd:
		return true

	case protocol.InUnknown:
		log.Printf("session %s: skipping unrecognized event %q", s.id, e.Name)

	default:
		log.Printf("session %s: unhandled inbound event %s", s.id, ev.EventName())
	}
	return false
}

// scheduleCaptureRestart arms a one-shot timer to reopen the microphone
// after the model finished speaking. At most one restart is pending at a
// time; a session that is ending never restarts.
func (s *Session) scheduleCaptureRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isActive || s.ending || s.isRecording || s.restartTimer != nil {
		return
	}
	s.restartTimer = time.AfterFunc(s.tuning.RestartDelay, func() {
		if err := s.StartCapture(); err != nil && !errors.Is(err, ErrSessionClosed) {
			log.Printf("session %s: restart capture: %v", s.id, err)
		}
	})
}
