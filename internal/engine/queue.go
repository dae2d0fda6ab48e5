package engine

import (
	"context"
	"sync"

	"github.com/mverastegui/aulavoz/internal/protocol"
)

// eventQueue serializes outbound protocol events from multiple producers
// (pacer ticks, turn closure, lifecycle calls) for the single drain loop.
// Strict FIFO; nothing accepted is ever dropped. Once the queue is marked
// complete, further enqueues are rejected and the consumer drains whatever
// remains before observing completion.
type eventQueue struct {
	mu       sync.Mutex
	items    []protocol.OutboundEvent
	complete bool
	signal   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// Enqueue appends an event and wakes the consumer. It reports false when
// the queue is already complete; the event is discarded and the caller
// decides whether that deserves a log line.
func (q *eventQueue) Enqueue(ev protocol.OutboundEvent) bool {
	q.mu.Lock()
	if q.complete {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.wake()
	return true
}

// Dequeue returns the next event in enqueue order, blocking until one
// arrives. ok=false means the queue is complete and fully drained, which
// is the consumer's cue to terminate. A context error interrupts the wait without
// consuming anything.
func (q *eventQueue) Dequeue(ctx context.Context) (ev protocol.OutboundEvent, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true, nil
		}
		if q.complete {
			q.mu.Unlock()
			return nil, false, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// MarkComplete seals the queue. The consumer still drains every event
// enqueued before this point.
func (q *eventQueue) MarkComplete() {
	q.mu.Lock()
	q.complete = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) Complete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.complete
}

// Depth reports the number of queued, not-yet-consumed events. The pacer
// uses it as the back-pressure signal.
func (q *eventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
