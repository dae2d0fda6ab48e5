package stream

import (
	"context"
	"errors"
)

// Transport is one duplex connection to the remote speech model. Frames
// are opaque byte payloads; the protocol package owns their content.
//
// Send is safe for one writer at a time (the outbound drain loop);
// Receive blocks until the next inbound frame and is unblocked by Close.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// ErrClosed reports a Send or Receive on a transport torn down by Close.
var ErrClosed = errors.New("stream transport closed")

// Dialer opens transports. A dial failure is fatal to conversation start.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}
