package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize caps a single length-prefixed frame. Audio chunks are a few
// kilobytes; anything near this limit is a corrupted stream.
const MaxFrameSize = 1 << 20

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian length
// followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// FrameTransport adapts a raw byte stream (a TCP or TLS connection to an
// eventstream-style endpoint) to the Transport contract using the
// length-prefixed codec.
type FrameTransport struct {
	conn      io.ReadWriteCloser
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func NewFrameTransport(conn io.ReadWriteCloser) *FrameTransport {
	return &FrameTransport{conn: conn, closed: make(chan struct{})}
}

func (t *FrameTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return WriteFrame(t.conn, frame)
}

func (t *FrameTransport) Receive() ([]byte, error) {
	payload, err := ReadFrame(t.conn)
	if err != nil {
		select {
		case <-t.closed:
			return nil, ErrClosed
		default:
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrClosed
		}
		return nil, err
	}
	return payload, nil
}

func (t *FrameTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}
