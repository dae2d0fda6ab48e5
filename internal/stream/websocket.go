package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mverastegui/aulavoz/internal/credentials"
)

// WSDialer opens the model stream over a websocket endpoint. Short-lived
// credentials are fetched per dial and attached as headers; the remote
// side owns their verification.
type WSDialer struct {
	URL         string
	ModelID     string
	Credentials credentials.Provider
	DialTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	headers := http.Header{}
	if d.ModelID != "" {
		headers.Set("X-Model-Id", d.ModelID)
	}
	if d.Credentials != nil {
		creds, err := d.Credentials.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("retrieve stream credentials: %w", err)
		}
		headers.Set("X-Access-Key-Id", creds.AccessKeyID)
		if creds.SessionToken != "" {
			headers.Set("X-Session-Token", creds.SessionToken)
		}
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		timeout := d.DialTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, d.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial model stream: %w", err)
	}
	return NewWSTransport(conn), nil
}

// WSTransport carries protocol frames as websocket binary messages.
type WSTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn, closed: make(chan struct{})}
}

func (t *WSTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *WSTransport) Receive() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				return nil, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			return data, nil
		default:
			// Control frames are handled by gorilla; skip anything else.
		}
	}
}

func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
