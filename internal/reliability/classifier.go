// Package reliability holds error-classification and retry helpers shared
// by the stream loops and the credential client. It deliberately imports
// no other internal package; callers supply their own sentinel errors.
package reliability

import (
	"errors"
	"time"
)

// Category sorts a stream error by the recovery it allows. Frame-level
// problems are skipped, session-level problems end the session, and
// establishment problems surface to the caller before anything started.
type Category int

const (
	// CategoryFrame covers malformed or undecodable single frames. The
	// loop logs, counts, and continues.
	CategoryFrame Category = iota
	// CategorySession covers transport loss and cancellation. The session
	// tears down; the service stays up.
	CategorySession
	// CategoryEstablishment covers failures before the handshake
	// completed. Nothing to tear down; the caller gets the error.
	CategoryEstablishment
)

func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "frame"
	case CategorySession:
		return "session"
	case CategoryEstablishment:
		return "establishment"
	default:
		return "unknown"
	}
}

// Classifier maps sentinel errors to recovery categories. Each loop
// configures one with its own sentinels.
type Classifier struct {
	Frame   []error
	Session []error
}

// Classify reports the category of err. Anything unrecognized is treated
// as session-fatal; guessing a narrower scope risks looping on a broken
// stream.
func (c Classifier) Classify(err error) Category {
	for _, sentinel := range c.Frame {
		if errors.Is(err, sentinel) {
			return CategoryFrame
		}
	}
	for _, sentinel := range c.Session {
		if errors.Is(err, sentinel) {
			return CategorySession
		}
	}
	return CategorySession
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes, used by
// the credential federation client.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
