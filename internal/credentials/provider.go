package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mverastegui/aulavoz/internal/reliability"
)

// Credentials are short-lived signing credentials for the model stream.
type Credentials struct {
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	SessionToken    string    `json:"Token"`
	Expiration      time.Time `json:"Expiration"`
}

// ExpiresWithin reports whether the credentials expire inside the window.
// Zero Expiration means non-expiring static credentials.
func (c Credentials) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.Expiration.IsZero() {
		return false
	}
	return !now.Add(window).Before(c.Expiration)
}

var ErrNoCredentials = errors.New("no credentials available")

// Provider hands out credentials for opening the model stream. A fetch
// failure is fatal to starting a conversation, never absorbed.
type Provider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

// Static returns the same credentials forever, for local development and
// tests.
type Static struct {
	Creds Credentials
}

func (s Static) Retrieve(context.Context) (Credentials, error) {
	if s.Creds.AccessKeyID == "" {
		return Credentials{}, ErrNoCredentials
	}
	return s.Creds, nil
}

// Federation fetches credentials from an identity-federation endpoint (the
// container credential URI in the deployed environment) and caches them
// until shortly before expiry.
type Federation struct {
	Endpoint     string
	AuthToken    string
	HTTPClient   *http.Client
	RefreshSlack time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration

	mu     sync.Mutex
	cached Credentials
}

func NewFederation(endpoint, authToken string) *Federation {
	return &Federation{
		Endpoint:     endpoint,
		AuthToken:    authToken,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		RefreshSlack: time.Minute,
		MaxAttempts:  3,
		BackoffBase:  200 * time.Millisecond,
	}
}

func (f *Federation) Retrieve(ctx context.Context) (Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached.AccessKeyID != "" && !f.cached.ExpiresWithin(time.Now(), f.RefreshSlack) {
		return f.cached, nil
	}

	attempts := f.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, f.BackoffBase, 2*time.Second)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Credentials{}, ctx.Err()
			}
		}

		creds, retryable, err := f.fetch(ctx)
		if err == nil {
			f.cached = creds
			return creds, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return Credentials{}, lastErr
}

func (f *Federation) fetch(ctx context.Context) (Credentials, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Endpoint, nil)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("build credential request: %w", err)
	}
	if f.AuthToken != "" {
		req.Header.Set("Authorization", f.AuthToken)
	}

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return Credentials{}, true, fmt.Errorf("fetch credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryable := reliability.IsRetryableHTTPStatus(resp.StatusCode)
		return Credentials{}, retryable, fmt.Errorf("credential endpoint returned %d", resp.StatusCode)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, false, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return Credentials{}, false, ErrNoCredentials
	}

	return creds, false, nil
}
