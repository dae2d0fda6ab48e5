package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifierMapsSentinels(t *testing.T) {
	errBadFrame := errors.New("bad frame")
	errConnLost := errors.New("connection lost")
	c := Classifier{
		Frame:   []error{errBadFrame},
		Session: []error{errConnLost, context.Canceled, context.DeadlineExceeded},
	}

	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"wrapped frame sentinel", fmt.Errorf("decode: %w", errBadFrame), CategoryFrame},
		{"connection lost", errConnLost, CategorySession},
		{"context canceled", context.Canceled, CategorySession},
		{"deadline exceeded", context.DeadlineExceeded, CategorySession},
		{"unrecognized", errors.New("something else"), CategorySession},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
