package types

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the realtime core. Components wrap these sentinels with
// fmt.Errorf("...: %w", err) and callers dispatch with errors.Is / errors.As.
var (
	// ErrTransport is a WebSocket send/recv failure. Recovery: detach.
	ErrTransport = errors.New("transport error")

	// ErrBrokerUnavailable means the pub/sub broker rejected or timed out.
	// Recovery: retry handler, then dead-letter.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrCircuitOpen is returned when the breaker rejects a call outright.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrAuthRevoked means a previously valid token no longer validates.
	ErrAuthRevoked = errors.New("auth token revoked")

	// ErrInvalidSubject is a publisher-side subject validation failure.
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidFrame is a consumer-side frame validation failure.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrBackpressureDrop records a queue-full drop of a non-critical frame.
	ErrBackpressureDrop = errors.New("backpressure drop")

	// ErrBackpressureTimeout means a critical frame could not be enqueued
	// within its deadline. The connection is detached by the caller.
	ErrBackpressureTimeout = errors.New("backpressure timeout")

	// ErrTargetNotFound means a whisper target is offline or unknown.
	ErrTargetNotFound = errors.New("target not found")

	// ErrConnectionClosed means the connection left the active state.
	ErrConnectionClosed = errors.New("connection closed")
)

// RateLimitedError is returned to callers as an advisory, never logged as a
// failure.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryableError marks an error as transient. The retry handler retries only
// errors that unwrap to one of these.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the retry handler will retry it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked transient. Timeouts are treated
// as retryable by default.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
