// Package retry provides the resilience primitives used around LLM calls and
// other flaky I/O: exponential backoff with jitter and HTTP-status aware
// error classification.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Total attempts = MaxRetries + 1.
	MaxRetries int
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// retryableStatuses are the provider HTTP statuses worth retrying.
// 529 is Anthropic's "overloaded" status.
var retryableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	529: true,
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable reports whether an error should be retried: a retryable HTTP
// status (429/5xx/529) or a network connect/timeout failure. Errors wrapped
// with Permanent are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return retryableStatuses[sc.StatusCode()]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Backoff returns the sleep before retry number attempt (starting at 0):
// min(base * 2^attempt, max) plus up to 10% uniform jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}
	jitter := rand.Float64() * 0.1 * delay // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(delay + jitter)
}

// Do executes op, retrying retryable failures up to cfg.MaxRetries times.
// The last error is returned when all attempts fail. Context cancellation
// aborts the wait between attempts.
func Do(ctx context.Context, cfg Config, op func() error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt, cfg.BaseDelay, cfg.MaxDelay)):
		}
	}
	return lastErr
}

// DoWithValue executes an operation returning a value with retries.
func DoWithValue[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	var value T
	err := Do(ctx, cfg, func() error {
		var opErr error
		value, opErr = op()
		return opErr
	})
	return value, err
}
