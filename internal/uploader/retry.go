package uploader

import (
	"context"
	"fmt"
	"time"
)

// NetworkError is returned when a network write exhausted its retry
// budget. Attempts is the number of attempts actually made.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("uploader: network write failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RetryPolicy retries an operation with exponential backoff. The delay
// before attempt n is BaseDelay * 2^(n-1). Cancellation is observed
// before every attempt and during every backoff wait, and raises
// immediately without further retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used for chunk writes unless
// overridden.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is
// cancelled. Exhaustion returns a NetworkError wrapping the last failure.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := p.BaseDelay
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("uploader: cancelled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("uploader: cancelled: %w", err)
		}

		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("uploader: cancelled: %w", ctx.Err())
			}
			lastErr = err
			continue
		}
		return nil
	}

	return &NetworkError{Attempts: attempts, Err: lastErr}
}
