package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/types"
)

// RetryPolicy controls the opt-in, in-handler retry wrapper. The pipeline
// itself never retries: a handler that wants bounded retries before its
// failure is dead-lettered wraps itself with WithRetry.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// Backoff returns the base wait before attempt n+1 (n starts at 1).
	Backoff func(attempt int) time.Duration
	// RetryIf decides whether err is worth another attempt. Nil retries all errors.
	RetryIf func(err error) bool
	// Jitter adds up to this much random delay to each backoff.
	Jitter time.Duration
}

// ExponentialBackoff returns a backoff doubling from base, capped at max.
func ExponentialBackoff(base, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << (attempt - 1)
		if d <= 0 || d > max {
			return max
		}
		return d
	}
}

// RetryError carries the number of attempts made before a handler gave up.
// The outcome handler uses it to fill DeadLetterEntry.RetryCount.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// WithRetry wraps handler with policy.
func WithRetry(handler Handler, policy RetryPolicy) Handler {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryIf := policy.RetryIf
	if retryIf == nil {
		retryIf = func(error) bool { return true }
	}

	return func(ctx context.Context, env types.Envelope) error {
		var lastErr error
		for i := 1; i <= attempts; i++ {
			lastErr = handler(ctx, env)
			if lastErr == nil {
				return nil
			}
			if ctx.Err() != nil || i == attempts || !retryIf(lastErr) {
				return &RetryError{Attempts: i, Err: lastErr}
			}
			if policy.Backoff != nil {
				wait := policy.Backoff(i)
				if policy.Jitter > 0 {
					wait += time.Duration(rand.Int63n(int64(policy.Jitter)))
				}
				select {
				case <-ctx.Done():
					return &RetryError{Attempts: i, Err: lastErr}
				case <-time.After(wait):
				}
			}
		}
		return &RetryError{Attempts: attempts, Err: lastErr}
	}
}

// retryCount is the number of retries behind err; zero unless the handler
// was wrapped with WithRetry.
func retryCount(err error) int {
	var re *RetryError
	if errors.As(err, &re) && re.Attempts > 1 {
		return re.Attempts - 1
	}
	return 0
}
