// Package retry provides bounded retries with exponential backoff for
// query-side exchange calls.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how an operation is retried
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy covers fetch/cancel calls: three attempts, short waits
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsRetryableFunc reports whether an error is worth another attempt
type IsRetryableFunc func(error) bool

// Do runs fn until it succeeds, the error is not retryable, attempts are
// exhausted, or ctx is cancelled.
func Do(ctx context.Context, policy Policy, isRetryable IsRetryableFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		// jitter: backoff + random(0, 50% of backoff)
		sleep := backoff
		if half := backoff / 2; half > 0 {
			sleep += time.Duration(rand.Int63n(int64(half)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
