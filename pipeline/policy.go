package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/dshills/pipeline-go/pipeline/store"
)

// RetryPolicy configures how store contention is retried.
//
// Exponential backoff with jitter is used so that gap workers racing for the
// same rows do not retry in lockstep.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is computed as: min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay cap for exponential backoff.
	// Must be >= BaseDelay.
	MaxDelay time.Duration

	// Retryable is a predicate that determines if an error is retryable.
	// If nil, store.IsContention is used.
	Retryable func(error) bool
}

// DefaultClaimRetry is used when no claim retry policy is configured.
var DefaultClaimRetry = RetryPolicy{
	MaxAttempts: 10,
	BaseDelay:   20 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	Retryable:   store.IsContention,
}

// Validate checks if the RetryPolicy configuration is valid.
// Returns an error if any constraints are violated:
//   - MaxAttempts must be >= 1 (1 means no retries, just initial attempt)
//   - If both MaxDelay and BaseDelay are > 0, then MaxDelay must be >= BaseDelay
//     (MaxDelay == 0 is treated as "no maximum delay cap")
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (rp *RetryPolicy) retryable(err error) bool {
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return store.IsContention(err)
}

// computeBackoff calculates the delay before the next attempt.
//
// delay = min(base * 2^attempt, maxDelay) + jitter(0, base).
//
// Example delays with base=20ms, maxDelay=2s:
// - attempt 0: 20ms + jitter = 20-40ms.
// - attempt 3: 160ms + jitter = 160-180ms.
// - attempt 10: 2s + jitter (capped).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	exponentialDelay := base * (1 << attempt)

	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
