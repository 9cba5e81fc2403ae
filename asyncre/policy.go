package asyncre

import (
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff with jitter for the pilot
// adapter's internal transient-failure retries (submit, poll, capacity).
// It governs only that internal retry loop — the scheduler's own
// consecutive-tick PilotUnavailable drain threshold (WithMaxConsecutivePilotDown)
// is a separate, coarser-grained policy layered on top.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Must be >= 1.
	MaxAttempts int
	// BaseDelay is the starting backoff delay.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is a conservative default for pilot HTTP calls: five
// attempts, starting at 500ms, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Validate reports whether the policy's fields are internally consistent.
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return &ConfigError{Msg: "retry policy MaxAttempts must be >= 1"}
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return &ConfigError{Msg: "retry policy MaxDelay must be >= BaseDelay"}
	}
	return nil
}

// Backoff returns the delay an adapter should wait before retry attempt
// number attempt (zero-based), per rp's BaseDelay/MaxDelay. A nil rng uses
// the package-level math/rand source.
func (rp RetryPolicy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	return computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay, rng)
}

// computeBackoff returns the delay before retry attempt number attempt
// (zero-based: 0 is the first retry following an initial failure),
// following exponential growth capped at MaxDelay plus jitter in
// [0, BaseDelay) to avoid synchronized retries across replicas whose
// subjobs fail together.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if base <= 0 {
		return delay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base)))
	}
	return delay + jitter
}
