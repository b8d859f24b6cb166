package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy bounds activity re-execution. Delays are exponential with
// deterministic jitter so a replayed run computes the same schedule the
// original did.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxJitter       time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy covers transient external failures: provider timeouts,
// 429s, 5xx responses.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     5 * time.Minute,
		MaxJitter:       time.Second,
		MaxAttempts:     5,
	}
}

// NoRetry executes the activity exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Backoff returns the delay before attempt (0-based attempt index of the
// retry, so the delay after the first failure has attempt 0). The jitter is
// a PRF of the workflow id, activity name, and attempt index, not wall-clock
// randomness.
func (p RetryPolicy) Backoff(workflowID, activity string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	base := p.InitialInterval.Milliseconds() * factor
	if max := p.MaxInterval.Milliseconds(); base > max {
		base = max
	}

	return time.Duration(base+deterministicJitter(workflowID, activity, attempt, p.MaxJitter.Milliseconds())) * time.Millisecond
}

func deterministicJitter(workflowID, activity string, attempt int, maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", workflowID, activity, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs))
}
