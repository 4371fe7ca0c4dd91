package taskhub

import (
	"math"
	"time"

	"go.taskhub.dev/taskhub/store"
)

// nextDelay computes the exponential back-off for the attempt count that
// just failed (1-indexed), bounded by the Task's RetryConfig: baseDelayMs *
// 2^(attempts-1), capped at maxDelayMs.
func nextDelay(attempts int, cfg store.RetryConfig) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := float64(cfg.BaseDelayMs) * math.Pow(2, float64(attempts-1))
	if backoff > float64(cfg.MaxDelayMs) {
		backoff = float64(cfg.MaxDelayMs)
	}
	return time.Duration(backoff) * time.Millisecond
}

// willRetry reports whether a job classified retryable, whose attempt count
// including the one that just failed is attemptsAfterFailure, still has
// budget left. It mirrors the check
// store.JobStore.FailJob performs internally (using the post-increment
// attempt count), so the scheduler's job:retry vs job:failed event choice
// agrees with what the store actually persists.
func willRetry(retryable bool, attemptsAfterFailure int, cfg store.RetryConfig) bool {
	return retryable && attemptsAfterFailure < cfg.MaxAttempts
}
