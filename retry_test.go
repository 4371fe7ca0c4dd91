package taskhub

import (
	"testing"
	"time"

	"go.taskhub.dev/taskhub/store"
)

func TestNextDelay_ExponentialBackoff(t *testing.T) {
	cfg := store.RetryConfig{MaxAttempts: 5, BaseDelayMs: 1000, MaxDelayMs: 30000}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{4, 8000 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := nextDelay(tt.attempts, cfg); got != tt.want {
			t.Fatalf("nextDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestNextDelay_CapsAtMaxDelay(t *testing.T) {
	cfg := store.RetryConfig{MaxAttempts: 20, BaseDelayMs: 1000, MaxDelayMs: 5000}
	got := nextDelay(10, cfg)
	if got != 5000*time.Millisecond {
		t.Fatalf("expected delay capped at 5000ms, got %v", got)
	}
}

func TestWillRetry(t *testing.T) {
	cfg := store.RetryConfig{MaxAttempts: 3, BaseDelayMs: 100, MaxDelayMs: 1000}
	if !willRetry(true, 1, cfg) {
		t.Fatal("expected retry with attempts under budget")
	}
	if !willRetry(true, 2, cfg) {
		t.Fatal("expected retry on the last attempt under budget")
	}
	if willRetry(true, 3, cfg) {
		t.Fatal("expected no retry once attempts reach MaxAttempts")
	}
	if willRetry(false, 1, cfg) {
		t.Fatal("expected no retry for a non-retryable classification")
	}
}
