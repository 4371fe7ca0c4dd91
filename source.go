package taskhub

import (
	"context"
	"strings"

	"go.taskhub.dev/taskhub/l3"
	"go.taskhub.dev/taskhub/store"
)

// Source is the user-supplied producer of work: either a fully materialized
// Items slice (deterministic, content-fingerprinted) or a lazily produced
// Stream (dynamic, unbounded). It is deliberately a record of function
// pointers rather than an interface a caller must implement — the optional
// hooks (GetJobID, IsRetryable, IsRateLimited) are simply left nil when
// unused, with the adapter substituting a sensible default.
type Source[In any, Out any] struct {
	// Type selects deterministic (Items) or dynamic (Stream) ingestion.
	Type store.SourceType

	// ID stably labels a dynamic Source. Required when Type is
	// SourceDynamic, since a dynamic Task has no content fingerprint to key
	// resumption on.
	ID string

	// Items holds every input up front for a deterministic Source.
	Items []In

	// Stream produces a lazy, possibly unbounded sequence for a dynamic
	// Source. The returned error channel carries at most one terminal
	// error; the item channel is closed when the sequence is exhausted.
	Stream func(ctx context.Context) (<-chan In, <-chan error)

	// GetJobID derives a stable job ID from an input. When nil, the adapter
	// hashes the codec-serialized input instead.
	GetJobID func(input In) string

	// IsRetryable classifies a handler error as transient. Defaults to
	// treating every non-nil error as retryable.
	IsRetryable func(err error) bool

	// IsRateLimited hints the concurrency controller to back off.
	// Defaults to a loose substring match for an HTTP-429-like signal.
	IsRateLimited func(err error) bool

	// Handler executes one input. ctx carries both the scheduler's
	// cancellation token (fired by Stop/Hub.Close) and, composed on top of
	// it, the Task's per-job timeout if one is configured.
	Handler func(ctx context.Context, input In, jctx JobContext) (Out, error)
}

// JobContext carries the per-invocation metadata threaded into every
// Handler call.
type JobContext struct {
	JobID    string
	Attempts int
	Logger   l3.Logger
}

func defaultIsRetryable(err error) bool {
	return err != nil
}

func defaultIsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}
