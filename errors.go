package taskhub

import "errors"

// Sentinel errors for the engine's own lifecycle and ingestion operations:
// plain errors.New values, wrapped with context via fmt.Errorf("taskhub:
// ...: %w") at the call site and classified by callers with errors.Is.
var (
	// ErrSchedulerRunning is returned by Start when the Task's scheduler is
	// already driving its control loop.
	ErrSchedulerRunning = errors.New("taskhub: scheduler already running")
	// ErrSchedulerNotRunning is returned by Pause/Stop/Wait when the Task's
	// scheduler is not in a state that operation applies to.
	ErrSchedulerNotRunning = errors.New("taskhub: scheduler not running")
	// ErrDynamicSourceRequiresID is returned when a dynamic Source omits the
	// ID field required for it.
	ErrDynamicSourceRequiresID = errors.New("taskhub: dynamic source requires a non-empty ID")
	// ErrMerkleMismatch is returned by ResumeTask when a deterministic
	// Source's recomputed job set does not fingerprint to the persisted
	// Task's MerkleRoot.
	ErrMerkleMismatch = errors.New("taskhub: resumed source's merkle root does not match the stored task")
	// ErrSourceTypeMismatch is returned by ResumeTask when the Source's own
	// Type disagrees with the persisted Task's SourceType.
	ErrSourceTypeMismatch = errors.New("taskhub: resumed source type does not match the stored task's source type")
)
