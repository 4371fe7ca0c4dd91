// Package store defines the durable persistence contract for TaskHub tasks
// and jobs, plus an in-memory reference implementation. Production backends
// (see go.taskhub.dev/taskhub/sqlstore) implement the same JobStore
// interface against a transactional engine.
package store

import (
	"context"
	"errors"
	"time"
)

// TaskStatus is the lifecycle status of a persisted Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// JobStatus is the lifecycle status of a persisted Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// SourceType distinguishes Tasks whose full job set is known at creation
// time (deterministic, Merkle-fingerprinted) from Tasks fed by an unbounded
// or lazily-produced stream (dynamic, no fingerprint).
type SourceType string

const (
	SourceDeterministic SourceType = "deterministic"
	SourceDynamic       SourceType = "dynamic"
)

// ConcurrencyConfig bounds and seeds a Task's AIMD concurrency controller.
type ConcurrencyConfig struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Initial int `json:"initial"`
}

// DefaultConcurrencyConfig returns a conservative starting bound: {1, 10, 5}.
func DefaultConcurrencyConfig() ConcurrencyConfig {
	return ConcurrencyConfig{Min: 1, Max: 10, Initial: 5}
}

// RetryConfig governs the exponential back-off applied to retryable job
// failures.
type RetryConfig struct {
	MaxAttempts int   `json:"maxAttempts"`
	BaseDelayMs int64 `json:"baseDelayMs"`
	MaxDelayMs  int64 `json:"maxDelayMs"`
}

// DefaultRetryConfig returns a conservative starting budget: {3, 1000, 30000}.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelayMs: 1000, MaxDelayMs: 30000}
}

// Task is the persistent row describing one batch of work.
type Task struct {
	ID                string
	Name              string
	SourceType        SourceType
	MerkleRoot        string // empty unless SourceType == SourceDeterministic
	Status            TaskStatus
	TotalJobs         int
	CompletedJobs     int
	FailedJobs        int
	Concurrency       ConcurrencyConfig
	Retry             RetryConfig
	TimeoutMs         int64 // 0 means no per-job deadline
	FailTaskOnFailure bool  // if true, any terminally-failed job marks the Task TaskFailed instead of TaskCompleted
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Job is the persistent row for one invocation-unit of a Task's handler.
type Job struct {
	ID          string
	TaskID      string
	Input       []byte // codec-serialized payload
	Output      []byte // present iff Status == JobCompleted
	Status      JobStatus
	Attempts    int
	LastError   string
	ScheduledAt time.Time
	UpdatedAt   time.Time
}

// Progress is a point-in-time snapshot of a Task's job-state counters.
type Progress struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Failed    int
}

// TaskFilter narrows ListTasks results. Zero value matches every Task.
type TaskFilter struct {
	Status     TaskStatus
	SourceType SourceType
}

// ResultFilter narrows GetResults results. Zero value matches every Job.
type ResultFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}

var (
	// ErrTaskNotFound is returned when a Task ID does not exist in the store.
	ErrTaskNotFound = errors.New("taskhub: task not found")
	// ErrTaskAlreadyExists is returned by CreateTask on a duplicate Task ID.
	ErrTaskAlreadyExists = errors.New("taskhub: task already exists")
	// ErrJobNotActive is returned by CompleteJob/FailJob when the job is not
	// currently in the active state — the caller lost a race with a prior
	// crash-recovery reset or a duplicate completion attempt.
	ErrJobNotActive = errors.New("taskhub: job is not active")
)

// JobStore is the durable, transactional persistence contract the scheduler
// drives. All mutating operations must be atomic with respect to concurrent
// callers; a single-writer backend (as both implementations here are)
// satisfies this trivially.
type JobStore interface {
	// CreateTask inserts the task row and its full job batch as one atomic
	// unit: callers must observe either all of it or none of it. Large job
	// batches may be chunked internally (suggested 1000 rows per backing
	// transaction) but the whole create is one logical commit.
	CreateTask(ctx context.Context, task *Task, jobs []*Job) error

	// AppendJobs adds more job rows to an existing Task, used by dynamic
	// Sources to stream chunks after the initial CreateTask call. TotalJobs
	// is incremented accordingly.
	AppendJobs(ctx context.Context, taskID string, jobs []*Job) error

	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error

	// ClaimJobs atomically flips up to limit pending, due jobs to active and
	// returns them, ordered by scheduledAt then insertion order so retry
	// back-off is honored.
	ClaimJobs(ctx context.Context, taskID string, limit int, now time.Time) ([]*Job, error)

	// CompleteJob records a successful handler invocation. Returns
	// ErrJobNotActive if the job is not currently active (a no-op race from
	// a prior crash recovery or duplicate completion).
	CompleteJob(ctx context.Context, taskID, jobID string, output []byte) error

	// FailJob records a failed handler invocation. If retryable and the
	// resulting attempt count is still under the Task's MaxAttempts, the
	// job returns to pending with ScheduledAt = now + nextDelay; otherwise
	// it becomes terminally failed.
	FailJob(ctx context.Context, taskID, jobID string, failErr string, retryable bool, nextDelay time.Duration) error

	// ResetActiveJobs transitions every active job of a Task back to
	// pending with ScheduledAt = now, without consuming a retry attempt.
	// Called both by crash recovery (on Hub open, for every Task not yet
	// completed) and by Stop() (for the Task being stopped).
	ResetActiveJobs(ctx context.Context, taskID string) (int, error)

	// ResetFailedJobs transitions every terminally-failed job of a Task
	// back to pending with Attempts reset to 0, supporting a
	// retry-all-failed workflow.
	ResetFailedJobs(ctx context.Context, taskID string) (int, error)

	GetProgress(ctx context.Context, taskID string) (Progress, error)
	GetResults(ctx context.Context, taskID string, filter ResultFilter) ([]*Job, error)

	// SetTaskStatus persists a Task-level lifecycle transition.
	SetTaskStatus(ctx context.Context, taskID string, status TaskStatus) error

	Close() error
}
