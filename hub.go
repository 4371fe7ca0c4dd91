package taskhub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.taskhub.dev/taskhub/codec"
	"go.taskhub.dev/taskhub/l3"
	"go.taskhub.dev/taskhub/lifecycle"
	"go.taskhub.dev/taskhub/merkle"
	"go.taskhub.dev/taskhub/store"
	"go.taskhub.dev/taskhub/uuid"
)

var logger = l3.Get()

// dynamicIngestChunkSize bounds how many jobs are buffered per AppendJobs
// call while draining a dynamic Source's Stream.
const dynamicIngestChunkSize = 1000

// dynamicIngestPollInterval is how often ingestion polls GetProgress while
// backing off above its pending-jobs watermark.
const dynamicIngestPollInterval = 50 * time.Millisecond

// Hub owns a JobStore and every live TaskHandle created or resumed against
// it. It is the unit Close() drains: every registered scheduler is stopped
// (in-flight handlers cancelled and their jobs requeued) before the
// underlying store is closed.
type Hub struct {
	store      store.JobStore
	components lifecycle.ComponentManager
	constants  ConcurrencyConstants

	mu    sync.RWMutex
	tasks map[string]*TaskHandle
}

// OpenHub opens a Hub over an existing JobStore, performing a crash-recovery
// pass: every non-completed Task's active jobs are
// reset to pending, and any Task that was Running at the time of an
// unclean shutdown is marked Paused, before any scheduler is created.
// Sources are not persisted, so recovery never auto-restarts a scheduler —
// callers must re-register each in-flight Task via ResumeTask.
func OpenHub(st store.JobStore, opts ...HubOption) (*Hub, error) {
	h := &Hub{
		store:      st,
		components: lifecycle.NewSimpleComponentManager(),
		constants:  DefaultConcurrencyConstants(),
		tasks:      make(map[string]*TaskHandle),
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.recover(context.Background()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Hub) recover(ctx context.Context) error {
	tasks, err := h.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return fmt.Errorf("taskhub: list tasks during recovery: %w", err)
	}
	for _, t := range tasks {
		if t.Status == store.TaskCompleted {
			continue
		}
		n, err := h.store.ResetActiveJobs(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("taskhub: reset active jobs for task %s: %w", t.ID, err)
		}
		if n > 0 {
			logger.InfoF("taskhub: crash recovery reset %d active job(s) for task %s", n, t.ID)
		}
		if t.Status == store.TaskRunning {
			if err := h.store.SetTaskStatus(ctx, t.ID, store.TaskPaused); err != nil {
				return fmt.Errorf("taskhub: pause recovered task %s: %w", t.ID, err)
			}
		}
	}
	return nil
}

// GetTask returns the TaskHandle registered in this process for id.
// Process restarts must re-register a Task via ResumeTask before GetTask
// can find it; a bare persisted row with no live Source is not enough to
// construct a handler-bearing handle.
func (h *Hub) GetTask(id string) (*TaskHandle, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return handle, nil
}

// ListTasks returns persisted Task rows, optionally filtered, whether or
// not a live handle is registered for each in this process.
func (h *Hub) ListTasks(filter store.TaskFilter) ([]*store.Task, error) {
	return h.store.ListTasks(context.Background(), filter)
}

// DeleteTask removes a Task's persisted state and forgets any live handle.
func (h *Hub) DeleteTask(id string) error {
	h.forget(id)
	return h.store.DeleteTask(context.Background(), id)
}

// ResetFailedJobs requeues every terminally-failed job of a Task, resetting
// its attempt count, supporting a retry-all-failed workflow.
func (h *Hub) ResetFailedJobs(id string) (int, error) {
	return h.store.ResetFailedJobs(context.Background(), id)
}

// ComponentState reports this process's lifecycle view of a Task's
// scheduler (Starting/Running/Stopping/Stopped/Error), distinct from the
// persisted store.TaskStatus: a restarted process has no ComponentState for
// a Task until it calls ResumeTask again, even though the store still has
// its TaskStatus.
func (h *Hub) ComponentState(taskID string) lifecycle.ComponentState {
	return h.components.GetState(taskID)
}

// Close drains every registered scheduler (cancelling in-flight handlers,
// requeuing their jobs, pausing each Task) and then closes the store.
func (h *Hub) Close() error {
	if err := h.components.StopAll(); err != nil {
		return fmt.Errorf("taskhub: drain schedulers: %w", err)
	}
	return h.store.Close()
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.tasks, id)
	h.mu.Unlock()
	h.components.Unregister(id)
}

func (h *Hub) register(task *store.Task, handler handlerFunc, isRetryable, isRateLimited func(error) bool, constants ConcurrencyConstants) *TaskHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.tasks[task.ID]; ok {
		return existing
	}
	sched := newJobScheduler(task, h.store, handler, isRetryable, isRateLimited, constants)
	handle := newTaskHandle(task.ID, task.Name, h, sched)
	h.tasks[task.ID] = handle
	h.components.Register(sched.asComponent())
	return handle
}

// wrapHandler closes a typed Source's Handler over the codec-serialized
// byte contract the scheduler drives.
func wrapHandler[In any, Out any](src Source[In, Out]) handlerFunc {
	return func(ctx context.Context, jctx JobContext, input []byte) ([]byte, error) {
		var in In
		if err := codec.JsonCodec().DecodeBytes(input, &in); err != nil {
			return nil, fmt.Errorf("taskhub: decode job input: %w", err)
		}
		out, err := src.Handler(ctx, in, jctx)
		if err != nil {
			return nil, err
		}
		data, err := codec.JsonCodec().EncodeToBytes(out)
		if err != nil {
			return nil, fmt.Errorf("taskhub: encode job output: %w", err)
		}
		return data, nil
	}
}

func resolveClassifiers[In any, Out any](src Source[In, Out]) (retryable, rateLimited func(error) bool) {
	retryable = src.IsRetryable
	if retryable == nil {
		retryable = defaultIsRetryable
	}
	rateLimited = src.IsRateLimited
	if rateLimited == nil {
		rateLimited = defaultIsRateLimited
	}
	return
}

func deterministicTaskID(name, merkleRoot string) (string, error) {
	u, err := uuid.V3(merkleRoot, name)
	if err != nil {
		return "", fmt.Errorf("taskhub: derive deterministic task id: %w", err)
	}
	return u.String(), nil
}

func randomTaskID() (string, error) {
	u, err := uuid.V4()
	if err != nil {
		return "", fmt.Errorf("taskhub: generate task id: %w", err)
	}
	return u.String(), nil
}

func hashInput(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// buildDeterministicJobs serializes every item, derives each job ID (via
// getJobID, falling back to a hash of the serialized input), and returns
// both the store-ready job rows and the ID list merkle.Root needs.
func buildDeterministicJobs[In any](items []In, getJobID func(In) string) ([]*store.Job, []string, error) {
	now := time.Now()
	ids := make([]string, len(items))
	jobs := make([]*store.Job, len(items))
	for i, item := range items {
		data, err := codec.JsonCodec().EncodeToBytes(item)
		if err != nil {
			return nil, nil, fmt.Errorf("taskhub: encode job input: %w", err)
		}
		id := ""
		if getJobID != nil {
			id = getJobID(item)
		} else {
			id = hashInput(data)
		}
		ids[i] = id
		jobs[i] = &store.Job{ID: id, Input: data, Status: store.JobPending, ScheduledAt: now, UpdatedAt: now}
	}
	return jobs, ids, nil
}

func newTaskRow(id, name string, sourceType store.SourceType, merkleRoot string, cfg createTaskConfig) *store.Task {
	now := time.Now()
	return &store.Task{
		ID:                id,
		Name:              name,
		SourceType:        sourceType,
		MerkleRoot:        merkleRoot,
		Status:            store.TaskPending,
		Concurrency:       cfg.concurrency,
		Retry:             cfg.retry,
		TimeoutMs:         cfg.timeoutMs,
		FailTaskOnFailure: cfg.failTaskOnJobFailure,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// CreateTask materializes a new Task from src and registers it with hub.
// For a deterministic Source, the Task ID and MerkleRoot are derived purely
// from name and the serialized item set (uuid.V3, name-based): calling
// CreateTask again with identical name and identical Items is idempotent —
// it returns the existing Task's handle instead of erroring, after
// confirming the recomputed MerkleRoot still matches. For a dynamic Source, the
// Task ID is random and the Source is drained via Stream in
// dynamicIngestChunkSize batches, applying simple watermark back-pressure
// against GetProgress's pending count.
func CreateTask[In any, Out any](hub *Hub, name string, src Source[In, Out], opts ...CreateTaskOption) (*TaskHandle, error) {
	cfg := defaultCreateTaskConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	handler := wrapHandler(src)
	retryable, rateLimited := resolveClassifiers(src)
	ctx := context.Background()

	switch src.Type {
	case store.SourceDeterministic:
		jobs, ids, err := buildDeterministicJobs(src.Items, src.GetJobID)
		if err != nil {
			return nil, err
		}
		root := merkle.Root(ids)
		taskID, err := deterministicTaskID(name, root)
		if err != nil {
			return nil, err
		}

		existing, err := hub.store.GetTask(ctx, taskID)
		if err == nil {
			if existing.MerkleRoot != root {
				return nil, ErrMerkleMismatch
			}
			return hub.register(existing, handler, retryable, rateLimited, cfg.constants), nil
		}
		if !errors.Is(err, store.ErrTaskNotFound) {
			return nil, fmt.Errorf("taskhub: check existing task %s: %w", taskID, err)
		}

		task := newTaskRow(taskID, name, store.SourceDeterministic, root, cfg)
		if err := hub.store.CreateTask(ctx, task, jobs); err != nil {
			return nil, fmt.Errorf("taskhub: create task: %w", err)
		}
		return hub.register(task, handler, retryable, rateLimited, cfg.constants), nil

	case store.SourceDynamic:
		if src.ID == "" {
			return nil, ErrDynamicSourceRequiresID
		}
		taskID, err := randomTaskID()
		if err != nil {
			return nil, err
		}
		task := newTaskRow(taskID, name, store.SourceDynamic, "", cfg)
		if err := hub.store.CreateTask(ctx, task, nil); err != nil {
			return nil, fmt.Errorf("taskhub: create task: %w", err)
		}
		handle := hub.register(task, handler, retryable, rateLimited, cfg.constants)
		startIngest(handle.sched, hub.store, taskID, src, cfg.concurrency.Max, nil)
		return handle, nil

	default:
		return nil, fmt.Errorf("taskhub: unknown source type %q", src.Type)
	}
}

// ResumeTask re-registers a Source against a Task persisted by an earlier
// CreateTask call, typically after a process restart. For a deterministic
// Task, it recomputes the MerkleRoot from src.Items and requires it to
// match the persisted one (ErrMerkleMismatch otherwise). For a dynamic
// Task, it takes the union of the already
// persisted jobs and whatever new items src.Stream still produces —
// existing job IDs are skipped, not reinserted, so resuming does not
// disturb already-settled or in-flight state.
func ResumeTask[In any, Out any](hub *Hub, id string, src Source[In, Out]) (*TaskHandle, error) {
	ctx := context.Background()
	task, err := hub.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.SourceType != src.Type {
		return nil, ErrSourceTypeMismatch
	}

	handler := wrapHandler(src)
	retryable, rateLimited := resolveClassifiers(src)

	switch task.SourceType {
	case store.SourceDeterministic:
		_, ids, err := buildDeterministicJobs(src.Items, src.GetJobID)
		if err != nil {
			return nil, err
		}
		if root := merkle.Root(ids); root != task.MerkleRoot {
			return nil, ErrMerkleMismatch
		}
		return hub.register(task, handler, retryable, rateLimited, hub.constants), nil

	case store.SourceDynamic:
		handle := hub.register(task, handler, retryable, rateLimited, hub.constants)

		existing, err := hub.store.GetResults(ctx, id, store.ResultFilter{})
		if err != nil {
			return nil, fmt.Errorf("taskhub: load existing jobs for resume: %w", err)
		}
		seen := make(map[string]bool, len(existing))
		for _, j := range existing {
			seen[j.ID] = true
		}

		startIngest(handle.sched, hub.store, id, src, task.Concurrency.Max, seen)
		return handle, nil

	default:
		return nil, fmt.Errorf("taskhub: unknown source type %q", task.SourceType)
	}
}

// startIngest drains a dynamic Source's Stream on its own goroutine,
// concurrently with the Task's control loop. Ingestion has to overlap
// scheduling: the watermark back-pressure in ingestDynamic only unblocks
// when the scheduler drains pending jobs, so an unbounded Source ingested
// inline would deadlock CreateTask. The scheduler holds off its completion
// check while ingestion is in flight and surfaces any ingestion error as a
// fatal Task failure.
func startIngest[In any, Out any](sched *jobScheduler, st store.JobStore, taskID string, src Source[In, Out], maxConcurrency int, seen map[string]bool) {
	ictx := sched.beginIngest()
	go func() {
		err := ingestDynamic(ictx, st, taskID, src, maxConcurrency, seen)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorF("taskhub: dynamic ingestion for task %s: %v", taskID, err)
		}
		sched.endIngest(err)
	}()
}

// ingestDynamic drains src.Stream, buffering up to dynamicIngestChunkSize
// items per AppendJobs call and applying watermark back-pressure so an
// unbounded producer cannot grow the pending queue without limit. When seen
// is non-nil (a resume), items whose derived ID is already in seen are
// skipped rather than reinserted.
func ingestDynamic[In any, Out any](ctx context.Context, st store.JobStore, taskID string, src Source[In, Out], maxConcurrency int, seen map[string]bool) error {
	if src.Stream == nil {
		return nil
	}
	items, errs := src.Stream(ctx)
	buf := make([]*store.Job, 0, dynamicIngestChunkSize)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := st.AppendJobs(ctx, taskID, buf); err != nil {
			return err
		}
		buf = buf[:0]
		return nil
	}

	for {
		select {
		case in, ok := <-items:
			if !ok {
				return flush()
			}
			data, err := codec.JsonCodec().EncodeToBytes(in)
			if err != nil {
				return fmt.Errorf("taskhub: encode dynamic job input: %w", err)
			}
			var id string
			if src.GetJobID != nil {
				id = src.GetJobID(in)
			} else {
				id = hashInput(data)
			}
			if seen != nil && seen[id] {
				continue
			}
			now := time.Now()
			buf = append(buf, &store.Job{ID: id, Input: data, Status: store.JobPending, ScheduledAt: now, UpdatedAt: now})
			if len(buf) >= dynamicIngestChunkSize {
				if err := flush(); err != nil {
					return err
				}
				if err := waitForBackpressure(ctx, st, taskID, maxConcurrency); err != nil {
					return err
				}
			}
		case err, ok := <-errs:
			if !ok {
				// Closed error channel just means the Source won't report
				// one; stop selecting on it, keep draining items.
				errs = nil
				continue
			}
			if err != nil {
				_ = flush()
				return fmt.Errorf("taskhub: dynamic source error: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForBackpressure blocks while a Task's pending-job count is at or
// above a watermark derived from its concurrency ceiling, so a fast
// producer can't outpace the scheduler by an unbounded margin.
func waitForBackpressure(ctx context.Context, st store.JobStore, taskID string, maxConcurrency int) error {
	watermark := maxConcurrency * 10
	if watermark < 1000 {
		watermark = 1000
	}
	for {
		p, err := st.GetProgress(ctx, taskID)
		if err != nil {
			return err
		}
		if p.Pending < watermark {
			return nil
		}
		select {
		case <-time.After(dynamicIngestPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
