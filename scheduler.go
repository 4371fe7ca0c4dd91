package taskhub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.taskhub.dev/taskhub/codec"
	"go.taskhub.dev/taskhub/lifecycle"
	"go.taskhub.dev/taskhub/store"
)

// handlerFunc is the serialized execution contract the scheduler actually
// drives. CreateTask/ResumeTask close a generic Source's typed Handler over
// this, so the scheduler itself never needs type parameters — it is the
// bridge that lets a Hub hold heterogeneous Tasks behind one non-generic
// implementation, since Go forbids generic methods.
type handlerFunc func(ctx context.Context, jctx JobContext, input []byte) ([]byte, error)

// schedulerPollInterval bounds how long the control loop sleeps when there
// is nothing immediately claimable. A condition variable woken by either job
// completion or a timer set to the nearest pending job's scheduledAt would
// be tighter, but JobStore exposes no "earliest pending" query, so this
// polls on a short fixed tick instead, trading a small (<= this interval)
// wake-up latency for a simpler store contract.
const schedulerPollInterval = 200 * time.Millisecond

type schedulerStatus int

const (
	schedIdle schedulerStatus = iota
	schedRunning
	schedPaused
	schedStopping
)

// jobScheduler drives one Task's control loop: claim due jobs up to the
// concurrency ceiling, run each in its own goroutine, persist the outcome,
// and react (retry scheduling, AIMD adjustment, event emission).
type jobScheduler struct {
	taskID      string
	st          store.JobStore
	handler     handlerFunc
	isRetryable func(error) bool
	isRateLimited func(error) bool
	retryCfg    store.RetryConfig
	timeoutMs   int64
	failTaskOnJobFailure bool
	controller  *concurrencyController
	events      *eventBus

	wake chan struct{}
	wg   sync.WaitGroup

	mu           sync.Mutex
	status       schedulerStatus
	activeCount  int
	cancel       context.CancelFunc
	done         chan struct{}
	finalErr     error
	ingesting    int
	ingestErr    error
	ingestCancel context.CancelFunc
}

func newJobScheduler(task *store.Task, st store.JobStore, handler handlerFunc, isRetryable, isRateLimited func(error) bool, constants ConcurrencyConstants) *jobScheduler {
	return &jobScheduler{
		taskID:               task.ID,
		st:                   st,
		handler:              handler,
		isRetryable:          isRetryable,
		isRateLimited:        isRateLimited,
		retryCfg:             task.Retry,
		timeoutMs:            task.TimeoutMs,
		failTaskOnJobFailure: task.FailTaskOnFailure,
		controller:           newConcurrencyController(task.Concurrency, constants),
		events:               newEventBus(task.ID),
		wake:                 make(chan struct{}, 1),
		status:               schedIdle,
	}
}

// beginIngest marks a dynamic ingestion pass as in flight, so the control
// loop won't mistake "no pending or active jobs yet" for Task completion
// while the Source is still streaming. Returns the context the ingestion
// goroutine should honor; Destroy cancels it.
func (s *jobScheduler) beginIngest() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ingesting++
	s.ingestCancel = cancel
	s.mu.Unlock()
	return ctx
}

// endIngest marks an ingestion pass finished. A non-nil err (other than
// cancellation) is held for the control loop, which surfaces it as a fatal
// Task failure on its next tick.
func (s *jobScheduler) endIngest(err error) {
	s.mu.Lock()
	s.ingesting--
	if err != nil && !errors.Is(err, context.Canceled) {
		s.ingestErr = err
	}
	s.mu.Unlock()
	s.signalWake()
}

func (s *jobScheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *jobScheduler) isLoopAliveLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Start transitions an idle Task to running and launches its control loop.
func (s *jobScheduler) Start() error {
	s.mu.Lock()
	if s.status == schedRunning {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.status = schedRunning
	s.done = make(chan struct{})
	s.finalErr = nil
	s.mu.Unlock()

	if err := s.st.SetTaskStatus(context.Background(), s.taskID, store.TaskRunning); err != nil {
		return fmt.Errorf("taskhub: persist running status for task %s: %w", s.taskID, err)
	}
	s.events.emit(Event{Kind: EventTaskStatus, TaskID: s.taskID, Payload: store.TaskRunning})

	go s.loop(ctx)
	return nil
}

// Pause stops further job claims without disturbing in-flight handlers.
func (s *jobScheduler) Pause() error {
	s.mu.Lock()
	if s.status != schedRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.status = schedPaused
	s.mu.Unlock()
	s.signalWake()

	if err := s.st.SetTaskStatus(context.Background(), s.taskID, store.TaskPaused); err != nil {
		return fmt.Errorf("taskhub: persist paused status for task %s: %w", s.taskID, err)
	}
	s.events.emit(Event{Kind: EventTaskStatus, TaskID: s.taskID, Payload: store.TaskPaused})
	return nil
}

// Resume lifts a pause, or — if the Task had been fully Stop()'d, which
// exits the control loop — restarts the loop from scratch.
func (s *jobScheduler) Resume() error {
	s.mu.Lock()
	if s.status != schedPaused {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	alive := s.isLoopAliveLocked()
	if alive {
		s.status = schedRunning
		s.mu.Unlock()
		s.signalWake()
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.status = schedRunning
		s.done = make(chan struct{})
		s.finalErr = nil
		s.mu.Unlock()
		go s.loop(ctx)
	}

	if err := s.st.SetTaskStatus(context.Background(), s.taskID, store.TaskRunning); err != nil {
		return fmt.Errorf("taskhub: persist running status for task %s: %w", s.taskID, err)
	}
	s.events.emit(Event{Kind: EventTaskStatus, TaskID: s.taskID, Payload: store.TaskRunning})
	return nil
}

// Stop cancels every in-flight handler, waits for them to unwind, requeues
// their jobs without consuming a retry attempt, and persists Paused.
func (s *jobScheduler) Stop() error {
	s.mu.Lock()
	if s.status == schedIdle {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.status = schedStopping
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.wg.Wait() // quiesce every still-unwinding handler goroutine before requeuing

	if _, err := s.st.ResetActiveJobs(context.Background(), s.taskID); err != nil {
		return fmt.Errorf("taskhub: requeue active jobs for task %s: %w", s.taskID, err)
	}
	if err := s.st.SetTaskStatus(context.Background(), s.taskID, store.TaskPaused); err != nil {
		return fmt.Errorf("taskhub: persist paused status for task %s: %w", s.taskID, err)
	}
	s.events.emit(Event{Kind: EventTaskStatus, TaskID: s.taskID, Payload: store.TaskPaused})

	s.mu.Lock()
	s.status = schedPaused
	s.mu.Unlock()
	return nil
}

// Wait blocks until the Task reaches a terminal state (completed/failed), a
// fatal store error aborts the loop, or Stop ends the loop, returning that
// error (nil on a clean terminal state or a Stop).
func (s *jobScheduler) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return ErrSchedulerNotRunning
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

// Destroy stops the Task if live, tears down its event bus, and deletes its
// persisted state.
func (s *jobScheduler) Destroy() error {
	s.mu.Lock()
	status := s.status
	cancelIngest := s.ingestCancel
	s.mu.Unlock()
	if cancelIngest != nil {
		cancelIngest()
	}
	if status == schedRunning || status == schedStopping {
		if err := s.Stop(); err != nil {
			return err
		}
	}
	if err := s.events.close(); err != nil {
		logger.WarnF("taskhub: closing event bus for task %s: %v", s.taskID, err)
	}
	return s.st.DeleteTask(context.Background(), s.taskID)
}

// asComponent wraps the scheduler as a lifecycle.Component so a Hub can
// register it with its ComponentManager and drain every running Task
// uniformly from Hub.Close.
func (s *jobScheduler) asComponent() lifecycle.Component {
	return &lifecycle.SimpleComponent{
		CompId:    s.taskID,
		StartFunc: s.Start,
		StopFunc:  s.drainStop,
	}
}

// drainStop is the component-manager Stop hook: it stops the scheduler
// whenever its control loop is still alive — including a paused loop, whose
// goroutine would otherwise outlive Hub.Close — and is a no-op once the
// loop has already exited (terminal state or never started).
func (s *jobScheduler) drainStop() error {
	s.mu.Lock()
	alive := s.isLoopAliveLocked()
	s.mu.Unlock()
	if !alive {
		return nil
	}
	return s.Stop()
}

func (s *jobScheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(schedulerPollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		status := s.status
		s.mu.Unlock()

		if status != schedRunning {
			select {
			case <-s.wake:
			case <-ctx.Done():
				return
			}
			continue
		}

		progressed, terminal := s.tick(ctx)
		if terminal {
			return
		}
		if progressed {
			continue
		}

		select {
		case <-s.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// tick claims and spawns as many due jobs as the current AIMD ceiling
// allows, and checks for Task completion when nothing is in flight or
// claimable. progressed reports whether it claimed anything (so loop
// should immediately re-tick instead of sleeping); terminal reports whether
// the Task reached a final state and the loop should exit.
func (s *jobScheduler) tick(ctx context.Context) (progressed, terminal bool) {
	desired := s.controller.Current()
	s.mu.Lock()
	active := s.activeCount
	ingestErr := s.ingestErr
	s.mu.Unlock()

	if ingestErr != nil {
		s.fatal(ingestErr)
		return false, true
	}

	if slots := desired - active; slots > 0 {
		claimed, err := s.st.ClaimJobs(ctx, s.taskID, slots, time.Now())
		if err != nil {
			// Stop() cancelling ctx mid-query is scheduler-induced shutdown,
			// not a store failure; exit quietly and let Stop persist Paused.
			if ctx.Err() != nil {
				return false, true
			}
			s.fatal(err)
			return false, true
		}
		for _, job := range claimed {
			s.spawn(ctx, job)
		}
		if len(claimed) > 0 {
			return true, false
		}
	}

	s.mu.Lock()
	active = s.activeCount
	ingesting := s.ingesting > 0
	s.mu.Unlock()
	if active == 0 && !ingesting {
		progress, err := s.st.GetProgress(ctx, s.taskID)
		if err != nil {
			if ctx.Err() != nil {
				return false, true
			}
			s.fatal(err)
			return false, true
		}
		if progress.Pending == 0 && progress.Active == 0 {
			s.finish(progress)
			return false, true
		}
	}
	return false, false
}

func (s *jobScheduler) spawn(ctx context.Context, job *store.Job) {
	s.mu.Lock()
	s.activeCount++
	s.mu.Unlock()
	s.wg.Add(1)

	go func() {
		defer func() {
			s.mu.Lock()
			s.activeCount--
			s.mu.Unlock()
			s.wg.Done()
			s.signalWake()
		}()

		s.events.emit(Event{Kind: EventJobStart, TaskID: s.taskID, JobID: job.ID, Payload: job})
		jctx := JobContext{JobID: job.ID, Attempts: job.Attempts + 1, Logger: logger}

		execCtx := ctx
		if s.timeoutMs > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, time.Duration(s.timeoutMs)*time.Millisecond)
			defer cancel()
		}

		output, err := s.handler(execCtx, jctx, job.Input)

		if err == nil {
			s.settleSuccess(job, output)
			return
		}

		if ctx.Err() != nil {
			// The scheduler's own cancellation token fired (Stop/Hub.Close):
			// leave the job row active. Stop's ResetActiveJobs requeues it
			// without consuming a retry attempt once every handler unwinds.
			return
		}

		s.settleFailure(job, err)
	}()
}

func (s *jobScheduler) settleSuccess(job *store.Job, output []byte) {
	if err := s.st.CompleteJob(context.Background(), s.taskID, job.ID, output); err != nil {
		if errors.Is(err, store.ErrJobNotActive) {
			logger.WarnF("taskhub: completeJob race on already-settled job %s: %v", job.ID, err)
			return
		}
		s.fatal(err)
		return
	}
	s.controller.onSuccess()
	// The stored output is codec-encoded; listeners get the decoded value,
	// not the wire bytes (which WriteJSON would re-encode as base64).
	var decoded interface{}
	if len(output) > 0 {
		if err := codec.JsonCodec().DecodeBytes(output, &decoded); err != nil {
			logger.WarnF("taskhub: decoding output for job:complete event on job %s: %v", job.ID, err)
		}
	}
	s.events.emit(Event{Kind: EventJobComplete, TaskID: s.taskID, JobID: job.ID, Payload: decoded})
	s.emitProgress()
}

func (s *jobScheduler) settleFailure(job *store.Job, handlerErr error) {
	retryable := s.isRetryable(handlerErr)
	rateLimited := s.isRateLimited(handlerErr)
	if rateLimited {
		newCeiling := s.controller.onRateLimited()
		s.events.emit(Event{Kind: EventRateLimited, TaskID: s.taskID, JobID: job.ID, Payload: newCeiling})
	}

	attemptsAfter := job.Attempts + 1
	delay := nextDelay(attemptsAfter, s.retryCfg)
	retry := willRetry(retryable, attemptsAfter, s.retryCfg)

	if err := s.st.FailJob(context.Background(), s.taskID, job.ID, handlerErr.Error(), retryable, delay); err != nil {
		if errors.Is(err, store.ErrJobNotActive) {
			logger.WarnF("taskhub: failJob race on already-settled job %s: %v", job.ID, err)
			return
		}
		s.fatal(err)
		return
	}

	if retry {
		s.events.emit(Event{Kind: EventJobRetry, TaskID: s.taskID, JobID: job.ID, Payload: attemptsAfter})
	} else {
		s.events.emit(Event{Kind: EventJobFailed, TaskID: s.taskID, JobID: job.ID, Payload: handlerErr.Error()})
		s.controller.onNonRateLimitFailure()
	}
	s.emitProgress()
}

func (s *jobScheduler) emitProgress() {
	p, err := s.st.GetProgress(context.Background(), s.taskID)
	if err != nil {
		logger.WarnF("taskhub: progress snapshot for task %s: %v", s.taskID, err)
		return
	}
	s.events.emit(Event{Kind: EventProgress, TaskID: s.taskID, Payload: map[string]interface{}{
		"total":       p.Total,
		"pending":     p.Pending,
		"active":      p.Active,
		"completed":   p.Completed,
		"failed":      p.Failed,
		"concurrency": s.controller.Current(),
	}})
}

func (s *jobScheduler) finish(progress store.Progress) {
	status := store.TaskCompleted
	if s.failTaskOnJobFailure && progress.Failed > 0 {
		status = store.TaskFailed
	}
	if err := s.st.SetTaskStatus(context.Background(), s.taskID, status); err != nil {
		logger.WarnF("taskhub: persist terminal status for task %s: %v", s.taskID, err)
	}
	s.events.emit(Event{Kind: EventTaskStatus, TaskID: s.taskID, Payload: status})

	s.mu.Lock()
	s.status = schedIdle
	s.finalErr = nil
	s.mu.Unlock()
}

func (s *jobScheduler) fatal(err error) {
	wrapped := fmt.Errorf("taskhub: store error, task %s marked failed: %w", s.taskID, err)
	logger.ErrorF("%v", wrapped)
	if serr := s.st.SetTaskStatus(context.Background(), s.taskID, store.TaskFailed); serr != nil {
		logger.WarnF("taskhub: persisting failed status after fatal error: %v", serr)
	}
	s.events.emit(Event{Kind: EventTaskStatus, TaskID: s.taskID, Payload: store.TaskFailed})

	s.mu.Lock()
	s.status = schedIdle
	s.finalErr = wrapped
	s.mu.Unlock()
}
