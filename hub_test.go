package taskhub

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.taskhub.dev/taskhub/codec"
	"go.taskhub.dev/taskhub/sqlstore"
	"go.taskhub.dev/taskhub/store"
)

func TestCreateTask_DeterministicRunsToCompletion(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	items := []int{1, 2, 3, 4, 5}
	src := Source[int, int]{
		Type:  store.SourceDeterministic,
		Items: items,
		Handler: func(_ context.Context, in int, _ JobContext) (int, error) {
			return in * 2, nil
		},
	}

	handle, err := CreateTask(hub, "double", src)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	progress, err := handle.GetProgress()
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.Completed != 5 || progress.Failed != 0 || progress.Pending != 0 || progress.Active != 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	status, err := handle.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != store.TaskCompleted {
		t.Fatalf("expected TaskCompleted, got %s", status)
	}
}

func TestCreateTask_CompleteEventCarriesDecodedOutput(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	src := Source[string, string]{
		Type:  store.SourceDeterministic,
		Items: []string{"hello", "world"},
		Handler: func(_ context.Context, in string, _ JobContext) (string, error) {
			return strings.ToUpper(in), nil
		},
	}

	handle, err := CreateTask(hub, "uppercase", src)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	payloads := make(chan interface{}, 2)
	handle.On(EventJobComplete, func(ev Event) { payloads <- ev.Payload })

	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case p := <-payloads:
			s, ok := p.(string)
			if !ok {
				t.Fatalf("expected job:complete payload to be the decoded string, got %#v", p)
			}
			got[s] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for job:complete events")
		}
	}
	if !got["HELLO"] || !got["WORLD"] {
		t.Fatalf("expected payloads {HELLO, WORLD}, got %v", got)
	}

	results, err := handle.GetResults(store.ResultFilter{Status: store.JobCompleted})
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	outputs := make(map[string]bool)
	for _, job := range results {
		var out string
		if err := codec.JsonCodec().DecodeBytes(job.Output, &out); err != nil {
			t.Fatalf("decode stored output: %v", err)
		}
		outputs[out] = true
	}
	if len(outputs) != 2 || !outputs["HELLO"] || !outputs["WORLD"] {
		t.Fatalf("expected stored outputs {HELLO, WORLD}, got %v", outputs)
	}
}

func TestCreateTask_RetryEventuallyTerminates(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	var attempts int32
	src := Source[int, int]{
		Type:  store.SourceDeterministic,
		Items: []int{1},
		Handler: func(_ context.Context, in int, _ JobContext) (int, error) {
			atomic.AddInt32(&attempts, 1)
			return 0, fmt.Errorf("always fails")
		},
	}

	handle, err := CreateTask(hub, "always-fails", src,
		WithRetry(store.RetryConfig{MaxAttempts: 3, BaseDelayMs: 10, MaxDelayMs: 10}))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	progress, err := handle.GetProgress()
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.Failed != 1 || progress.Completed != 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	status, _ := handle.Status()
	if status != store.TaskCompleted {
		t.Fatalf("expected TaskCompleted (default FailTaskOnJobFailure=false), got %s", status)
	}
}

func TestCreateTask_FailTaskOnJobFailure(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	src := Source[int, int]{
		Type:  store.SourceDeterministic,
		Items: []int{1},
		Handler: func(_ context.Context, in int, _ JobContext) (int, error) {
			return 0, fmt.Errorf("boom")
		},
	}

	handle, err := CreateTask(hub, "fail-task", src,
		WithRetry(store.RetryConfig{MaxAttempts: 1, BaseDelayMs: 1, MaxDelayMs: 1}),
		WithFailTaskOnJobFailure(true))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	status, _ := handle.Status()
	if status != store.TaskFailed {
		t.Fatalf("expected TaskFailed, got %s", status)
	}
}

func TestHub_PauseStopsNewClaims(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}
	var completed int32
	src := Source[int, int]{
		Type:  store.SourceDeterministic,
		Items: items,
		Handler: func(_ context.Context, in int, _ JobContext) (int, error) {
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&completed, 1)
			return in, nil
		},
	}

	handle, err := CreateTask(hub, "pausable", src,
		WithConcurrency(store.ConcurrencyConfig{Min: 1, Max: 2, Initial: 2}))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if err := handle.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	countAtPause := atomic.LoadInt32(&completed)

	time.Sleep(250 * time.Millisecond)
	countAfterPause := atomic.LoadInt32(&completed)
	if countAfterPause-countAtPause > 2 {
		t.Fatalf("expected no new claims while paused: at-pause=%d after=%d", countAtPause, countAfterPause)
	}

	if err := handle.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := atomic.LoadInt32(&completed); got != 20 {
		t.Fatalf("expected all 20 jobs to complete, got %d", got)
	}
}

func TestHub_StopRequeuesActiveJobsWithoutConsumingRetry(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	release := make(chan struct{})
	src := Source[int, int]{
		Type:  store.SourceDeterministic,
		Items: []int{1},
		Handler: func(ctx context.Context, in int, _ JobContext) (int, error) {
			select {
			case <-release:
				return in, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
	}

	handle, err := CreateTask(hub, "cancellable", src)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the job get claimed and start

	if err := handle.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(release)

	results, err := handle.GetResults(store.ResultFilter{})
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 job, got %d", len(results))
	}
	if results[0].Status != store.JobPending {
		t.Fatalf("expected job requeued to pending after Stop, got %s", results[0].Status)
	}
	if results[0].Attempts != 0 {
		t.Fatalf("expected Stop not to consume a retry attempt, got attempts=%d", results[0].Attempts)
	}
}

func TestHub_StopThenResumeCompletesRemaining(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}
	src := Source[int, int]{
		Type:  store.SourceDeterministic,
		Items: items,
		Handler: func(ctx context.Context, in int, _ JobContext) (int, error) {
			select {
			case <-time.After(30 * time.Millisecond):
				return in, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
	}

	handle, err := CreateTask(hub, "stop-restart", src)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(45 * time.Millisecond)
	if err := handle.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	progress, err := handle.GetProgress()
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.Active != 0 {
		t.Fatalf("expected no active jobs after Stop, got %+v", progress)
	}
	if progress.Pending == 0 {
		t.Fatalf("expected remaining pending jobs after Stop, got %+v", progress)
	}
	status, _ := handle.Status()
	if status != store.TaskPaused {
		t.Fatalf("expected TaskPaused after Stop, got %s", status)
	}

	if err := handle.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	progress, err = handle.GetProgress()
	if err != nil {
		t.Fatalf("GetProgress after resume: %v", err)
	}
	if progress.Completed != 20 || progress.Pending != 0 || progress.Active != 0 {
		t.Fatalf("expected all 20 jobs completed after resume, got %+v", progress)
	}
}

func TestCreateTask_DynamicSourceStreamsAndCompletes(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	src := Source[int, int]{
		Type: store.SourceDynamic,
		ID:   "dyn-counter",
		Stream: func(ctx context.Context) (<-chan int, <-chan error) {
			items := make(chan int)
			errs := make(chan error)
			go func() {
				defer close(items)
				for i := 0; i < 10; i++ {
					items <- i
				}
			}()
			return items, errs
		},
		Handler: func(_ context.Context, in int, _ JobContext) (int, error) {
			return in, nil
		},
	}

	handle, err := CreateTask(hub, "dynamic-count", src)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	progress, err := handle.GetProgress()
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.Completed != 10 {
		t.Fatalf("expected 10 completed jobs, got %+v", progress)
	}
}

func TestCreateTask_DynamicIngestionOverlapsScheduling(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	gate := make(chan struct{})
	src := Source[int, int]{
		Type: store.SourceDynamic,
		ID:   "gated",
		Stream: func(ctx context.Context) (<-chan int, <-chan error) {
			items := make(chan int)
			errs := make(chan error)
			go func() {
				defer close(items)
				defer close(errs)
				<-gate
				for i := 0; i < 5; i++ {
					select {
					case items <- i:
					case <-ctx.Done():
						return
					}
				}
			}()
			return items, errs
		},
		Handler: func(_ context.Context, in int, _ JobContext) (int, error) {
			return in, nil
		},
	}

	// CreateTask must return while the stream is still blocked on gate:
	// ingestion overlaps scheduling rather than completing inline.
	handle, err := CreateTask(hub, "gated-dynamic", src)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	close(gate)
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	progress, err := handle.GetProgress()
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.Completed != 5 {
		t.Fatalf("expected 5 completed jobs, got %+v", progress)
	}
}

func TestCreateTask_DynamicSourceErrorFailsTask(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	src := Source[int, int]{
		Type: store.SourceDynamic,
		ID:   "broken-stream",
		Stream: func(_ context.Context) (<-chan int, <-chan error) {
			items := make(chan int)
			errs := make(chan error, 1)
			errs <- fmt.Errorf("upstream gone")
			return items, errs
		},
		Handler: func(_ context.Context, in int, _ JobContext) (int, error) {
			return in, nil
		},
	}

	handle, err := CreateTask(hub, "broken-dynamic", src)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := handle.Wait(); err == nil {
		t.Fatal("expected ingestion error surfaced via Wait, got nil")
	}

	status, err := handle.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != store.TaskFailed {
		t.Fatalf("expected TaskFailed after source error, got %s", status)
	}
}

func TestCreateTask_DeterministicIsIdempotent(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	newSrc := func() Source[int, int] {
		return Source[int, int]{
			Type:  store.SourceDeterministic,
			Items: []int{1, 2, 3},
			Handler: func(_ context.Context, in int, _ JobContext) (int, error) {
				return in, nil
			},
		}
	}

	h1, err := CreateTask(hub, "idempotent", newSrc())
	if err != nil {
		t.Fatalf("first CreateTask: %v", err)
	}
	h2, err := CreateTask(hub, "idempotent", newSrc())
	if err != nil {
		t.Fatalf("second CreateTask: %v", err)
	}
	if h1.ID() != h2.ID() {
		t.Fatalf("expected identical task id, got %s and %s", h1.ID(), h2.ID())
	}
	root1, _ := h1.MerkleRoot()
	root2, _ := h2.MerkleRoot()
	if root1 != root2 || root1 == "" {
		t.Fatalf("expected identical non-empty merkle roots, got %q and %q", root1, root2)
	}
}

func TestResumeTask_MerkleMismatchOnChangedItems(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	original := Source[int, int]{
		Type:  store.SourceDeterministic,
		Items: []int{1, 2, 3},
		Handler: func(_ context.Context, in int, _ JobContext) (int, error) {
			return in, nil
		},
	}
	handle, err := CreateTask(hub, "resumable", original)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	changed := original
	changed.Items = []int{1, 2, 3, 4}
	_, err = ResumeTask(hub, handle.ID(), changed)
	if err == nil {
		t.Fatal("expected ErrMerkleMismatch, got nil")
	}
	if err != ErrMerkleMismatch {
		t.Fatalf("expected ErrMerkleMismatch, got %v", err)
	}
}

func TestOpenHub_CrashRecoveryResetsActiveJobs(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()

	task := &store.Task{
		ID:          "crashed-task",
		Name:        "crashed",
		SourceType:  store.SourceDeterministic,
		MerkleRoot:  "irrelevant",
		Status:      store.TaskRunning,
		Concurrency: store.DefaultConcurrencyConfig(),
		Retry:       store.DefaultRetryConfig(),
	}
	jobs := []*store.Job{
		{ID: "job-1", Input: []byte("1"), Status: store.JobPending, ScheduledAt: time.Now()},
	}
	if err := st.CreateTask(ctx, task, jobs); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := st.ClaimJobs(ctx, task.ID, 1, time.Now()); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}

	progress, err := st.GetProgress(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.Active != 1 {
		t.Fatalf("expected 1 active job before recovery, got %+v", progress)
	}

	if _, err := OpenHub(st); err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	progress, err = st.GetProgress(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetProgress after recovery: %v", err)
	}
	if progress.Active != 0 || progress.Pending != 1 {
		t.Fatalf("expected crash recovery to reset active job to pending, got %+v", progress)
	}

	recovered, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if recovered.Status != store.TaskPaused {
		t.Fatalf("expected recovered task to be paused, got %s", recovered.Status)
	}
}

func TestHub_StopDuringClaimsAgainstSQLStore(t *testing.T) {
	st, err := sqlstore.Open(filepath.Join(t.TempDir(), "taskhub.db"))
	if err != nil {
		t.Fatalf("sqlstore.Open: %v", err)
	}
	hub, err := OpenHub(st)
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}
	defer hub.Close()

	items := make([]int, 40)
	for i := range items {
		items[i] = i
	}
	src := Source[int, int]{
		Type:  store.SourceDeterministic,
		Items: items,
		Handler: func(ctx context.Context, in int, _ JobContext) (int, error) {
			select {
			case <-time.After(5 * time.Millisecond):
				return in, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
	}

	handle, err := CreateTask(hub, "stop-midflight", src,
		WithConcurrency(store.ConcurrencyConfig{Min: 1, Max: 4, Initial: 4}))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Let claims get in flight, then cancel mid-query: the loop must treat
	// the cancellation as shutdown, not as a fatal store error.
	time.Sleep(25 * time.Millisecond)
	if err := handle.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := handle.Wait(); err != nil {
		t.Fatalf("expected nil from Wait after a clean Stop, got %v", err)
	}
	status, err := handle.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != store.TaskPaused {
		t.Fatalf("expected TaskPaused after Stop, got %s", status)
	}
	progress, err := handle.GetProgress()
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.Active != 0 {
		t.Fatalf("expected no active jobs after Stop, got %+v", progress)
	}
}

func TestHub_Close_DrainsRunningTasks(t *testing.T) {
	hub, err := OpenHub(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}

	release := make(chan struct{})
	src := Source[int, int]{
		Type:  store.SourceDeterministic,
		Items: []int{1},
		Handler: func(ctx context.Context, in int, _ JobContext) (int, error) {
			select {
			case <-release:
				return in, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
	}
	handle, err := CreateTask(hub, "drain-me", src)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := handle.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := hub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
