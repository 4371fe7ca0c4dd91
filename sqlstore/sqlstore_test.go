package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.taskhub.dev/taskhub/store"
	"go.taskhub.dev/taskhub/testing/assert"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskhub.db")
	s, err := Open(path)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(id string) *store.Task {
	return &store.Task{
		ID:          id,
		Name:        "test-task",
		SourceType:  store.SourceDeterministic,
		Status:      store.TaskPending,
		Concurrency: store.DefaultConcurrencyConfig(),
		Retry:       store.DefaultRetryConfig(),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestCreateTask_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1")
	now := time.Now()
	jobs := []*store.Job{
		{ID: "a", TaskID: "t1", Input: []byte(`"x"`), Status: store.JobPending, ScheduledAt: now},
		{ID: "b", TaskID: "t1", Input: []byte(`"y"`), Status: store.JobPending, ScheduledAt: now},
	}

	assert.NoError(t, s.CreateTask(ctx, task, jobs))

	got, err := s.GetTask(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, "test-task", got.Name)
	assert.Equal(t, 2, got.TotalJobs)
	assert.Equal(t, store.DefaultConcurrencyConfig(), got.Concurrency)
	assert.Equal(t, store.DefaultRetryConfig(), got.Retry)
}

func TestCreateTask_DuplicateRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1")
	jobs := []*store.Job{{ID: "a", TaskID: "t1", Status: store.JobPending, ScheduledAt: time.Now()}}

	assert.NoError(t, s.CreateTask(ctx, task, jobs))
	err := s.CreateTask(ctx, task, jobs)
	if err != store.ErrTaskAlreadyExists {
		t.Fatalf("expected ErrTaskAlreadyExists, got %v", err)
	}
}

func TestClaimJobs_OrderedByScheduledAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1")
	now := time.Now()
	jobs := []*store.Job{
		{ID: "a", TaskID: "t1", Status: store.JobPending, ScheduledAt: now.Add(2 * time.Second)},
		{ID: "b", TaskID: "t1", Status: store.JobPending, ScheduledAt: now},
		{ID: "c", TaskID: "t1", Status: store.JobPending, ScheduledAt: now.Add(1 * time.Second)},
	}
	assert.NoError(t, s.CreateTask(ctx, task, jobs))

	claimed, err := s.ClaimJobs(ctx, "t1", 10, now.Add(5*time.Second))
	assert.NoError(t, err)
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed jobs, got %d", len(claimed))
	}
	if claimed[0].ID != "b" || claimed[1].ID != "c" || claimed[2].ID != "a" {
		t.Fatalf("expected claim order [b c a], got %v", []string{claimed[0].ID, claimed[1].ID, claimed[2].ID})
	}

	claimed2, err := s.ClaimJobs(ctx, "t1", 10, now.Add(5*time.Second))
	assert.NoError(t, err)
	if len(claimed2) != 0 {
		t.Fatalf("expected 0 jobs on re-claim, got %d", len(claimed2))
	}
}

func TestCompleteJob_UpdatesCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1")
	now := time.Now()
	jobs := []*store.Job{{ID: "a", TaskID: "t1", Status: store.JobPending, ScheduledAt: now}}
	assert.NoError(t, s.CreateTask(ctx, task, jobs))

	claimed, err := s.ClaimJobs(ctx, "t1", 10, now)
	assert.NoError(t, err)

	assert.NoError(t, s.CompleteJob(ctx, "t1", claimed[0].ID, []byte(`"HELLO"`)))

	progress, err := s.GetProgress(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, 1, progress.Completed)
	assert.Equal(t, 0, progress.Pending)

	got, err := s.GetTask(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, 1, got.CompletedJobs)
}

func TestCompleteJob_NotActiveRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1")
	jobs := []*store.Job{{ID: "a", TaskID: "t1", Status: store.JobPending, ScheduledAt: time.Now()}}
	assert.NoError(t, s.CreateTask(ctx, task, jobs))

	err := s.CompleteJob(ctx, "t1", "a", []byte("x"))
	if err != store.ErrJobNotActive {
		t.Fatalf("expected ErrJobNotActive, got %v", err)
	}
}

func TestFailJob_RetriesThenTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1")
	task.Retry = store.RetryConfig{MaxAttempts: 2, BaseDelayMs: 10, MaxDelayMs: 100}
	now := time.Now()
	jobs := []*store.Job{{ID: "a", TaskID: "t1", Status: store.JobPending, ScheduledAt: now}}
	assert.NoError(t, s.CreateTask(ctx, task, jobs))

	claimed, err := s.ClaimJobs(ctx, "t1", 1, now)
	assert.NoError(t, err)
	assert.NoError(t, s.FailJob(ctx, "t1", claimed[0].ID, "boom", true, 10*time.Millisecond))

	results, err := s.GetResults(ctx, "t1", store.ResultFilter{})
	assert.NoError(t, err)
	if results[0].Status != store.JobPending {
		t.Fatalf("expected job to return to pending after retryable failure, got %s", results[0].Status)
	}
	if results[0].Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", results[0].Attempts)
	}

	claimed, err = s.ClaimJobs(ctx, "t1", 1, time.Now().Add(time.Second))
	assert.NoError(t, err)
	assert.NoError(t, s.FailJob(ctx, "t1", claimed[0].ID, "boom again", true, 10*time.Millisecond))

	results, err = s.GetResults(ctx, "t1", store.ResultFilter{})
	assert.NoError(t, err)
	if results[0].Status != store.JobFailed {
		t.Fatalf("expected job to be terminally failed, got %s", results[0].Status)
	}

	got, err := s.GetTask(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, 1, got.FailedJobs)
}

func TestResetActiveJobs_CrashRecovery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1")
	now := time.Now()
	jobs := []*store.Job{
		{ID: "a", TaskID: "t1", Status: store.JobPending, ScheduledAt: now},
		{ID: "b", TaskID: "t1", Status: store.JobPending, ScheduledAt: now},
	}
	assert.NoError(t, s.CreateTask(ctx, task, jobs))

	claimed, err := s.ClaimJobs(ctx, "t1", 10, now)
	assert.NoError(t, err)
	if len(claimed) != 2 {
		t.Fatalf("expected 2 jobs claimed active, got %d", len(claimed))
	}

	reset, err := s.ResetActiveJobs(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, 2, reset)

	progress, err := s.GetProgress(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, 0, progress.Active)
	assert.Equal(t, 2, progress.Pending)
}

func TestAppendJobs_IncrementsTotal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1")
	task.SourceType = store.SourceDynamic
	now := time.Now()
	first := []*store.Job{{ID: "chunk1-a", TaskID: "t1", Status: store.JobPending, ScheduledAt: now}}
	second := []*store.Job{
		{ID: "chunk2-a", TaskID: "t1", Status: store.JobPending, ScheduledAt: now},
		{ID: "chunk2-b", TaskID: "t1", Status: store.JobPending, ScheduledAt: now},
	}
	assert.NoError(t, s.CreateTask(ctx, task, first))
	assert.NoError(t, s.AppendJobs(ctx, "t1", second))

	got, err := s.GetTask(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, 3, got.TotalJobs)
}

func TestDeleteTask_CascadesJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1")
	jobs := []*store.Job{{ID: "a", TaskID: "t1", Status: store.JobPending, ScheduledAt: time.Now()}}
	assert.NoError(t, s.CreateTask(ctx, task, jobs))

	assert.NoError(t, s.DeleteTask(ctx, "t1"))

	_, err := s.GetTask(ctx, "t1")
	if err != store.ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
