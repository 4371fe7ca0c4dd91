package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a map-backed JobStore adapted from the
// single-instance storage idiom: one RWMutex guarding plain maps, with
// every read and write operating on a defensive copy so callers can never
// mutate stored state out from under the store. It does not survive
// process restarts; pair it with a durable backend (sqlstore) for that.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	jobs  map[string]map[string]*Job // taskID -> jobID -> job
	order map[string][]string        // taskID -> job IDs in insertion order
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks: make(map[string]*Task),
		jobs:  make(map[string]map[string]*Job),
		order: make(map[string][]string),
	}
}

func cloneTask(t *Task) *Task {
	cp := *t
	return &cp
}

func cloneJob(j *Job) *Job {
	cp := *j
	cp.Input = append([]byte(nil), j.Input...)
	cp.Output = append([]byte(nil), j.Output...)
	return &cp
}

func (s *InMemoryStore) CreateTask(_ context.Context, task *Task, jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return ErrTaskAlreadyExists
	}

	taskCp := cloneTask(task)
	taskCp.TotalJobs = len(jobs)
	taskCp.CompletedJobs = 0
	taskCp.FailedJobs = 0
	s.tasks[task.ID] = taskCp

	jobMap := make(map[string]*Job, len(jobs))
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		cp := cloneJob(j)
		cp.TaskID = task.ID
		jobMap[j.ID] = cp
		ids = append(ids, j.ID)
	}
	s.jobs[task.ID] = jobMap
	s.order[task.ID] = ids
	return nil
}

func (s *InMemoryStore) AppendJobs(_ context.Context, taskID string, jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}

	jobMap := s.jobs[taskID]
	for _, j := range jobs {
		cp := cloneJob(j)
		cp.TaskID = taskID
		jobMap[j.ID] = cp
		s.order[taskID] = append(s.order[taskID], j.ID)
	}
	task.TotalJobs += len(jobs)
	return nil
}

func (s *InMemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (s *InMemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.SourceType != "" && task.SourceType != filter.SourceType {
			continue
		}
		result = append(result, cloneTask(task))
	}
	return result, nil
}

func (s *InMemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; !exists {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	delete(s.jobs, id)
	delete(s.order, id)
	return nil
}

// ClaimJobs returns up to limit pending jobs due at or before now, ordered
// by ScheduledAt then insertion order, atomically flipped to active.
func (s *InMemoryStore) ClaimJobs(_ context.Context, taskID string, limit int, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobMap, exists := s.jobs[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}

	ids := s.order[taskID]
	candidates := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j := jobMap[id]
		if j.Status == JobPending && !j.ScheduledAt.After(now) {
			candidates = append(candidates, j)
		}
	}

	sort.SliceStable(candidates, func(i, k int) bool {
		return candidates[i].ScheduledAt.Before(candidates[k].ScheduledAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*Job, 0, len(candidates))
	for _, j := range candidates {
		j.Status = JobActive
		j.UpdatedAt = now
		claimed = append(claimed, cloneJob(j))
	}
	return claimed, nil
}

func (s *InMemoryStore) CompleteJob(_ context.Context, taskID, jobID string, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, job, err := s.lookup(taskID, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobActive {
		return ErrJobNotActive
	}

	job.Status = JobCompleted
	job.Output = append([]byte(nil), output...)
	job.LastError = ""
	job.UpdatedAt = time.Now()
	task.CompletedJobs++
	return nil
}

func (s *InMemoryStore) FailJob(_ context.Context, taskID, jobID string, failErr string, retryable bool, nextDelay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, job, err := s.lookup(taskID, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobActive {
		return ErrJobNotActive
	}

	now := time.Now()
	job.Attempts++
	job.LastError = failErr
	job.UpdatedAt = now

	willRetry := retryable && job.Attempts < task.Retry.MaxAttempts
	if willRetry {
		job.Status = JobPending
		job.ScheduledAt = now.Add(nextDelay)
	} else {
		job.Status = JobFailed
		task.FailedJobs++
	}
	return nil
}

func (s *InMemoryStore) ResetActiveJobs(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobMap, exists := s.jobs[taskID]
	if !exists {
		return 0, ErrTaskNotFound
	}

	now := time.Now()
	count := 0
	for _, j := range jobMap {
		if j.Status == JobActive {
			j.Status = JobPending
			j.ScheduledAt = now
			j.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) ResetFailedJobs(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return 0, ErrTaskNotFound
	}
	jobMap := s.jobs[taskID]

	now := time.Now()
	count := 0
	for _, j := range jobMap {
		if j.Status == JobFailed {
			j.Status = JobPending
			j.Attempts = 0
			j.ScheduledAt = now
			j.UpdatedAt = now
			count++
		}
	}
	task.FailedJobs -= count
	return count, nil
}

func (s *InMemoryStore) GetProgress(_ context.Context, taskID string) (Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobMap, exists := s.jobs[taskID]
	if !exists {
		return Progress{}, ErrTaskNotFound
	}

	var p Progress
	for _, j := range jobMap {
		p.Total++
		switch j.Status {
		case JobPending:
			p.Pending++
		case JobActive:
			p.Active++
		case JobCompleted:
			p.Completed++
		case JobFailed:
			p.Failed++
		}
	}
	return p, nil
}

func (s *InMemoryStore) GetResults(_ context.Context, taskID string, filter ResultFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobMap, exists := s.jobs[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}

	ids := s.order[taskID]
	result := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j := jobMap[id]
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		result = append(result, cloneJob(j))
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *InMemoryStore) SetTaskStatus(_ context.Context, taskID string, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) lookup(taskID, jobID string) (*Task, *Job, error) {
	task, exists := s.tasks[taskID]
	if !exists {
		return nil, nil, ErrTaskNotFound
	}
	job, exists := s.jobs[taskID][jobID]
	if !exists {
		return nil, nil, ErrJobNotActive
	}
	return task, job, nil
}

var _ JobStore = (*InMemoryStore)(nil)
