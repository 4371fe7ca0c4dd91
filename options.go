package taskhub

import (
	"fmt"
	"time"

	"go.taskhub.dev/taskhub/lifecycle"
	"go.taskhub.dev/taskhub/store"
)

// CreateTaskOption configures a Task at CreateTask time.
type CreateTaskOption func(*createTaskConfig)

type createTaskConfig struct {
	concurrency          store.ConcurrencyConfig
	retry                store.RetryConfig
	timeoutMs            int64
	failTaskOnJobFailure bool
	constants            ConcurrencyConstants
}

func defaultCreateTaskConfig() createTaskConfig {
	return createTaskConfig{
		concurrency: store.DefaultConcurrencyConfig(),
		retry:       store.DefaultRetryConfig(),
		constants:   DefaultConcurrencyConstants(),
	}
}

func (c createTaskConfig) validate() error {
	cc := c.concurrency
	if cc.Min < 1 || cc.Initial < cc.Min || cc.Max < cc.Initial {
		return fmt.Errorf("taskhub: invalid concurrency config %+v: require 1<=min<=initial<=max", cc)
	}
	rc := c.retry
	if rc.MaxAttempts < 1 || rc.BaseDelayMs < 0 || rc.MaxDelayMs < rc.BaseDelayMs {
		return fmt.Errorf("taskhub: invalid retry config %+v: require maxAttempts>=1 and 0<=baseDelayMs<=maxDelayMs", rc)
	}
	return nil
}

// WithConcurrency overrides the Task's AIMD bounds and initial ceiling.
func WithConcurrency(cfg store.ConcurrencyConfig) CreateTaskOption {
	return func(c *createTaskConfig) { c.concurrency = cfg }
}

// WithRetry overrides the Task's retry budget and back-off bounds.
func WithRetry(cfg store.RetryConfig) CreateTaskOption {
	return func(c *createTaskConfig) { c.retry = cfg }
}

// WithTimeout bounds each job invocation; zero (the default) means no
// per-job deadline.
func WithTimeout(d time.Duration) CreateTaskOption {
	return func(c *createTaskConfig) {
		if d > 0 {
			c.timeoutMs = d.Milliseconds()
		}
	}
}

// WithFailTaskOnJobFailure controls task-level terminal status: when true, a
// Task with any terminally-failed job reports TaskFailed instead of
// TaskCompleted once every job has settled. Defaults to false.
func WithFailTaskOnJobFailure(fail bool) CreateTaskOption {
	return func(c *createTaskConfig) { c.failTaskOnJobFailure = fail }
}

// WithConcurrencyConstants overrides the AIMD tuning constants for this
// Task; defaults to DefaultConcurrencyConstants.
func WithConcurrencyConstants(cst ConcurrencyConstants) CreateTaskOption {
	return func(c *createTaskConfig) { c.constants = cst }
}

// HubOption configures a Hub at OpenHub time.
type HubOption func(*Hub)

// WithComponentManager swaps the lifecycle.ComponentManager a Hub registers
// its running schedulers with. Defaults to lifecycle.NewSimpleComponentManager().
func WithComponentManager(cm lifecycle.ComponentManager) HubOption {
	return func(h *Hub) { h.components = cm }
}
