package taskhub

import (
	"context"

	"go.taskhub.dev/taskhub/lifecycle"
	"go.taskhub.dev/taskhub/store"
)

// TaskHandle is the public façade for one Task: lifecycle control, progress
// and result queries, and event subscription. It never exposes its Source's
// In/Out types — those are erased at CreateTask/ResumeTask time — so a Hub
// can hold arbitrarily many differently-typed Tasks behind this one
// concrete type.
type TaskHandle struct {
	id    string
	name  string
	hub   *Hub
	sched *jobScheduler
}

func newTaskHandle(id, name string, hub *Hub, sched *jobScheduler) *TaskHandle {
	return &TaskHandle{id: id, name: name, hub: hub, sched: sched}
}

// ID returns the Task's persistent identifier.
func (h *TaskHandle) ID() string { return h.id }

// Name returns the Task's display name as given to CreateTask.
func (h *TaskHandle) Name() string { return h.name }

// Start begins claiming and running jobs. Starting goes through the Hub's
// component manager so Hub.Close can drain this Task later; starting an
// already-running Task is a no-op.
func (h *TaskHandle) Start() error { return h.hub.components.Start(h.id) }

// Wait blocks until the Task reaches a terminal state or is stopped.
func (h *TaskHandle) Wait() error { return h.sched.Wait() }

// Pause stops further job claims without disturbing in-flight handlers.
func (h *TaskHandle) Pause() error { return h.sched.Pause() }

// Resume lifts a Pause or a Stop. A stopped Task's control loop has exited,
// so resuming one restarts it through the component manager; a merely
// paused Task's live loop is woken in place.
func (h *TaskHandle) Resume() error {
	if h.hub.components.GetState(h.id) == lifecycle.Stopped {
		return h.hub.components.Start(h.id)
	}
	return h.sched.Resume()
}

// Stop cancels in-flight handlers, requeues their jobs, and pauses the Task.
func (h *TaskHandle) Stop() error { return h.hub.components.Stop(h.id) }

// Destroy stops the Task if live and deletes all of its persisted state.
func (h *TaskHandle) Destroy() error {
	if err := h.sched.Destroy(); err != nil {
		return err
	}
	h.hub.forget(h.id)
	return nil
}

// On subscribes listener to events of kind, returning a subscription id for
// Off. EventAll subscribes to every kind.
func (h *TaskHandle) On(kind EventKind, listener func(Event)) string {
	return h.sched.events.on(kind, listener)
}

// Off removes a subscription previously returned by On.
func (h *TaskHandle) Off(subscriptionID string) {
	h.sched.events.off(subscriptionID)
}

// GetProgress returns a point-in-time counters snapshot.
func (h *TaskHandle) GetProgress() (store.Progress, error) {
	return h.sched.st.GetProgress(context.Background(), h.id)
}

// GetResults returns the Task's jobs, optionally filtered.
func (h *TaskHandle) GetResults(filter store.ResultFilter) ([]*store.Job, error) {
	return h.sched.st.GetResults(context.Background(), h.id, filter)
}

// Snapshot returns the Task's current persisted row.
func (h *TaskHandle) Snapshot() (*store.Task, error) {
	return h.sched.st.GetTask(context.Background(), h.id)
}

// Status returns the Task's current persisted status.
func (h *TaskHandle) Status() (store.TaskStatus, error) {
	t, err := h.Snapshot()
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// MerkleRoot returns the Task's content fingerprint, empty for dynamic Tasks.
func (h *TaskHandle) MerkleRoot() (string, error) {
	t, err := h.Snapshot()
	if err != nil {
		return "", err
	}
	return t.MerkleRoot, nil
}
