package taskhub

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.taskhub.dev/taskhub/messaging"
)

// EventKind identifies the shape of an Event's Payload.
type EventKind string

const (
	// EventJobStart fires when a job is claimed and handed to the handler.
	// Payload is the store.Job about to run, in JSON-decoded form.
	EventJobStart EventKind = "job:start"
	// EventJobComplete fires on a successful handler invocation. Payload is
	// the decoded output value.
	EventJobComplete EventKind = "job:complete"
	// EventJobRetry fires when a failed job is requeued for another
	// attempt. Payload is the attempt count that just failed.
	EventJobRetry EventKind = "job:retry"
	// EventJobFailed fires when a job exhausts its retries or is classified
	// non-retryable. Payload is the handler's error message.
	EventJobFailed EventKind = "job:failed"
	// EventRateLimited fires when a job's error is classified rate-limited
	// and the concurrency controller backs off. Payload is the new
	// concurrency ceiling.
	EventRateLimited EventKind = "rate-limited"
	// EventProgress fires after every settled job with a fresh counters
	// snapshot. Payload is a map with total/pending/active/completed/
	// failed/concurrency keys.
	EventProgress EventKind = "progress"
	// EventTaskStatus fires on every Task-level status transition. Payload
	// is the new store.TaskStatus.
	EventTaskStatus EventKind = "task:status"
	// EventAll subscribes a listener to every event kind.
	EventAll EventKind = "*"
)

// Event is one notification delivered to a Task's subscribers.
type Event struct {
	Kind    EventKind
	TaskID  string
	JobID   string
	Payload interface{}
}

type subscription struct {
	kind     EventKind
	listener func(Event)
}

// eventBus fans a Task's lifecycle events out to subscribers. It rides the
// messaging package's LocalProvider pub/sub backbone the same way the rest
// of the codebase does for in-process delivery, one provider instance per
// Task keyed by a dedicated chan:// URL. LocalProvider has no way to remove
// a listener once registered, so eventBus registers exactly one dispatch
// func and layers its own removable subscription map on top to give On/Off
// real remove semantics.
type eventBus struct {
	provider *messaging.LocalProvider
	url      *url.URL

	mu     sync.RWMutex
	subs   map[string]*subscription
	nextID uint64
}

func newEventBus(taskID string) *eventBus {
	p := &messaging.LocalProvider{}
	_ = p.Setup()
	u := &url.URL{Scheme: messaging.LocalMsgScheme, Host: taskID}
	b := &eventBus{provider: p, url: u, subs: make(map[string]*subscription)}
	if err := p.AddListener(u, b.dispatch); err != nil {
		logger.WarnF("taskhub: registering event dispatch for task %s: %v", taskID, err)
	}
	return b
}

func (b *eventBus) emit(ev Event) {
	msg, err := messaging.NewLocalMessage()
	if err != nil {
		logger.WarnF("taskhub: building event message: %v", err)
		return
	}
	msg.SetStrHeader("kind", string(ev.Kind))
	msg.SetStrHeader("taskId", ev.TaskID)
	msg.SetStrHeader("jobId", ev.JobID)
	if ev.Payload != nil {
		if err := msg.WriteJSON(ev.Payload); err != nil {
			logger.WarnF("taskhub: encoding %s event payload: %v", ev.Kind, err)
			return
		}
	}
	if err := b.provider.Send(b.url, msg); err != nil && !errors.Is(err, messaging.ErrChannelFull) {
		logger.WarnF("taskhub: emitting %s event: %v", ev.Kind, err)
	}
}

func (b *eventBus) dispatch(msg messaging.Message) {
	ev := Event{
		Kind:   EventKind(headerStr(msg, "kind")),
		TaskID: headerStr(msg, "taskId"),
		JobID:  headerStr(msg, "jobId"),
	}
	if len(msg.ReadBytes()) > 0 {
		var payload interface{}
		if err := msg.ReadJSON(&payload); err == nil {
			ev.Payload = payload
		}
	}

	b.mu.RLock()
	matched := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == ev.Kind || s.kind == EventAll {
			matched = append(matched, s.listener)
		}
	}
	b.mu.RUnlock()

	for _, l := range matched {
		l(ev)
	}
}

// on registers listener for kind and returns a subscription id for Off.
func (b *eventBus) on(kind EventKind, listener func(Event)) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("%s-%d", kind, b.nextID)
	b.subs[id] = &subscription{kind: kind, listener: listener}
	return id
}

func (b *eventBus) off(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *eventBus) close() error {
	return b.provider.Close()
}

func headerStr(msg messaging.Message, key string) string {
	v, _ := msg.GetStrHeader(key)
	return v
}
