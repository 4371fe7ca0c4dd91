package lifecycle

import (
	"errors"
	"testing"

	"go.taskhub.dev/taskhub/errutils"
)

func schedulerComponent(id string, stopErr error) *SimpleComponent {
	return &SimpleComponent{
		CompId:    id,
		StartFunc: func() error { return nil },
		StopFunc:  func() error { return stopErr },
	}
}

func TestSimpleComponent_StateTransitions(t *testing.T) {
	sc := schedulerComponent("task-1", nil)

	var seen []ComponentState
	sc.OnChange(func(_, newState ComponentState) { seen = append(seen, newState) })

	if err := sc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sc.State() != Running {
		t.Fatalf("expected Running, got %v", sc.State())
	}
	if err := sc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sc.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", sc.State())
	}

	want := []ComponentState{Starting, Running, Stopping, Stopped}
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, seen)
		}
	}
}

func TestSimpleComponent_StartErrorYieldsErrorState(t *testing.T) {
	sc := &SimpleComponent{
		CompId:    "task-bad",
		StartFunc: func() error { return errors.New("cannot open store") },
	}
	if err := sc.Start(); err == nil {
		t.Fatal("expected Start to surface the component error")
	}
	if sc.State() != Error {
		t.Fatalf("expected Error state, got %v", sc.State())
	}
}

func TestManager_RegisterAndGetState(t *testing.T) {
	m := NewSimpleComponentManager()

	m.Register(schedulerComponent("task-1", nil))
	if m.GetState("task-1") != Unknown {
		t.Fatalf("expected Unknown before start, got %v", m.GetState("task-1"))
	}
	if m.GetState("task-unregistered") != Unknown {
		t.Fatalf("expected Unknown for unregistered id")
	}

	if err := m.Start("task-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.GetState("task-1") != Running {
		t.Fatalf("expected Running, got %v", m.GetState("task-1"))
	}
	if err := m.Start("task-missing"); err != ErrCompNotFound {
		t.Fatalf("expected ErrCompNotFound, got %v", err)
	}
}

func TestManager_RegisterSameIdKeepsFirst(t *testing.T) {
	m := NewSimpleComponentManager()
	first := schedulerComponent("task-1", nil)
	m.Register(first)
	old := m.Register(schedulerComponent("task-1", nil))
	if old != first {
		t.Fatal("expected second Register of the same id to return the original component")
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected 1 registered component, got %d", len(m.List()))
	}
}

func TestManager_StopAllAggregatesErrors(t *testing.T) {
	m := NewSimpleComponentManager()

	m.Register(schedulerComponent("task-ok", nil))
	m.Register(schedulerComponent("task-bad", errors.New("handler still running")))
	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	err := m.StopAll()
	if err == nil {
		t.Fatal("expected an aggregate error from StopAll")
	}
	var multi *errutils.MultiError
	if !errors.As(err, &multi) {
		t.Fatalf("expected a MultiError, got %T", err)
	}
	if m.GetState("task-ok") != Stopped {
		t.Fatalf("expected the healthy component stopped, got %v", m.GetState("task-ok"))
	}
}

func TestManager_StopAllUnblocksWait(t *testing.T) {
	m := NewSimpleComponentManager()
	m.Register(schedulerComponent("task-1", nil))
	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	if err := m.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	<-done
}
