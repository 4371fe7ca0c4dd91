package errutils

import (
	"errors"
	"strings"
	"testing"
)

func TestMultiError_AggregatesDrainFailures(t *testing.T) {
	m := NewMultiErr(nil)
	if m.HasErrors() {
		t.Fatal("expected no errors in a fresh MultiError")
	}

	m.Add(errors.New("task t1: handler still running"))
	m.Add(nil) // nil must be ignored
	m.Add(errors.New("task t2: store closed"))

	if !m.HasErrors() {
		t.Fatal("expected HasErrors after Add")
	}
	if len(m.GetAll()) != 2 {
		t.Fatalf("expected 2 collected errors, got %d", len(m.GetAll()))
	}

	msg := m.Error()
	if !strings.Contains(msg, "t1") || !strings.Contains(msg, "t2") {
		t.Fatalf("expected both task errors in the message, got %q", msg)
	}
	if len(strings.Split(msg, "\n")) != 2 {
		t.Fatalf("expected one line per error, got %q", msg)
	}
}

func TestNewMultiErr_SeedsInitialError(t *testing.T) {
	seed := errors.New("seed")
	m := NewMultiErr(seed)
	if !m.HasErrors() || len(m.GetAll()) != 1 {
		t.Fatalf("expected the seed error to be collected, got %v", m.GetAll())
	}
}
