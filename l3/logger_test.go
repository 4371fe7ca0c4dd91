package l3

import "testing"

func TestGet_ReturnsSameLoggerPerPackage(t *testing.T) {
	a := Get()
	b := Get()
	if a != b {
		t.Fatal("expected one logger instance per calling package")
	}
}

func TestUpdateLvlFlags_GatesBySeverity(t *testing.T) {
	tests := []struct {
		level                            Level
		err, warn, info, debug, trace bool
	}{
		{Off, false, false, false, false, false},
		{Err, true, false, false, false, false},
		{Warn, true, true, false, false, false},
		{Info, true, true, true, false, false},
		{Debug, true, true, true, true, false},
		{Trace, true, true, true, true, true},
	}
	for _, tt := range tests {
		l := &BaseLogger{level: tt.level}
		if err := l.updateLvlFlags(); err != nil {
			t.Fatalf("updateLvlFlags(%v): %v", tt.level, err)
		}
		if l.errorEnabled != tt.err || l.warnEnabled != tt.warn || l.infoEnabled != tt.info ||
			l.debugEnabled != tt.debug || l.traceEnabled != tt.trace {
			t.Fatalf("level %v: unexpected flags %+v", tt.level, l)
		}
	}
}

func TestUpdateLvlFlags_RejectsInvalidLevel(t *testing.T) {
	l := &BaseLogger{level: Level(42)}
	if err := l.updateLvlFlags(); err == nil {
		t.Fatal("expected an error for an out-of-range level")
	}
}

func TestLevelString(t *testing.T) {
	s, err := Warn.String()
	if err != nil || s != "WARN" {
		t.Fatalf("expected WARN, got %q (%v)", s, err)
	}
	if _, err := Level(9).String(); err == nil {
		t.Fatal("expected an error for an invalid severity")
	}
}

func TestFormattedLoggingDoesNotPanic(t *testing.T) {
	l := Get()
	l.InfoF("crash recovery reset %d active job(s) for task %s", 2, "t1")
	l.WarnF("completeJob race on already-settled job %s", "j1")
	l.ErrorF("store error, task %s marked failed: %v", "t1", "boom")
	l.DebugF("claimed %d job(s)", 4)
}
