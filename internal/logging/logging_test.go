package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf, Prefix: "test"})

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below level leaked: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected warn and error lines, got %q", out)
	}
}

func TestFieldsAppear(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf}).WithComponent("bptable").WithField("cookie", 7)

	l.Info("breakpoint set")

	out := buf.String()
	if !strings.Contains(out, "component=bptable") {
		t.Errorf("component field missing: %q", out)
	}
	if !strings.Contains(out, "cookie=7") {
		t.Errorf("cookie field missing: %q", out)
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Level: LevelDebug, Output: &buf})
	_ = parent.WithField("child", true)

	parent.Info("from parent")
	if strings.Contains(buf.String(), "child=true") {
		t.Errorf("parent logger picked up child field: %q", buf.String())
	}
}

func TestFormatArgs(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf})

	l.Info("cleared %d of %d", 2, 5)
	if !strings.Contains(buf.String(), "cleared 2 of 5") {
		t.Errorf("formatting failed: %q", buf.String())
	}
}

func TestNopLoggerIsSilent(t *testing.T) {
	// Must not panic and must not write anywhere.
	Nop().Error("nothing happens")
	Nop().WithField("k", "v").Info("still nothing")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
