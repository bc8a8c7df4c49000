package console

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleLoggerWritesKeyvals(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Output: &buf, Prefix: "worker"})

	l.Info("[Temporal] Spike detected", "source", "s1", "z", 4.2)
	l.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "Spike detected") || !strings.Contains(out, "source=s1") {
		t.Fatalf("expected message with keyvals, got %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug line to be filtered, got %q", out)
	}
}

func TestConsoleLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Output: &buf, JSON: true, Debug: true})

	l.Debug("[Graph] Built", "nodes", 3)

	out := buf.String()
	if !strings.HasPrefix(strings.TrimSpace(out), "{") || !strings.Contains(out, `"nodes":3`) {
		t.Fatalf("expected json line, got %q", out)
	}
}
