package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

// newTestLogger builds a logger writing into the returned buffer.
func newTestLogger(level Level, format Format) (*logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return &logger{
		level:  level,
		format: format,
		output: buf,
		fields: make(map[string]interface{}),
		mu:     &sync.Mutex{},
	}, buf
}

func TestParseLevel(t *testing.T) {
	tt := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tc := range tt {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newTestLogger(LevelWarn, FormatText)

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept too")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("low-level messages must be filtered, got %q", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "kept too") {
		t.Fatalf("high-level messages missing, got %q", out)
	}
}

func TestTextFormatFields(t *testing.T) {
	l, buf := newTestLogger(LevelInfo, FormatText)

	l.Info("partition recovered", "partition", 3, "commitIndex", 7)

	out := buf.String()
	if !strings.Contains(out, "[info] partition recovered") {
		t.Fatalf("unexpected output %q", out)
	}
	if !strings.Contains(out, "partition=3") || !strings.Contains(out, "commitIndex=7") {
		t.Fatalf("fields missing in %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	l, buf := newTestLogger(LevelInfo, FormatJSON)

	l.WithSource("raft").WithFields("partition", 0).Info("became leader", "term", 4)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry["msg"] != "became leader" || entry["source"] != "raft" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["term"] != float64(4) || entry["partition"] != float64(0) {
		t.Fatalf("fields missing in %v", entry)
	}
}

func TestWithSourceDoesNotMutateParent(t *testing.T) {
	l, buf := newTestLogger(LevelInfo, FormatText)

	child := l.WithSource("wal")
	child.Info("from child")
	l.Info("from parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "source=wal") {
		t.Fatalf("child line missing source: %q", lines[0])
	}
	if strings.Contains(lines[1], "source=") {
		t.Fatalf("parent line must not carry the child source: %q", lines[1])
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	// Must not panic and stays a nop through derivation
	l.WithSource("x").WithFields("k", "v").Info("ignored")
}
