package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", scanner.Text(), err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLogger_ChildAttributes(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(&buf, LevelDebug, nil)

	root.WithRun("run-1").WithStage("test").WithTask("unit").Info("task finished", "status", "succeeded")

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	for key, want := range map[string]string{
		"msg":    "task finished",
		"run_id": "run-1",
		"stage":  "test",
		"task":   "unit",
		"status": "succeeded",
	} {
		if got, _ := e[key].(string); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelWarn, nil)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error")

	if got := len(decodeLines(t, buf.Bytes())); got != 2 {
		t.Errorf("expected 2 entries at WARN, got %d", got)
	}
}

func TestNewLogger_WritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewLogger(dir, "info")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Info("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Closing twice is a no-op.
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if entries := decodeLines(t, data); len(entries) != 1 || entries[0]["msg"] != "hello" {
		t.Errorf("unexpected log contents: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": LevelDebug,
		"WARN":  LevelWarn,
		"bogus": LevelInfo,
		"":      LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
