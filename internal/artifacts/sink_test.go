package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirSink_Put(t *testing.T) {
	base := t.TempDir()
	sink := NewDirSink(base)

	loc, err := sink.Put(context.Background(), "logs/test/unit.log", strings.NewReader("ok\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	want := filepath.Join(base, "logs", "test", "unit.log")
	if loc != want {
		t.Errorf("location = %q, want %q", loc, want)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if string(data) != "ok\n" {
		t.Errorf("content = %q", data)
	}
}

func TestDirSink_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewDirSink(t.TempDir()).Put(ctx, "x", strings.NewReader("")); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestSafePath(t *testing.T) {
	tests := map[string]string{
		"logs/build/compile.log": filepath.Join("logs", "build", "compile.log"),
		"../../etc/passwd":       filepath.Join("etc", "passwd"),
		"a b/c$d":                filepath.Join("ab", "cd"),
		"///":                    "artifact",
		"..":                     "artifact",
	}
	for in, want := range tests {
		if got := SafePath(in); got != want {
			t.Errorf("SafePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	loc, err := Discard{}.Put(context.Background(), "report.html", strings.NewReader("<html>"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != "discard://report.html" {
		t.Errorf("location = %q", loc)
	}
}
