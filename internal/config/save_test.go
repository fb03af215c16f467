package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.yaml")

	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	cfg.Concurrency = 3
	cfg.DefaultStageTimeout = 90 * time.Second
	cfg.SSH.KnownHosts = "/etc/ssh/known_hosts"
	cfg.Deploy.Transport = "local"
	cfg.Deploy.StopMaxElapsed = 12 * time.Second

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	if !strings.Contains(string(data), "default_stage_timeout: 1m30s") {
		t.Errorf("expected durations written as strings, got:\n%s", data)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip mismatch:\nsaved  %+v\nloaded %+v", cfg, loaded)
	}
}

func TestSave_UnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := Save(DefaultConfig(), filepath.Join(blocker, "config.yaml")); err == nil {
		t.Error("expected error when parent is a file")
	}
}
