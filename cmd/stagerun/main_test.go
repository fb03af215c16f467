package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/stagerun/internal/config"
	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/pipeline"
)

// workspace writes a config pointing every path into a temp dir and
// returns the args prefix selecting it.
func workspace(t *testing.T) (dir string, configArgs []string) {
	t.Helper()
	dir = t.TempDir()
	cfg := "log_dir: " + filepath.Join(dir, "logs") + "\n" +
		"artifact_dir: " + filepath.Join(dir, "artifacts") + "\n" +
		"db_path: " + filepath.Join(dir, "runs.db") + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return dir, []string{"--config", path}
}

func writePipeline(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write pipeline: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

const passing = `
name: greet
stages:
  - name: build
    tasks:
      - name: check-env
        run: test "$GREETING" = hello
      - name: write
        run: echo built > out.txt
        outputs: {binary: out.txt}
  - name: publish
    when: artifact:binary
    tasks:
      - name: show
        run: cat out.txt
        inputs: [binary]
  - name: rollback
    when: failure
    tasks:
      - name: undo
        run: echo undo
`

func TestRun_Success(t *testing.T) {
	dir, cfg := workspace(t)
	path := writePipeline(t, dir, "pipeline.yaml", passing)

	code, stdout, stderr := run(t, append(cfg, "run", "-f", path, "--env", "GREETING=hello")...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "SUCCESS") {
		t.Errorf("expected success summary, got:\n%s", stdout)
	}
	if !strings.Contains(stdout, "rollback") || !strings.Contains(stdout, "guard") {
		t.Errorf("expected skipped rollback in summary, got:\n%s", stdout)
	}

	logs, err := filepath.Glob(filepath.Join(dir, "artifacts", "*", "logs", "publish", "show.log"))
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one published task log, got %v (%v)", logs, err)
	}
	data, _ := os.ReadFile(logs[0])
	if !strings.Contains(string(data), "built") {
		t.Errorf("expected task output in log, got %q", data)
	}
}

func TestRun_EnvFile(t *testing.T) {
	dir, cfg := workspace(t)
	path := writePipeline(t, dir, "pipeline.yaml", passing)
	envFile := filepath.Join(dir, "ci.env")
	if err := os.WriteFile(envFile, []byte("GREETING=hello\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if code, stdout, _ := run(t, append(cfg, "run", "-f", path, "--env-file", envFile)...); code != 0 {
		t.Errorf("expected exit 0, got %d:\n%s", code, stdout)
	}
}

func TestRun_FailureExitCode(t *testing.T) {
	dir, cfg := workspace(t)
	path := writePipeline(t, dir, "pipeline.yaml", passing)

	// GREETING unset: check-env fails, publish is skipped, rollback runs.
	code, stdout, _ := run(t, append(cfg, "run", "-f", path)...)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d:\n%s", code, stdout)
	}
	for _, want := range []string{"FAILURE", "check-env", "task_failed"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("expected %q in summary, got:\n%s", want, stdout)
		}
	}
}

func TestRun_InvalidDefinition(t *testing.T) {
	dir, cfg := workspace(t)
	path := writePipeline(t, dir, "pipeline.yaml", "stages:\n  - name: a\n    when: sometimes\n    tasks: [{name: t}]\n")

	code, _, stderr := run(t, append(cfg, "run", "-f", path)...)
	if code != 2 {
		t.Errorf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr, "sometimes") {
		t.Errorf("expected guard error on stderr, got %q", stderr)
	}
}

func TestRun_BadEnvFlag(t *testing.T) {
	dir, cfg := workspace(t)
	path := writePipeline(t, dir, "pipeline.yaml", passing)

	if code, _, stderr := run(t, append(cfg, "run", "-f", path, "--env", "NOEQUALS")...); code != 2 || !strings.Contains(stderr, "KEY=VALUE") {
		t.Errorf("expected usage error, got %d %q", code, stderr)
	}
}

func TestValidate(t *testing.T) {
	dir, cfg := workspace(t)
	good := writePipeline(t, dir, "good.yaml", passing)
	bad := writePipeline(t, dir, "bad.yaml", "stages:\n  - name: a\n    tasks: [{name: t, inputs: [ghost]}]\n")

	code, stdout, _ := run(t, append(cfg, "validate", "-f", good)...)
	if code != 0 || !strings.Contains(stdout, `"greet" is valid (3 stages, 4 tasks, 0 hooks)`) {
		t.Errorf("unexpected validate output %d %q", code, stdout)
	}

	code, _, stderr := run(t, append(cfg, "validate", "-f", bad)...)
	if code != 2 || !strings.Contains(stderr, "ghost") {
		t.Errorf("expected validation error, got %d %q", code, stderr)
	}
}

func TestRunsListAndShow(t *testing.T) {
	dir, cfg := workspace(t)
	path := writePipeline(t, dir, "pipeline.yaml", passing)

	if code, _, _ := run(t, append(cfg, "runs", "list")...); code != 0 {
		t.Fatalf("runs list on empty history failed with %d", code)
	}
	if code, _, _ := run(t, append(cfg, "run", "-f", path, "-e", "GREETING=hello")...); code != 0 {
		t.Fatalf("run failed with %d", code)
	}

	code, stdout, _ := run(t, append(cfg, "runs", "list")...)
	if code != 0 || !strings.Contains(stdout, "greet") {
		t.Fatalf("expected run in history, got %d %q", code, stdout)
	}
	runID := strings.Fields(stdout)[0]

	code, stdout, _ = run(t, append(cfg, "runs", "show", runID, "--json")...)
	if code != 0 {
		t.Fatalf("runs show failed with %d", code)
	}
	var report engine.RunReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("runs show --json is not a report: %v", err)
	}
	if report.RunID != runID || report.Result != pipeline.ResultSuccess {
		t.Errorf("unexpected report %+v", report)
	}

	if code, _, stderr := run(t, append(cfg, "runs", "show", "missing")...); code != 2 || !strings.Contains(stderr, "not found") {
		t.Errorf("expected not found, got %d %q", code, stderr)
	}
}

func TestRun_NoHistory(t *testing.T) {
	dir, cfg := workspace(t)
	path := writePipeline(t, dir, "pipeline.yaml", passing)

	if code, _, _ := run(t, append(cfg, "run", "-f", path, "-e", "GREETING=hello", "--no-history")...); code != 0 {
		t.Fatalf("run failed with %d", code)
	}
	if _, stdout, _ := run(t, append(cfg, "runs", "list")...); !strings.Contains(stdout, "no runs recorded") {
		t.Errorf("expected empty history, got %q", stdout)
	}
}

func TestRun_Progress(t *testing.T) {
	dir, cfg := workspace(t)
	path := writePipeline(t, dir, "pipeline.yaml", passing)

	_, _, stderr := run(t, append(cfg, "run", "-f", path, "-e", "GREETING=hello", "--progress")...)
	for _, want := range []string{"==> build", "<== publish succeeded", "--> rollback skipped (guard)"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("expected %q in progress output, got:\n%s", want, stderr)
		}
	}
}

func TestLoadEnvironment(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.env")
	b := filepath.Join(dir, "b.env")
	os.WriteFile(a, []byte("ONE=1\nTWO=a\n"), 0644)
	os.WriteFile(b, []byte("TWO=b\n"), 0644)

	env, err := loadEnvironment([]string{a, b}, []string{"THREE=3", "ONE=override"})
	if err != nil {
		t.Fatalf("loadEnvironment failed: %v", err)
	}
	want := map[string]string{"ONE": "override", "TWO": "b", "THREE": "3"}
	for k, v := range want {
		if got, _ := env.Get(k); got != v {
			t.Errorf("%s: expected %q, got %q", k, v, got)
		}
	}

	if _, err := loadEnvironment([]string{filepath.Join(dir, "missing.env")}, nil); err == nil {
		t.Error("expected error for missing env file")
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	code, stdout, stderr := run(t, "--config", path, "config", "init")
	if code != 0 {
		t.Fatalf("config init failed with %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, path) {
		t.Errorf("expected written path in output, got %q", stdout)
	}
	cfg, err := config.Load("", path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.APIAddr != config.DefaultConfig().APIAddr {
		t.Errorf("expected default api addr, got %q", cfg.APIAddr)
	}

	if code, _, stderr := run(t, "--config", path, "config", "init"); code != 2 || !strings.Contains(stderr, "already exists") {
		t.Errorf("expected refusal to overwrite, got %d %q", code, stderr)
	}
	if code, _, _ := run(t, "--config", path, "config", "init", "--force"); code != 0 {
		t.Errorf("expected --force to overwrite, got %d", code)
	}
}

func TestRun_CredentialsFile(t *testing.T) {
	dir, cfg := workspace(t)
	path := writePipeline(t, dir, "pipeline.yaml", `
stages:
  - name: migrate
    tasks:
      - name: schema
        run: "true"
        credentials: [db]
`)

	if code, _, _ := run(t, append(cfg, "run", "-f", path, "--no-history")...); code != 1 {
		t.Errorf("expected missing credential to fail the run, got %d", code)
	}

	creds := filepath.Join(dir, "creds.yaml")
	if err := os.WriteFile(creds, []byte("db: {username: app, password: s3cret}\n"), 0600); err != nil {
		t.Fatalf("failed to write credentials: %v", err)
	}
	code, stdout, _ := run(t, append(cfg, "run", "-f", path, "--no-history", "--credentials", creds)...)
	if code != 0 {
		t.Fatalf("expected success with credentials file, got %d", code)
	}
	if strings.Contains(stdout, "s3cret") {
		t.Error("credential value leaked into the summary")
	}

	if code, _, _ := run(t, append(cfg, "run", "-f", path, "--credentials", filepath.Join(dir, "missing.yaml"))...); code != 2 {
		t.Errorf("expected usage error for missing credentials file, got %d", code)
	}
}
