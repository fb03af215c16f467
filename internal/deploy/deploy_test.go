package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/stagerun/internal/credentials"
	"github.com/aristath/stagerun/internal/pipeline"
	"github.com/aristath/stagerun/internal/remote"
)

// scriptedTransport answers commands by their leading verb ("rm", "login",
// "run"). Each verb has a queue of errors; an exhausted queue succeeds.
type scriptedTransport struct {
	mu     sync.Mutex
	errs   map[string][]error
	stderr map[string]string
	calls  []remote.Command
}

func newScripted() *scriptedTransport {
	return &scriptedTransport{errs: make(map[string][]error), stderr: make(map[string]string)}
}

func (s *scriptedTransport) fail(verb string, errs ...error) *scriptedTransport {
	s.errs[verb] = append(s.errs[verb], errs...)
	return s
}

func verbOf(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func (s *scriptedTransport) Run(ctx context.Context, target remote.Target, cmd remote.Command) (remote.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, cmd)

	verb := verbOf(cmd.Line)
	if q := s.errs[verb]; len(q) > 0 {
		err := q[0]
		s.errs[verb] = q[1:]
		if err != nil {
			out := remote.Output{Stderr: s.stderr[verb], ExitCode: -1}
			if code, ok := remote.ExitCodeOf(err); ok {
				out.ExitCode = code
			}
			return out, err
		}
	}
	return remote.Output{Stdout: verb + " ok"}, nil
}

func (s *scriptedTransport) verbs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		out = append(out, verbOf(c.Line))
	}
	return out
}

func connErr() error {
	return &remote.Error{Kind: remote.KindConnection, Host: "prod:22", Err: errors.New("connection reset")}
}

func exitErr(code int) error {
	return &remote.Error{Kind: remote.KindExit, Host: "prod:22", ExitCode: code}
}

var fastRetry = RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  200 * time.Millisecond,
	Multiplier:      2,
}

func newTask(tr remote.Transport) *Task {
	return &Task{
		Transport:          tr,
		Target:             remote.Target{Host: "prod.example.com", User: "deploy"},
		SSHCredential:      "prod-ssh",
		RegistryCredential: "registry",
		Registry:           "registry.example.com",
		Container:          "app",
		Image:              "registry.example.com/app:1.4.2",
		RunArgs:            []string{"-p", "80:8080"},
		StopRetry:          fastRetry,
	}
}

func taskContext() *pipeline.TaskContext {
	return &pipeline.TaskContext{
		Stage: "deploy",
		Task:  "ship",
		Credentials: map[string]credentials.Bundle{
			"prod-ssh": credentials.NewBundle("prod-ssh", map[string]string{"password": "ssh-pw"}),
			"registry": credentials.NewBundle("registry", map[string]string{"username": "ci-bot", "password": "hunter2"}),
		},
	}
}

func TestRun_Success(t *testing.T) {
	tr := newScripted()
	res, err := newTask(tr).Run(context.Background(), taskContext())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Status != pipeline.TaskSucceeded {
		t.Errorf("expected succeeded, got %s", res.Status)
	}

	want := []string{"rm", "login", "run"}
	if got := tr.verbs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected steps %v, got %v", want, got)
	}
	launch := tr.calls[2].Line
	if launch != "docker run -d --name app -p 80:8080 registry.example.com/app:1.4.2" {
		t.Errorf("unexpected launch command %q", launch)
	}
}

func TestRun_StopFailureDoesNotBlockLaunch(t *testing.T) {
	tests := []struct {
		name      string
		stopErrs  []error
		wantStops int
	}{
		{name: "no such instance", stopErrs: []error{exitErr(1)}, wantStops: 1},
		{name: "transient connection error", stopErrs: []error{connErr(), connErr()}, wantStops: 3},
		{name: "host keeps dropping", stopErrs: repeat(connErr(), 1000), wantStops: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newScripted().fail("rm", tt.stopErrs...)
			tr.stderr["rm"] = "Error: No such container: app"

			res, err := newTask(tr).Run(context.Background(), taskContext())
			if err != nil {
				t.Fatalf("expected deploy to succeed, got %v", err)
			}
			if res.Status != pipeline.TaskSucceeded {
				t.Errorf("expected succeeded, got %s", res.Status)
			}

			verbs := tr.verbs()
			if verbs[len(verbs)-1] != "run" {
				t.Errorf("expected launch to be attempted last, got %v", verbs)
			}
			stops := 0
			for _, v := range verbs {
				if v == "rm" {
					stops++
				}
			}
			if tt.wantStops > 0 && stops != tt.wantStops {
				t.Errorf("expected %d stop attempts, got %d", tt.wantStops, stops)
			}
			if tt.wantStops < 0 && stops < 2 {
				t.Errorf("expected stop to be retried, got %d attempts", stops)
			}
		})
	}
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func TestRun_FailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		verb      string
		err       error
		wantKind  pipeline.ErrorKind
		wantSteps []string
	}{
		{name: "registry login rejected", verb: "login", err: exitErr(1), wantKind: pipeline.KindAuthError, wantSteps: []string{"rm", "login"}},
		{name: "launch fails", verb: "run", err: exitErr(125), wantKind: pipeline.KindLaunchError, wantSteps: []string{"rm", "login", "run"}},
		{name: "host unreachable at launch", verb: "run", err: connErr(), wantKind: pipeline.KindTransportError, wantSteps: []string{"rm", "login", "run"}},
		{name: "ssh login rejected", verb: "login", err: &remote.Error{Kind: remote.KindAuth, Host: "prod:22", Err: errors.New("unable to authenticate")}, wantKind: pipeline.KindAuthError, wantSteps: []string{"rm", "login"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newScripted().fail(tt.verb, tt.err)
			tr.stderr["run"] = "docker: Error response from daemon: pull access denied"

			res, err := newTask(tr).Run(context.Background(), taskContext())
			if res.Status != pipeline.TaskFailed {
				t.Errorf("expected failed, got %s", res.Status)
			}
			if got := pipeline.KindOf(err); got != tt.wantKind {
				t.Errorf("expected kind %s, got %s (%v)", tt.wantKind, got, err)
			}
			if got := tr.verbs(); strings.Join(got, ",") != strings.Join(tt.wantSteps, ",") {
				t.Errorf("expected steps %v, got %v", tt.wantSteps, got)
			}
		})
	}
}

func TestRun_LaunchDetailIncludesStderr(t *testing.T) {
	tr := newScripted().fail("run", exitErr(125))
	tr.stderr["run"] = "pull access denied"

	_, err := newTask(tr).Run(context.Background(), taskContext())
	detail := pipeline.DetailOf(err)
	if !strings.Contains(detail, "exit status 125") || !strings.Contains(detail, "pull access denied") {
		t.Errorf("unexpected detail %q", detail)
	}
}

func TestRun_PasswordOnlyOnStdin(t *testing.T) {
	tr := newScripted()
	res, err := newTask(tr).Run(context.Background(), taskContext())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var login remote.Command
	for _, c := range tr.calls {
		if strings.Contains(c.Line, "hunter2") {
			t.Errorf("password leaked into command line %q", c.Line)
		}
		if verbOf(c.Line) == "login" {
			login = c
		}
	}
	if string(login.Stdin) != "hunter2" {
		t.Errorf("expected password on stdin, got %q", login.Stdin)
	}
	if !strings.Contains(login.Line, "--password-stdin") || !strings.Contains(login.Line, "ci-bot") {
		t.Errorf("unexpected login command %q", login.Line)
	}
	if strings.Contains(res.Logs, "hunter2") {
		t.Error("password leaked into task logs")
	}
}

func TestRun_MissingCredentials(t *testing.T) {
	tr := newScripted()
	tc := taskContext()
	delete(tc.Credentials, "prod-ssh")

	_, err := newTask(tr).Run(context.Background(), tc)
	if pipeline.KindOf(err) != pipeline.KindAuthError {
		t.Errorf("expected auth error, got %v", err)
	}
	if len(tr.calls) != 0 {
		t.Errorf("expected no remote commands, got %d", len(tr.calls))
	}
}

func TestRun_NoRegistryLogin(t *testing.T) {
	tr := newScripted()
	task := newTask(tr)
	task.RegistryCredential = ""

	if _, err := task.Run(context.Background(), taskContext()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := tr.verbs(); strings.Join(got, ",") != "rm,run" {
		t.Errorf("expected login to be skipped, got %v", got)
	}
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"app":                 "app",
		"registry.io/app:1.2": "registry.io/app:1.2",
		"it's":                `'it'\''s'`,
		"a b":                 "'a b'",
		"":                    "''",
		"$(rm -rf /)":         "'$(rm -rf /)'",
	}
	for in, want := range tests {
		if got := quote(in); got != want {
			t.Errorf("quote(%q) = %q, want %q", in, got, want)
		}
	}
}
