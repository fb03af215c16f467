// Package deploy replaces a running container on a remote host: stop the
// prior instance, log in to the registry, launch the new image.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/stagerun/internal/logging"
	"github.com/aristath/stagerun/internal/pipeline"
	"github.com/aristath/stagerun/internal/remote"
)

// RetryConfig configures exponential backoff for the stop step.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the default stop retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		Multiplier:      2.0,
	}
}

// Task deploys Image as Container on Target. It implements pipeline.Runner.
type Task struct {
	Transport remote.Transport
	Target    remote.Target // Credential is filled from SSHCredential at run time

	SSHCredential      string // Task credential holding the SSH key or password
	RegistryCredential string // Task credential with "username" and "password"; empty skips login
	Registry           string // Registry host for login; empty means the engine default

	Container string
	Image     string
	RunArgs   []string // Extra `run` arguments such as "-p", "80:8080"
	Engine    string   // Container CLI on the host, default "docker"

	StopRetry RetryConfig
}

// Run implements pipeline.Runner.
func (t *Task) Run(ctx context.Context, tc *pipeline.TaskContext) (pipeline.TaskResult, error) {
	log := tc.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	log = log.With("host", t.Target.Host, "container", t.Container)

	if t.Transport == nil {
		return failed(""), pipeline.Failuref(pipeline.KindTransportError, "no remote transport configured")
	}

	target := t.Target
	if t.SSHCredential != "" {
		b, ok := tc.Credential(t.SSHCredential)
		if !ok {
			return failed(""), pipeline.Failuref(pipeline.KindAuthError, "ssh credential %q not resolved", t.SSHCredential)
		}
		target.Credential = b
	}

	var transcript strings.Builder

	t.stop(ctx, target, &transcript, log)

	if err := t.login(ctx, tc, target, &transcript, log); err != nil {
		return failed(transcript.String()), err
	}

	if err := t.launch(ctx, target, &transcript, log); err != nil {
		return failed(transcript.String()), err
	}

	log.Info("deployed", "image", t.Image)
	return pipeline.Succeeded(transcript.String()), nil
}

func failed(logs string) pipeline.TaskResult {
	return pipeline.TaskResult{Status: pipeline.TaskFailed, Logs: logs}
}

func (t *Task) engine() string {
	if t.Engine == "" {
		return "docker"
	}
	return t.Engine
}

// stop removes the prior instance. Connection errors are retried with
// backoff; a non-zero exit (nothing to stop) is not retried. Whatever the
// outcome, the launch still goes ahead.
func (t *Task) stop(ctx context.Context, target remote.Target, transcript *strings.Builder, log *logging.Logger) {
	cmd := remote.Command{Line: fmt.Sprintf("%s rm -f %s", t.engine(), quote(t.Container))}

	attempts := 0
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++
		out, err := t.Transport.Run(ctx, target, cmd)
		record(transcript, cmd, out)
		if err == nil {
			return nil
		}
		if remote.IsConnection(err) && ctx.Err() == nil {
			log.Debug("stop attempt failed, retrying", "attempt", attempts, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	cfg := t.StopRetry
	if cfg == (RetryConfig{}) {
		cfg = DefaultRetryConfig()
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	switch {
	case err == nil:
		log.Info("stopped prior instance")
	case isExit(err):
		log.Info("no prior instance stopped", "error", err)
	default:
		log.Warn("stop failed, launching anyway", "attempts", attempts, "error", err)
	}
}

func (t *Task) login(ctx context.Context, tc *pipeline.TaskContext, target remote.Target, transcript *strings.Builder, log *logging.Logger) error {
	if t.RegistryCredential == "" {
		return nil
	}
	b, ok := tc.Credential(t.RegistryCredential)
	if !ok {
		return pipeline.Failuref(pipeline.KindAuthError, "registry credential %q not resolved", t.RegistryCredential)
	}

	line := fmt.Sprintf("%s login --username %s --password-stdin", t.engine(), quote(b.Field("username")))
	if t.Registry != "" {
		line += " " + quote(t.Registry)
	}
	cmd := remote.Command{Line: line, Stdin: []byte(b.Field("password"))}

	out, err := t.Transport.Run(ctx, target, cmd)
	record(transcript, cmd, out)
	if err != nil {
		log.Warn("registry login failed", "error", err)
		return classify(err, pipeline.KindAuthError, "registry login rejected", out)
	}
	return nil
}

func (t *Task) launch(ctx context.Context, target remote.Target, transcript *strings.Builder, log *logging.Logger) error {
	args := []string{t.engine(), "run", "-d", "--name", quote(t.Container)}
	for _, a := range t.RunArgs {
		args = append(args, quote(a))
	}
	args = append(args, quote(t.Image))
	cmd := remote.Command{Line: strings.Join(args, " ")}

	out, err := t.Transport.Run(ctx, target, cmd)
	record(transcript, cmd, out)
	if err != nil {
		log.Warn("launch failed", "error", err)
		return classify(err, pipeline.KindLaunchError, "launch of "+t.Image+" failed", out)
	}
	return nil
}

// classify maps a transport error onto the pipeline failure kinds. exitKind
// is used when the command ran and exited non-zero.
func classify(err error, exitKind pipeline.ErrorKind, what string, out remote.Output) error {
	switch {
	case remote.IsAuth(err):
		return pipeline.NewFailure(pipeline.KindAuthError, "ssh login rejected", err)
	case remote.IsConnection(err):
		return pipeline.NewFailure(pipeline.KindTransportError, "host unreachable", err)
	}
	detail := what
	if code, ok := remote.ExitCodeOf(err); ok {
		detail = fmt.Sprintf("%s (exit status %d)", what, code)
	}
	if msg := strings.TrimSpace(out.Stderr); msg != "" {
		detail += ": " + msg
	}
	return pipeline.Failuref(exitKind, "%s", detail)
}

func isExit(err error) bool {
	_, ok := remote.ExitCodeOf(err)
	return ok
}

// record appends a command and its output to the transcript. Stdin is
// never recorded.
func record(w *strings.Builder, cmd remote.Command, out remote.Output) {
	fmt.Fprintf(w, "$ %s\n", cmd.Line)
	if out.Stdout != "" {
		w.WriteString(strings.TrimRight(out.Stdout, "\n") + "\n")
	}
	if out.Stderr != "" {
		w.WriteString(strings.TrimRight(out.Stderr, "\n") + "\n")
	}
}

// quote single-quotes s for a POSIX shell.
func quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
