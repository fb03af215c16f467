// Package shell runs pipeline tasks and hooks as shell commands.
package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aristath/stagerun/internal/logging"
	"github.com/aristath/stagerun/internal/pipeline"
)

// DefaultShell interprets Command.
const DefaultShell = "sh"

// ResultEnv is set for hook commands to the run's final result.
const ResultEnv = "STAGERUN_RESULT"

// Task runs Command with `sh -c`. The subprocess sees the orchestrator's own
// environment with the task environment layered on top.
type Task struct {
	Command string
	Dir     string            // Working directory; empty means the current one
	Shell   string            // Defaults to DefaultShell
	Outputs map[string]string // Artifact name -> path, relative to Dir

	// Env is the run environment given to hook commands. Tasks get theirs
	// from the TaskContext instead.
	Env pipeline.Environment

	// KillOnTimeout kills the process group when the task context ends.
	// Without it a stage timeout is advisory and the command runs to
	// completion.
	KillOnTimeout bool

	Processes *ProcessManager // Optional; tracks children for shutdown
}

// Run implements pipeline.Runner.
func (t *Task) Run(ctx context.Context, tc *pipeline.TaskContext) (pipeline.TaskResult, error) {
	log := tc.Logger
	if log == nil {
		log = logging.NopLogger()
	}

	cmd := t.command(tc.Env.Environ())
	log.Debug("running command", "command", t.Command, "dir", t.Dir)

	out, err := execute(ctx, cmd, t.Processes, t.KillOnTimeout)
	logs := combine(out)
	if err != nil {
		return pipeline.TaskResult{Status: pipeline.TaskFailed, Logs: logs}, t.classify(out, err)
	}

	return pipeline.TaskResult{
		Status:    pipeline.TaskSucceeded,
		Logs:      logs,
		Artifacts: t.collectOutputs(log),
	}, nil
}

// Hook returns a hook action running Command with ResultEnv set.
func (t *Task) Hook() pipeline.HookFunc {
	return func(ctx context.Context, state pipeline.StateView) error {
		env := append(t.Env.Environ(), ResultEnv+"="+state.Result().String())
		cmd := t.command(env)
		out, err := execute(ctx, cmd, t.Processes, t.KillOnTimeout)
		if err != nil {
			return t.classify(out, err)
		}
		return nil
	}
}

func (t *Task) command(env []string) *exec.Cmd {
	sh := t.Shell
	if sh == "" {
		sh = DefaultShell
	}
	cmd := newCommand(sh, "-c", t.Command)
	cmd.Dir = t.Dir
	cmd.Env = append(os.Environ(), env...)
	return cmd
}

// classify turns a failed execution into a pipeline failure.
func (t *Task) classify(out outcome, err error) error {
	if out.killed {
		return pipeline.NewFailure(pipeline.KindTimeout, "command killed after deadline", err)
	}
	code := exitCode(err)
	if code < 0 {
		return pipeline.NewFailure(pipeline.KindTaskFailed, "command did not run", err)
	}
	detail := fmt.Sprintf("exit status %d", code)
	if line := lastLine(out.stderr); line != "" {
		detail += ": " + line
	}
	return pipeline.Failuref(pipeline.KindTaskFailed, "%s", detail)
}

// collectOutputs returns artifacts for declared outputs that exist.
func (t *Task) collectOutputs(log *logging.Logger) []pipeline.Artifact {
	names := make([]string, 0, len(t.Outputs))
	for name := range t.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var arts []pipeline.Artifact
	for _, name := range names {
		path := t.Outputs[name]
		if !filepath.IsAbs(path) && t.Dir != "" {
			path = filepath.Join(t.Dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			log.Warn("declared output not produced", "artifact", name, "path", path)
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		arts = append(arts, pipeline.Artifact{Name: name, Location: path})
	}
	return arts
}

func combine(out outcome) string {
	if len(out.stderr) == 0 {
		return string(out.stdout)
	}
	if len(out.stdout) == 0 {
		return string(out.stderr)
	}
	return string(out.stdout) + "\n--- stderr ---\n" + string(out.stderr)
}

func lastLine(b []byte) string {
	s := strings.TrimRight(string(b), "\n\r\t ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
