package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/stagerun/internal/credentials"
	"github.com/aristath/stagerun/internal/logging"
)

// Artifact is a named output a task attaches to the run.
type Artifact struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// TaskResult is what a task reports back to the engine.
type TaskResult struct {
	Status    TaskStatus
	Artifacts []Artifact
	Logs      string
}

// Succeeded returns a successful result carrying logs.
func Succeeded(logs string, artifacts ...Artifact) TaskResult {
	return TaskResult{Status: TaskSucceeded, Logs: logs, Artifacts: artifacts}
}

// TaskContext is everything a task can see while it runs.
type TaskContext struct {
	Stage       string
	Task        string
	Env         Environment
	State       StateView
	Credentials map[string]credentials.Bundle
	Logger      *logging.Logger
}

// Credential returns a resolved credential bundle declared by the task.
func (tc *TaskContext) Credential(name string) (credentials.Bundle, bool) {
	b, ok := tc.Credentials[name]
	return b, ok
}

// Runner executes a task. Returning a non-nil error fails the task; a
// *Failure in the chain selects the reported error kind.
type Runner interface {
	Run(ctx context.Context, tc *TaskContext) (TaskResult, error)
}

// TaskFunc adapts a plain function to Runner.
type TaskFunc func(ctx context.Context, tc *TaskContext) (TaskResult, error)

// Run implements Runner.
func (f TaskFunc) Run(ctx context.Context, tc *TaskContext) (TaskResult, error) {
	return f(ctx, tc)
}

// Noop is a task body that always succeeds trivially.
var Noop Runner = TaskFunc(func(context.Context, *TaskContext) (TaskResult, error) {
	return TaskResult{Status: TaskSucceeded}, nil
})

// Task represents a unit of work inside a stage.
type Task struct {
	Name        string            // Unique within the stage
	Runner      Runner            // nil behaves like Noop
	Inputs      []string          // Artifact names this task consumes
	Outputs     []string          // Artifact names this task may produce
	Env         map[string]string // Overrides on top of the stage environment
	Credentials []string          // Credential bundles resolved before Run
	Locks       []string          // Resources held exclusively while running
}

// Stage wraps one or more tasks behind a guard.
type Stage struct {
	Name    string            // Unique within the pipeline
	Guard   Guard             // nil means always
	Mode    Mode              // Sequential or Parallel
	Tasks   []Task            // Empty stages succeed trivially
	Env     map[string]string // Visible to this stage's tasks only
	Timeout time.Duration     // Advisory; 0 disables
}

// Trigger selects when a hook fires.
type Trigger int

const (
	TriggerAlways Trigger = iota
	TriggerSuccess
	TriggerFailure
	TriggerCleanup
)

func (t Trigger) String() string {
	switch t {
	case TriggerAlways:
		return "always"
	case TriggerSuccess:
		return "success"
	case TriggerFailure:
		return "failure"
	case TriggerCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// HookFunc is a completion-time side effect. Its error is recorded, never propagated.
type HookFunc func(ctx context.Context, state StateView) error

// Hook is a completion callback keyed by trigger.
type Hook struct {
	Name    string
	Trigger Trigger
	Action  HookFunc
}

// Pipeline is an ordered sequence of stages plus lifecycle hooks.
type Pipeline struct {
	Name   string
	Stages []Stage
	Hooks  []Hook
	Env    map[string]string // Defaults layered under the caller's initial environment
}

// HooksFor returns hooks with the given trigger in registration order.
func (p *Pipeline) HooksFor(trigger Trigger) []Hook {
	var out []Hook
	for _, h := range p.Hooks {
		if h.Trigger == trigger {
			out = append(out, h)
		}
	}
	return out
}

// Stage returns the stage with the given name.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}
