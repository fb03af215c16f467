package engine

import (
	"time"

	"github.com/aristath/stagerun/internal/pipeline"
)

// Skip reasons recorded on skipped stages.
const (
	SkipReasonGuard   = "guard"
	SkipReasonAborted = "aborted"
)

// TaskOutcome is the recorded result of one task invocation.
type TaskOutcome struct {
	Name       string              `json:"name"`
	Status     pipeline.TaskStatus `json:"status"`
	Kind       pipeline.ErrorKind  `json:"kind,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	Diagnostic string              `json:"diagnostic,omitempty"` // Stack of a panicking task
	StartedAt  time.Time           `json:"started_at"`
	Duration   time.Duration       `json:"duration"`
	Artifacts  []pipeline.Artifact `json:"artifacts,omitempty"`
	Logs       string              `json:"logs,omitempty"`
}

// StageOutcome is the recorded result of one stage. Tasks lists only the
// tasks that actually ran, in declared order.
type StageOutcome struct {
	Name       string                  `json:"name"`
	Mode       pipeline.Mode           `json:"mode"`
	Status     pipeline.StageStatus    `json:"status"`
	SkipReason string                  `json:"skip_reason,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Duration   time.Duration           `json:"duration"`
	Tasks      []TaskOutcome           `json:"tasks,omitempty"`
	Failure    *pipeline.FailureRecord `json:"failure,omitempty"`
}

// Task returns the outcome of the named task, if it ran.
func (s StageOutcome) Task(name string) (TaskOutcome, bool) {
	for _, t := range s.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskOutcome{}, false
}

// HookOutcome records one hook invocation.
type HookOutcome struct {
	Name    string                  `json:"name"`
	Trigger string                  `json:"trigger"`
	Fault   *pipeline.FailureRecord `json:"fault,omitempty"`
}

// RunReport is the finalized summary of a run. It is built during Execute
// and never modified after Execute returns.
type RunReport struct {
	RunID      string                  `json:"run_id"`
	Pipeline   string                  `json:"pipeline"`
	Result     pipeline.Result         `json:"result"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Duration   time.Duration           `json:"duration"`
	Stages     []StageOutcome          `json:"stages"`
	Artifacts  map[string]string       `json:"artifacts"`
	Hooks      []HookOutcome           `json:"hooks"`
	Failure    *pipeline.FailureRecord `json:"failure,omitempty"`
}

// ExitCode is 0 iff the run succeeded.
func (r *RunReport) ExitCode() int {
	if r.Result == pipeline.ResultSuccess {
		return 0
	}
	return 1
}

// Succeeded reports whether the final result is success.
func (r *RunReport) Succeeded() bool {
	return r.Result == pipeline.ResultSuccess
}

// Stage returns the outcome for the named stage.
func (r *RunReport) Stage(name string) (StageOutcome, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageOutcome{}, false
}

// HookFaults returns the hook invocations that returned an error or panicked.
func (r *RunReport) HookFaults() []HookOutcome {
	var out []HookOutcome
	for _, h := range r.Hooks {
		if h.Fault != nil {
			out = append(out, h)
		}
	}
	return out
}

// Counts tallies stage statuses, e.g. for a one-line summary.
func (r *RunReport) Counts() map[pipeline.StageStatus]int {
	counts := make(map[pipeline.StageStatus]int)
	for _, s := range r.Stages {
		counts[s.Status]++
	}
	return counts
}
