package pipeline

import (
	"encoding/json"
	"fmt"
)

// StageStatus represents the current state of a stage.
type StageStatus int

const (
	StagePending   StageStatus = iota // Not yet reached
	StageSkipped                      // Guard evaluated false, or run aborted before reaching it
	StageRunning                      // Tasks dispatched
	StageSucceeded                    // All tasks succeeded
	StageFailed                       // At least one task failed
)

var stageStatusNames = map[StageStatus]string{
	StagePending:   "pending",
	StageSkipped:   "skipped",
	StageRunning:   "running",
	StageSucceeded: "succeeded",
	StageFailed:    "failed",
}

func (s StageStatus) String() string {
	if name, ok := stageStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StageStatus(%d)", int(s))
}

// Terminal reports whether the stage has resolved.
func (s StageStatus) Terminal() bool {
	return s == StageSkipped || s == StageSucceeded || s == StageFailed
}

// CanTransition reports whether moving from s to next is allowed.
// Statuses move pending -> (skipped | running -> (succeeded | failed)) and are never revisited.
func (s StageStatus) CanTransition(next StageStatus) bool {
	switch s {
	case StagePending:
		return next == StageSkipped || next == StageRunning
	case StageRunning:
		return next == StageSucceeded || next == StageFailed
	default:
		return false
	}
}

func (s StageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *StageStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for status, n := range stageStatusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown stage status %q", name)
}

// TaskStatus is the outcome reported by a single task.
type TaskStatus int

const (
	TaskSucceeded TaskStatus = iota
	TaskFailed
)

func (s TaskStatus) String() string {
	if s == TaskSucceeded {
		return "succeeded"
	}
	return "failed"
}

func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "succeeded":
		*s = TaskSucceeded
	case "failed":
		*s = TaskFailed
	default:
		return fmt.Errorf("unknown task status %q", name)
	}
	return nil
}

// Result is the aggregate status of a run so far.
type Result int

const (
	ResultUnknown Result = iota // No stage has resolved yet
	ResultSuccess
	ResultFailure
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Worsen folds a stage outcome into the aggregate result.
// Once a run has failed it never recovers.
func (r Result) Worsen(stage StageStatus) Result {
	switch {
	case r == ResultFailure:
		return ResultFailure
	case stage == StageFailed:
		return ResultFailure
	case stage == StageSucceeded:
		return ResultSuccess
	default:
		return r
	}
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseResult(name)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseResult is the inverse of Result.String.
func ParseResult(name string) (Result, error) {
	switch name {
	case "success":
		return ResultSuccess, nil
	case "failure":
		return ResultFailure, nil
	case "unknown":
		return ResultUnknown, nil
	}
	return ResultUnknown, fmt.Errorf("unknown result %q", name)
}

// Mode determines how a stage dispatches its tasks.
type Mode int

const (
	Sequential Mode = iota // One at a time, first failure stops the stage
	Parallel               // All at once, wait for every sibling
)

func (m Mode) String() string {
	if m == Parallel {
		return "parallel"
	}
	return "sequential"
}

// ParseMode converts a definition string into a Mode. Empty means sequential.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "sequential":
		return Sequential, nil
	case "parallel":
		return Parallel, nil
	default:
		return Sequential, fmt.Errorf("unknown stage mode %q", s)
	}
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	mode, err := ParseMode(name)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
