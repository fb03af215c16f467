package events

import (
	"time"
)

// Event is the base interface for all run events.
type Event interface {
	EventType() string
	Topic() string
	RunID() string
}

// Topic constants
const (
	TopicRun   = "run"
	TopicStage = "stage"
	TopicTask  = "task"
	TopicHook  = "hook"
)

// Event type constants
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunFinished   = "run.finished"
	EventTypeStageStarted  = "stage.started"
	EventTypeStageSkipped  = "stage.skipped"
	EventTypeStageFinished = "stage.finished"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskFinished  = "task.finished"
	EventTypeHookFaulted   = "hook.faulted"
)

// RunStartedEvent is published before the first guard is evaluated.
type RunStartedEvent struct {
	Run       string
	Pipeline  string
	Stages    int
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) Topic() string     { return TopicRun }
func (e RunStartedEvent) RunID() string     { return e.Run }

// RunFinishedEvent is published after all hooks have run.
type RunFinishedEvent struct {
	Run       string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) Topic() string     { return TopicRun }
func (e RunFinishedEvent) RunID() string     { return e.Run }

// StageStartedEvent is published when a stage's guard passed and its tasks are dispatched.
type StageStartedEvent struct {
	Run       string
	Stage     string
	Mode      string
	Tasks     int
	Timestamp time.Time
}

func (e StageStartedEvent) EventType() string { return EventTypeStageStarted }
func (e StageStartedEvent) Topic() string     { return TopicStage }
func (e StageStartedEvent) RunID() string     { return e.Run }

// StageSkippedEvent is published when a stage is skipped.
type StageSkippedEvent struct {
	Run       string
	Stage     string
	Reason    string
	Timestamp time.Time
}

func (e StageSkippedEvent) EventType() string { return EventTypeStageSkipped }
func (e StageSkippedEvent) Topic() string     { return TopicStage }
func (e StageSkippedEvent) RunID() string     { return e.Run }

// StageFinishedEvent is published once a running stage resolves.
type StageFinishedEvent struct {
	Run       string
	Stage     string
	Status    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e StageFinishedEvent) EventType() string { return EventTypeStageFinished }
func (e StageFinishedEvent) Topic() string     { return TopicStage }
func (e StageFinishedEvent) RunID() string     { return e.Run }

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	Run       string
	Stage     string
	Task      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) RunID() string     { return e.Run }

// TaskFinishedEvent is published when a task returns, panics or is refused.
type TaskFinishedEvent struct {
	Run       string
	Stage     string
	Task      string
	Status    string
	Kind      string // Empty on success
	Detail    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) Topic() string     { return TopicTask }
func (e TaskFinishedEvent) RunID() string     { return e.Run }

// HookFaultedEvent is published when a hook returns an error or panics.
type HookFaultedEvent struct {
	Run       string
	Hook      string
	Trigger   string
	Detail    string
	Timestamp time.Time
}

func (e HookFaultedEvent) EventType() string { return EventTypeHookFaulted }
func (e HookFaultedEvent) Topic() string     { return TopicHook }
func (e HookFaultedEvent) RunID() string     { return e.Run }
