package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/stagerun/internal/credentials"
	"github.com/aristath/stagerun/internal/events"
	"github.com/aristath/stagerun/internal/logging"
	"github.com/aristath/stagerun/internal/pipeline"
)

// runStage evaluates stage i's guard and, if it passes, dispatches its tasks
// and commits the outcome.
func (r *run) runStage(ctx context.Context, i int) {
	stage := &r.pipeline.Stages[i]
	out := &r.report.Stages[i]
	log := r.log.WithStage(stage.Name)

	view := r.state.view()
	pass, guardErr := evalGuard(stage.Guard, view)
	if guardErr == nil && !pass {
		r.skip(i, SkipReasonGuard)
		return
	}

	r.transition(out, pipeline.StageRunning)
	out.StartedAt = r.engine.config.Now()

	if guardErr != nil {
		log.Error("guard panicked", "error", guardErr)
		r.resolve(out, pipeline.StageFailed, nil, guardErr)
		return
	}

	log.Info("stage started", "mode", stage.Mode.String(), "tasks", len(stage.Tasks))
	r.engine.config.Bus.Publish(events.StageStartedEvent{
		Run:       r.id,
		Stage:     stage.Name,
		Mode:      stage.Mode.String(),
		Tasks:     len(stage.Tasks),
		Timestamp: out.StartedAt,
	})

	scope := pipeline.Acquire(r.env, stage.Env)
	defer scope.Release()

	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if stage.Timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
	}
	defer cancel()

	var (
		tasks  []TaskOutcome
		staged []pipeline.Artifact
	)
	if stage.Mode == pipeline.Parallel {
		tasks, staged = r.dispatchParallel(stageCtx, stage, scope.Env(), view, log)
	} else {
		tasks, staged = r.dispatchSequential(stageCtx, stage, scope.Env(), view, log)
	}
	timedOut := stage.Timeout > 0 && ctx.Err() == nil &&
		errors.Is(stageCtx.Err(), context.DeadlineExceeded)
	scope.Release()

	out.Tasks = tasks
	status, failure := stageVerdict(tasks)
	if timedOut && failure == nil {
		status = pipeline.StageFailed
		failure = pipeline.Failuref(pipeline.KindTimeout, "stage exceeded its %s timeout", stage.Timeout)
	}
	r.resolve(out, status, staged, failure)
}

// evalGuard evaluates g, converting a panic into a TaskFaulted failure.
func evalGuard(g pipeline.Guard, view pipeline.StateView) (pass bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = pipeline.Failuref(pipeline.KindTaskFaulted, "guard panicked: %v", v)
		}
	}()
	return g.Eval(view), nil
}

// stageVerdict folds task outcomes into a stage status. The stage failure
// takes the kind of the first failed task and lists every failed task.
func stageVerdict(tasks []TaskOutcome) (pipeline.StageStatus, error) {
	var (
		first  *TaskOutcome
		detail []string
	)
	for i := range tasks {
		if tasks[i].Status != pipeline.TaskFailed {
			continue
		}
		if first == nil {
			first = &tasks[i]
		}
		detail = append(detail, fmt.Sprintf("%s: %s", tasks[i].Name, tasks[i].Detail))
	}
	if first == nil {
		return pipeline.StageSucceeded, nil
	}
	return pipeline.StageFailed, pipeline.NewFailure(first.Kind, strings.Join(detail, "; "), nil)
}

// dispatchSequential runs tasks in declared order and stops at the first
// failure. Later tasks see earlier siblings' artifacts.
func (r *run) dispatchSequential(ctx context.Context, stage *pipeline.Stage, env pipeline.Environment, view pipeline.StateView, log *logging.Logger) ([]TaskOutcome, []pipeline.Artifact) {
	outcomes := make([]TaskOutcome, 0, len(stage.Tasks))
	var staged []pipeline.Artifact

	for i := range stage.Tasks {
		out := r.runTask(ctx, stage.Name, &stage.Tasks[i], env, view.WithArtifacts(staged), log)
		outcomes = append(outcomes, out)
		staged = append(staged, out.Artifacts...)
		if out.Status == pipeline.TaskFailed {
			if rest := len(stage.Tasks) - i - 1; rest > 0 {
				log.Info("stopping stage after task failure", "task", out.Name, "not_run", rest)
			}
			break
		}
	}
	return outcomes, staged
}

// dispatchParallel runs every task concurrently. A failing task never
// cancels its siblings; the group's goroutines always return nil.
func (r *run) dispatchParallel(ctx context.Context, stage *pipeline.Stage, env pipeline.Environment, view pipeline.StateView, log *logging.Logger) ([]TaskOutcome, []pipeline.Artifact) {
	outcomes := make([]TaskOutcome, len(stage.Tasks))

	var g errgroup.Group
	if limit := r.engine.config.ConcurrencyLimit; limit > 0 {
		g.SetLimit(limit)
	}
	for i := range stage.Tasks {
		g.Go(func() error {
			outcomes[i] = r.runTask(ctx, stage.Name, &stage.Tasks[i], env, view, log)
			return nil
		})
	}
	_ = g.Wait()

	var staged []pipeline.Artifact
	for _, out := range outcomes {
		staged = append(staged, out.Artifacts...)
	}
	return outcomes, staged
}

// runTask executes one task and records its outcome. It never panics and
// never returns an error: everything is folded into the TaskOutcome.
func (r *run) runTask(ctx context.Context, stage string, task *pipeline.Task, env pipeline.Environment, view pipeline.StateView, stageLog *logging.Logger) TaskOutcome {
	cfg := r.engine.config
	log := stageLog.WithTask(task.Name)
	out := TaskOutcome{Name: task.Name, StartedAt: cfg.Now()}

	cfg.Bus.Publish(events.TaskStartedEvent{Run: r.id, Stage: stage, Task: task.Name, Timestamp: out.StartedAt})
	log.Debug("task started")

	result, err := r.invoke(ctx, stage, task, env, view, log)

	out.Duration = cfg.Now().Sub(out.StartedAt)
	out.Logs = result.Logs
	out.Artifacts = append(out.Artifacts, result.Artifacts...)
	if loc, ok := r.publishLogs(ctx, stage, task.Name, result.Logs, log); ok {
		out.Artifacts = append(out.Artifacts, pipeline.Artifact{Name: logArtifactName(stage, task.Name), Location: loc})
	}

	switch {
	case err != nil:
		out.Status = pipeline.TaskFailed
		out.Kind = pipeline.KindOf(err)
		out.Detail = pipeline.DetailOf(err)
		var p *taskPanic
		if errors.As(err, &p) {
			out.Diagnostic = p.stack
		}
	case result.Status == pipeline.TaskFailed:
		out.Status = pipeline.TaskFailed
		out.Kind = pipeline.KindTaskFailed
		out.Detail = "task reported failure"
	default:
		out.Status = pipeline.TaskSucceeded
	}

	if out.Status == pipeline.TaskFailed {
		log.Warn("task failed", "kind", string(out.Kind), "detail", out.Detail, "duration", out.Duration)
	} else {
		log.Info("task succeeded", "duration", out.Duration, "artifacts", len(out.Artifacts))
	}
	cfg.Bus.Publish(events.TaskFinishedEvent{
		Run:       r.id,
		Stage:     stage,
		Task:      task.Name,
		Status:    out.Status.String(),
		Kind:      string(out.Kind),
		Detail:    out.Detail,
		Duration:  out.Duration,
		Timestamp: out.StartedAt.Add(out.Duration),
	})
	return out
}

// invoke resolves credentials, takes the task's resource locks and calls
// the runner, converting a panic into a TaskFaulted failure.
func (r *run) invoke(ctx context.Context, stage string, task *pipeline.Task, env pipeline.Environment, view pipeline.StateView, log *logging.Logger) (result pipeline.TaskResult, err error) {
	bundles, err := r.resolveCredentials(ctx, task)
	if err != nil {
		return pipeline.TaskResult{Status: pipeline.TaskFailed}, err
	}

	release := r.engine.locks.acquire(task.Locks)
	defer release()

	defer func() {
		if v := recover(); v != nil {
			p := &taskPanic{value: v, stack: trimStack(debug.Stack())}
			log.Error("task panicked", "panic", v, "stack", p.stack)
			result = pipeline.TaskResult{Status: pipeline.TaskFailed}
			err = pipeline.NewFailure(pipeline.KindTaskFaulted, "", p)
		}
	}()

	runner := task.Runner
	if runner == nil {
		runner = pipeline.Noop
	}
	tc := &pipeline.TaskContext{
		Stage:       stage,
		Task:        task.Name,
		Env:         env.Overlay(task.Env),
		State:       view,
		Credentials: bundles,
		Logger:      log,
	}
	return runner.Run(ctx, tc)
}

func (r *run) resolveCredentials(ctx context.Context, task *pipeline.Task) (map[string]credentials.Bundle, error) {
	if len(task.Credentials) == 0 {
		return nil, nil
	}
	provider := r.engine.config.Credentials
	if provider == nil {
		return nil, pipeline.Failuref(pipeline.KindAuthError, "no credential provider configured")
	}

	bundles := make(map[string]credentials.Bundle, len(task.Credentials))
	for _, name := range task.Credentials {
		b, err := provider.Lookup(ctx, name)
		if err != nil {
			return nil, pipeline.NewFailure(pipeline.KindAuthError, fmt.Sprintf("credential %q unavailable", name), err)
		}
		bundles[name] = b
	}
	return bundles, nil
}

func logArtifactName(stage, task string) string {
	return "logs/" + stage + "/" + task
}

// publishLogs hands non-empty task logs to the sink. Sink errors are logged
// and otherwise ignored.
func (r *run) publishLogs(ctx context.Context, stage, task, logs string, log *logging.Logger) (string, bool) {
	sink := r.engine.config.Sink
	if sink == nil || logs == "" {
		return "", false
	}
	loc, err := sink.Put(context.WithoutCancel(ctx), logArtifactName(stage, task)+".log", strings.NewReader(logs))
	if err != nil {
		log.Warn("failed to publish task logs", "error", err)
		return "", false
	}
	return loc, true
}

// skip marks stage i skipped.
func (r *run) skip(i int, reason string) {
	out := &r.report.Stages[i]
	r.transition(out, pipeline.StageSkipped)
	now := r.engine.config.Now()
	out.SkipReason = reason
	out.StartedAt, out.FinishedAt = now, now
	r.state.commit(out.Name, pipeline.StageSkipped, nil)

	r.log.Info("stage skipped", "stage", out.Name, "reason", reason)
	r.engine.config.Bus.Publish(events.StageSkippedEvent{Run: r.id, Stage: out.Name, Reason: reason, Timestamp: now})
}

// resolve moves a running stage to its terminal status and commits it.
func (r *run) resolve(out *StageOutcome, status pipeline.StageStatus, staged []pipeline.Artifact, failure error) {
	r.transition(out, status)
	out.FinishedAt = r.engine.config.Now()
	out.Duration = out.FinishedAt.Sub(out.StartedAt)
	out.Failure = pipeline.Record(failure)

	log := r.log.WithStage(out.Name)
	for _, name := range r.state.commit(out.Name, status, staged) {
		log.Warn("artifact already recorded, keeping first location", "artifact", name)
	}

	if status == pipeline.StageFailed {
		log.Warn("stage failed", "kind", string(out.Failure.Kind), "detail", out.Failure.Detail, "duration", out.Duration)
	} else {
		log.Info("stage succeeded", "duration", out.Duration)
	}
	r.engine.config.Bus.Publish(events.StageFinishedEvent{
		Run:       r.id,
		Stage:     out.Name,
		Status:    status.String(),
		Duration:  out.Duration,
		Timestamp: out.FinishedAt,
	})
}

// transition enforces the stage lifecycle. An illegal move is an engine bug.
func (r *run) transition(out *StageOutcome, next pipeline.StageStatus) {
	if !out.Status.CanTransition(next) {
		panic(fmt.Sprintf("stage %q: illegal transition %s -> %s", out.Name, out.Status, next))
	}
	out.Status = next
}

// taskPanic carries a recovered panic value and the goroutine stack.
type taskPanic struct {
	value any
	stack string
}

func (p *taskPanic) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// maxStackLines bounds the stack kept in a report.
const maxStackLines = 40

// trimStack drops the runtime/debug and recovery frames from the top of a
// stack dump so it starts at the panicking call, and caps its length.
func trimStack(stack []byte) string {
	lines := strings.Split(strings.TrimRight(string(stack), "\n"), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "panic(") {
			// Keep the goroutine header; skip to the frame after panic().
			if i+2 < len(lines) {
				lines = append(lines[:1:1], lines[i+2:]...)
			}
			break
		}
	}
	if len(lines) > maxStackLines {
		lines = append(lines[:maxStackLines:maxStackLines], "...")
	}
	return strings.Join(lines, "\n")
}
