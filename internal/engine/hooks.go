package engine

import (
	"context"

	"github.com/aristath/stagerun/internal/events"
	"github.com/aristath/stagerun/internal/pipeline"
)

// runHooks fires completion hooks in phase order: always, then success or
// failure depending on the final result, then cleanup. Each hook is isolated:
// an error or panic is recorded and the remaining hooks still run.
func (r *run) runHooks(ctx context.Context) {
	result := r.state.finalize()
	view := r.state.view()

	phases := []pipeline.Trigger{pipeline.TriggerAlways}
	if result == pipeline.ResultSuccess {
		phases = append(phases, pipeline.TriggerSuccess)
	} else {
		phases = append(phases, pipeline.TriggerFailure)
	}
	phases = append(phases, pipeline.TriggerCleanup)

	for _, trigger := range phases {
		for _, hook := range r.pipeline.HooksFor(trigger) {
			r.runHook(ctx, hook, view)
		}
	}
}

func (r *run) runHook(ctx context.Context, hook pipeline.Hook, view pipeline.StateView) {
	log := r.log.With("hook", hook.Name, "trigger", hook.Trigger.String())
	outcome := HookOutcome{Name: hook.Name, Trigger: hook.Trigger.String()}

	if err := callHook(ctx, hook, view); err != nil {
		outcome.Fault = pipeline.Record(err)
		log.Warn("hook faulted", "detail", outcome.Fault.Detail)
		r.engine.config.Bus.Publish(events.HookFaultedEvent{
			Run:       r.id,
			Hook:      hook.Name,
			Trigger:   outcome.Trigger,
			Detail:    outcome.Fault.Detail,
			Timestamp: r.engine.config.Now(),
		})
	} else {
		log.Debug("hook completed")
	}
	r.report.Hooks = append(r.report.Hooks, outcome)
}

// callHook runs the hook action. Errors and panics both come back as
// HookFaulted failures.
func callHook(ctx context.Context, hook pipeline.Hook, view pipeline.StateView) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = pipeline.Failuref(pipeline.KindHookFaulted, "panic: %v", v)
		}
	}()
	if hook.Action == nil {
		return nil
	}
	if err := hook.Action(ctx, view); err != nil {
		return pipeline.NewFailure(pipeline.KindHookFaulted, "", err)
	}
	return nil
}
