// Package engine executes a validated pipeline: stages in order behind their
// guards, tasks sequentially or in parallel, hooks once the stages are done.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/stagerun/internal/artifacts"
	"github.com/aristath/stagerun/internal/credentials"
	"github.com/aristath/stagerun/internal/events"
	"github.com/aristath/stagerun/internal/logging"
	"github.com/aristath/stagerun/internal/pipeline"
)

// Config configures an Engine.
type Config struct {
	ConcurrencyLimit int                  // Max tasks in flight per parallel stage (0 = unbounded)
	Logger           *logging.Logger      // nil discards logs
	Bus              *events.Bus          // nil disables events
	Credentials      credentials.Provider // nil fails any task that declares credentials
	Sink             artifacts.Sink       // Receives task logs; nil keeps them in the report only
	Now              func() time.Time     // Clock, overridable for tests
	NewRunID         func() string        // Run ID generator, overridable for tests
}

// Engine runs pipelines. One Engine can execute many runs, concurrently or
// not; each Execute call owns its own run state.
type Engine struct {
	config Config
	locks  *resourceLocks
}

// New creates an Engine, filling in defaults for unset fields.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	if cfg.ConcurrencyLimit < 0 {
		cfg.ConcurrencyLimit = 0
	}
	return &Engine{config: cfg, locks: newResourceLocks()}
}

// run carries the per-Execute state.
type run struct {
	engine   *Engine
	id       string
	pipeline *pipeline.Pipeline
	env      pipeline.Environment
	state    *runState
	report   *RunReport
	log      *logging.Logger
}

// Execute runs p to completion and returns its report. An invalid pipeline
// is rejected before anything runs, including hooks. Once the run starts,
// task, guard and hook failures are recorded in the report rather than
// returned; the error return is reserved for refusing to start.
//
// Cancelling ctx stops the run at the next stage boundary: remaining stages
// are skipped, the result becomes failure, and hooks still fire.
func (e *Engine) Execute(ctx context.Context, p *pipeline.Pipeline, initial pipeline.Environment) (*RunReport, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil pipeline", pipeline.ErrInvalidPipeline)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	r := e.newRun(p, initial)
	r.log.Info("run started", "pipeline", p.Name, "stages", len(p.Stages))
	e.config.Bus.Publish(events.RunStartedEvent{
		Run:       r.id,
		Pipeline:  p.Name,
		Stages:    len(p.Stages),
		Timestamp: r.report.StartedAt,
	})

	r.runStages(ctx)

	// Hooks observe a canceled run too.
	r.runHooks(context.WithoutCancel(ctx))

	return r.finish(), nil
}

func (e *Engine) newRun(p *pipeline.Pipeline, initial pipeline.Environment) *run {
	id := e.config.NewRunID()

	report := &RunReport{
		RunID:     id,
		Pipeline:  p.Name,
		StartedAt: e.config.Now(),
		Stages:    make([]StageOutcome, len(p.Stages)),
		Hooks:     []HookOutcome{},
	}
	for i, s := range p.Stages {
		report.Stages[i] = StageOutcome{Name: s.Name, Mode: s.Mode, Status: pipeline.StagePending}
	}

	return &run{
		engine:   e,
		id:       id,
		pipeline: p,
		env:      pipeline.NewEnvironment(p.Env).Overlay(initial.Map()),
		state:    newRunState(),
		report:   report,
		log:      e.config.Logger.WithRun(id),
	}
}

func (r *run) runStages(ctx context.Context) {
	defer func() {
		if v := recover(); v != nil {
			r.fault(pipeline.Failuref(pipeline.KindTaskFaulted, "engine fault: %v", v))
		}
	}()

	for i := range r.pipeline.Stages {
		if err := ctx.Err(); err != nil {
			r.abort(i, err)
			return
		}
		r.runStage(ctx, i)
	}
}

// abort skips stage i and everything after it.
func (r *run) abort(from int, cause error) {
	f := pipeline.NewFailure(pipeline.KindAborted,
		fmt.Sprintf("run canceled before stage %q", r.pipeline.Stages[from].Name), cause)
	r.log.Warn("run aborted", "stage", r.pipeline.Stages[from].Name, "error", cause)

	for i := from; i < len(r.report.Stages); i++ {
		r.skip(i, SkipReasonAborted)
	}
	r.state.fail()
	r.report.Failure = pipeline.Record(f)
}

// fault handles an engine panic: the stage that was running fails, the rest
// are skipped, and the run result becomes failure.
func (r *run) fault(f *pipeline.Failure) {
	r.log.Error("engine fault", "error", f)
	now := r.engine.config.Now()
	for i := range r.report.Stages {
		out := &r.report.Stages[i]
		switch out.Status {
		case pipeline.StageRunning:
			out.Status = pipeline.StageFailed
			out.FinishedAt = now
			out.Duration = now.Sub(out.StartedAt)
			out.Failure = pipeline.Record(f)
			r.state.commit(out.Name, pipeline.StageFailed, nil)
		case pipeline.StagePending:
			out.Status = pipeline.StageSkipped
			out.SkipReason = SkipReasonAborted
			out.StartedAt, out.FinishedAt = now, now
			r.state.commit(out.Name, pipeline.StageSkipped, nil)
		}
	}
	r.state.fail()
	r.report.Failure = pipeline.Record(f)
}

// finish seals the report.
func (r *run) finish() *RunReport {
	rep := r.report
	rep.Result = r.state.finalize()
	rep.Artifacts = r.state.artifactMap()
	rep.FinishedAt = r.engine.config.Now()
	rep.Duration = rep.FinishedAt.Sub(rep.StartedAt)

	r.log.Info("run finished", "result", rep.Result.String(), "duration", rep.Duration)
	r.engine.config.Bus.Publish(events.RunFinishedEvent{
		Run:       r.id,
		Result:    rep.Result.String(),
		Duration:  rep.Duration,
		Timestamp: rep.FinishedAt,
	})
	return rep
}
