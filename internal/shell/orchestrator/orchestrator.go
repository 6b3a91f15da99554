// Package orchestrator runs pipeline definitions: stages in order, actions of
// a stage grouped by run order, groups in ascending order, the members of a
// group concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/konpol/sampipe/internal/core/mutation"
	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/artifacts"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

// ExecutionRecorder persists execution records as they change.
type ExecutionRecorder interface {
	SaveExecution(ctx context.Context, exec *pipeline.Execution) error
}

// Config wires the orchestrator's collaborators. Channel and Runners are
// required.
type Config struct {
	Channel  artifacts.Channel
	Runners  *Registry
	Recorder ExecutionRecorder
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger

	// MaxParallel bounds the actions of one group running at once; 0 means
	// no bound.
	MaxParallel int
}

// Orchestrator executes one pipeline. Runs are serialized.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu  sync.RWMutex
	def pipeline.Definition

	runMu sync.Mutex
}

// New validates def and returns an orchestrator for it.
func New(def pipeline.Definition, cfg Config) (*Orchestrator, error) {
	if cfg.Channel == nil {
		return nil, errors.New("orchestrator: artifact channel is required")
	}
	if cfg.Runners == nil {
		return nil, errors.New("orchestrator: runner registry is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(telemetry.TracerName)
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "orchestrator", "pipeline", def.Name),
		tracer: tracer,
		def:    def.Clone(),
	}, nil
}

// Definition returns a copy of the definition the next run will use.
func (o *Orchestrator) Definition() pipeline.Definition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.def.Clone()
}

// AddStage appends a stage. The definition is left unchanged when the result
// would be invalid.
func (o *Orchestrator) AddStage(name string, actions ...pipeline.Action) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	next := o.def.Clone()
	next.Stages = append(next.Stages, pipeline.Stage{Name: name, Actions: actions})
	if err := next.Validate(); err != nil {
		return err
	}
	o.def = next
	return nil
}

// Replace swaps the definition used by later runs.
func (o *Orchestrator) Replace(def pipeline.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.def = def.Clone()
	return nil
}

// =============================================================================
// Run
// =============================================================================

// Run executes the current definition. The returned execution is always
// non-nil once the run has started; err explains a failed or aborted run.
func (o *Orchestrator) Run(ctx context.Context, trigger pipeline.Trigger) (*pipeline.Execution, error) {
	exec, err := pipeline.NewExecution(o.Definition(), trigger)
	if err != nil {
		return nil, err
	}
	return o.RunExecution(ctx, exec)
}

// RunExecution runs a pending execution created earlier, typically by the
// dispatcher. The definition is read when the run starts, not when exec was
// created.
func (o *Orchestrator) RunExecution(ctx context.Context, exec *pipeline.Execution) (*pipeline.Execution, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	def := o.Definition()
	hash, err := pipeline.Hash(def)
	if err != nil {
		return nil, err
	}
	exec.Pipeline = def.Name
	exec.DefinitionHash = hash
	trigger := pipeline.Trigger{CommitRef: exec.CommitRef, Source: exec.TriggerSource}

	rec := &recorder{exec: exec, store: o.cfg.Recorder, logger: o.logger}
	rec.save(ctx)

	ctx, span := o.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline", def.Name),
		attribute.String("execution_id", exec.ID),
		attribute.String("commit_ref", trigger.CommitRef),
	))
	defer span.End()

	logger := o.logger.With("execution_id", exec.ID)
	logger.Info("execution started", "commit", trigger.CommitRef, "trigger", trigger.Source)

	rec.update(ctx, func(e *pipeline.Execution) error { return e.Transition(pipeline.StatusRunning) })

	runErr := o.runStages(ctx, def, hash, rec, logger)

	status := pipeline.StatusSucceeded
	switch {
	case runErr == nil:
		rec.update(ctx, func(e *pipeline.Execution) error { return e.Transition(pipeline.StatusSucceeded) })
		span.SetStatus(codes.Ok, "execution succeeded")
		logger.Info("execution succeeded", "restarts", exec.Restarts)
	case errors.Is(runErr, pipeline.ErrAborted):
		status = pipeline.StatusAborted
		rec.update(context.WithoutCancel(ctx), func(e *pipeline.Execution) error { return e.Abort() })
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "execution aborted")
		logger.Warn("execution aborted", "error", runErr)
	default:
		status = pipeline.StatusFailed
		rec.update(context.WithoutCancel(ctx), func(e *pipeline.Execution) error { return e.Fail(runErr) })
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "execution failed")
		logger.Error("execution failed", "error", runErr)
	}

	snapshot := rec.snapshot()
	o.cfg.Metrics.ObserveExecution(def.Name, string(status), elapsed(snapshot.StartedAt, snapshot.FinishedAt))
	return snapshot, runErr
}

func (o *Orchestrator) runStages(ctx context.Context, def pipeline.Definition, hash string, rec *recorder, logger *slog.Logger) error {
	// produced holds the artifacts written so far in this execution.
	produced := make(map[string]bool)

	for i := 0; i < len(def.Stages); i++ {
		if err := ctx.Err(); err != nil {
			return pipeline.NewError(pipeline.ErrAborted, "before stage "+def.Stages[i].Name, err)
		}

		stage := def.Stages[i]
		applied, err := o.runStage(ctx, def.Name, hash, stage, produced, rec, logger)
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.NewError(pipeline.ErrAborted, "stage "+stage.Name, err)
			}
			return err
		}
		if applied == nil {
			continue
		}

		// The mutation stage succeeded with a new definition. Later runs use
		// it even when this execution cannot continue in it; this execution
		// continues with the stage that follows the mutation stage.
		hash, err = pipeline.Hash(*applied)
		if err != nil {
			return pipeline.NewError(pipeline.ErrSelfMutation, "hash applied definition", err)
		}
		if err := o.Replace(*applied); err != nil {
			return pipeline.NewError(pipeline.ErrSelfMutation, "replace definition", err)
		}
		rec.update(ctx, func(e *pipeline.Execution) error {
			e.Restart(hash)
			return nil
		})

		resume, err := mutation.ResumeIndex(*applied, stage.Name)
		if err != nil {
			return err
		}
		if err := mutation.CheckResume(*applied, resume, produced); err != nil {
			return err
		}
		logger.Info("definition replaced, resuming", "stage", stage.Name, "next_stage_index", resume, "hash", hash)

		def = *applied
		i = resume - 1
	}
	return nil
}

// runStage executes one stage and returns the definition applied by its
// self-mutation action, if any. Artifacts written by the stage are added to
// produced.
func (o *Orchestrator) runStage(ctx context.Context, pipelineName, defHash string, stage pipeline.Stage, produced map[string]bool, rec *recorder, logger *slog.Logger) (*pipeline.Definition, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage", stage.Name),
	))
	defer span.End()

	logger = logger.With("stage", stage.Name)
	logger.Info("stage started")

	stageIdx := rec.addStage(ctx, pipeline.NewStageRun(stage))
	rec.updateStage(ctx, stageIdx, func(s *pipeline.StageRun) error { return s.Transition(pipeline.StatusRunning) })

	var applied *pipeline.Definition
	var stageErr error
	for _, group := range stage.Groups() {
		contexts, failures := o.runGroup(ctx, pipelineName, defHash, stage.Name, group, stageIdx, rec, logger)
		for _, ac := range contexts {
			for _, name := range ac.writtenOutputs() {
				produced[name] = true
			}
		}
		if len(failures) > 0 {
			stageErr = &pipeline.StageError{Stage: stage.Name, Failures: failures}
			break
		}
		for _, ac := range contexts {
			if def := ac.appliedDefinition(); def != nil {
				applied = def
			}
		}
	}

	status := pipeline.StatusSucceeded
	if stageErr != nil {
		status = pipeline.StatusFailed
		if ctx.Err() != nil {
			status = pipeline.StatusAborted
		}
		span.RecordError(stageErr)
		span.SetStatus(codes.Error, "stage failed")
		logger.Error("stage failed", "error", stageErr)
	} else {
		logger.Info("stage succeeded")
	}
	rec.updateStage(context.WithoutCancel(ctx), stageIdx, func(s *pipeline.StageRun) error { return s.Transition(status) })

	run := rec.stageSnapshot(stageIdx)
	o.cfg.Metrics.ObserveStage(pipelineName, stage.Name, string(status), elapsed(run.StartedAt, run.FinishedAt))

	if stageErr != nil {
		return nil, stageErr
	}
	return applied, nil
}

// runGroup runs every action of a group concurrently and waits for all of
// them. A failing action does not cancel its siblings.
func (o *Orchestrator) runGroup(ctx context.Context, pipelineName, defHash, stageName string, group pipeline.ActionGroup, stageIdx int, rec *recorder, logger *slog.Logger) ([]*ActionContext, []pipeline.ActionFailure) {
	contexts := make([]*ActionContext, len(group.Actions))
	errs := make([]error, len(group.Actions))

	var g errgroup.Group
	if o.cfg.MaxParallel > 0 {
		g.SetLimit(o.cfg.MaxParallel)
	}
	for i, action := range group.Actions {
		ac := &ActionContext{
			Pipeline:       pipelineName,
			ExecutionID:    rec.executionID(),
			CommitRef:      rec.commitRef(),
			Stage:          stageName,
			Action:         action,
			Logger:         logger.With("action", action.Name, "kind", string(action.Kind)),
			DefinitionHash: defHash,
			channel:        o.cfg.Channel,
			outputs:        make(map[string]artifacts.Ref),
		}
		contexts[i] = ac
		g.Go(func() error {
			errs[i] = o.runAction(ctx, ac, stageIdx, rec)
			return nil
		})
	}
	_ = g.Wait()

	var failures []pipeline.ActionFailure
	for i, err := range errs {
		if err != nil {
			failures = append(failures, pipeline.ActionFailure{Action: group.Actions[i].Name, Err: err})
		}
	}
	return contexts, failures
}

func (o *Orchestrator) runAction(ctx context.Context, ac *ActionContext, stageIdx int, rec *recorder) (err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.action", trace.WithAttributes(
		attribute.String("action", ac.Action.Name),
		attribute.String("kind", string(ac.Action.Kind)),
		attribute.Int("run_order", ac.Action.EffectiveRunOrder()),
	))
	defer span.End()

	name := ac.Action.Name
	rec.updateAction(ctx, stageIdx, name, func(a *pipeline.ActionRun) error { return a.Transition(pipeline.StatusRunning) })
	ac.Logger.Info("action started")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", name, r)
		}
		rec.updateAction(context.WithoutCancel(ctx), stageIdx, name, func(a *pipeline.ActionRun) error { return a.Finish(err) })

		status := pipeline.StatusSucceeded
		if err != nil {
			status = pipeline.StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, "action failed")
			ac.Logger.Error("action failed", "error", err)
		} else {
			ac.Logger.Info("action succeeded")
		}
		run := rec.actionSnapshot(stageIdx, name)
		o.cfg.Metrics.ObserveAction(ac.Pipeline, string(ac.Action.Kind), string(status), run.Duration())
	}()

	runner, err := o.cfg.Runners.Lookup(ac.Action.Kind)
	if err != nil {
		return err
	}
	return runner.Run(ctx, ac)
}

func elapsed(start, end *time.Time) time.Duration {
	if start == nil || end == nil {
		return 0
	}
	return end.Sub(*start)
}

// =============================================================================
// Recorder
// =============================================================================

// recorder serializes mutations of the execution record made by concurrent
// actions and persists each change.
type recorder struct {
	mu     sync.Mutex
	exec   *pipeline.Execution
	store  ExecutionRecorder
	logger *slog.Logger
}

func (r *recorder) executionID() string { return r.exec.ID }
func (r *recorder) commitRef() string   { return r.exec.CommitRef }

func (r *recorder) update(ctx context.Context, fn func(*pipeline.Execution) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := fn(r.exec); err != nil {
		r.logger.Warn("execution record not updated", "execution_id", r.exec.ID, "error", err)
		return
	}
	r.saveLocked(ctx)
}

func (r *recorder) addStage(ctx context.Context, run pipeline.StageRun) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Stages = append(r.exec.Stages, run)
	r.saveLocked(ctx)
	return len(r.exec.Stages) - 1
}

func (r *recorder) updateStage(ctx context.Context, idx int, fn func(*pipeline.StageRun) error) {
	r.update(ctx, func(e *pipeline.Execution) error { return fn(&e.Stages[idx]) })
}

func (r *recorder) updateAction(ctx context.Context, stageIdx int, action string, fn func(*pipeline.ActionRun) error) {
	r.update(ctx, func(e *pipeline.Execution) error {
		run := e.Stages[stageIdx].Action(action)
		if run == nil {
			return fmt.Errorf("no run record for action %s", action)
		}
		return fn(run)
	})
}

func (r *recorder) save(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveLocked(ctx)
}

func (r *recorder) saveLocked(ctx context.Context) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveExecution(ctx, r.exec); err != nil {
		r.logger.Warn("failed to persist execution", "execution_id", r.exec.ID, "error", err)
	}
}

func (r *recorder) snapshot() *pipeline.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.exec
	c.Stages = make([]pipeline.StageRun, len(r.exec.Stages))
	for i, s := range r.exec.Stages {
		s.Actions = append([]pipeline.ActionRun(nil), s.Actions...)
		c.Stages[i] = s
	}
	return &c
}

func (r *recorder) stageSnapshot(idx int) pipeline.StageRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Stages[idx]
}

func (r *recorder) actionSnapshot(stageIdx int, action string) pipeline.ActionRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run := r.exec.Stages[stageIdx].Action(action); run != nil {
		return *run
	}
	return pipeline.ActionRun{}
}
