package podflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// OrchestratorOptions configures an Orchestrator
type OrchestratorOptions struct {
	Pipeline  *Pipeline
	State     *State
	Runner    *StageRunner
	Store     RunStore
	Logger    *slog.Logger
	Callbacks Callbacks
}

// Orchestrator drives one run through its stages. A run moves from
// initialized to running, and from running to completed or failed. Stages run
// one at a time in dependency order.
type Orchestrator struct {
	pipeline  *Pipeline
	state     *State
	runner    *StageRunner
	store     RunStore
	logger    *slog.Logger
	callbacks Callbacks
	reported  bool
}

// NewOrchestrator returns an orchestrator for a single run state
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("state is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.Store == nil {
		opts.Store = NewNullRunStore()
	}
	for _, name := range opts.State.StageNames() {
		if _, ok := opts.Pipeline.GetStage(name); !ok {
			return nil, fmt.Errorf("run %s has stage %q which pipeline %q does not define",
				opts.State.RunID(), name, opts.Pipeline.Name())
		}
	}
	if len(opts.State.StageNames()) != len(opts.Pipeline.Stages()) {
		return nil, fmt.Errorf("run %s does not match the stages of pipeline %q",
			opts.State.RunID(), opts.Pipeline.Name())
	}
	if opts.Runner == nil {
		runner, err := NewStageRunner(RunnerOptions{
			Pipeline:  opts.Pipeline,
			Logger:    opts.Logger,
			Callbacks: opts.Callbacks,
		})
		if err != nil {
			return nil, err
		}
		opts.Runner = runner
	}
	return &Orchestrator{
		pipeline:  opts.Pipeline,
		state:     opts.State,
		runner:    opts.Runner,
		store:     opts.Store,
		logger:    opts.Logger.With("run_id", opts.State.RunID()),
		callbacks: opts.Callbacks,
	}, nil
}

// State returns the state the orchestrator drives
func (o *Orchestrator) State() *State {
	return o.state
}

// Run executes every remaining stage. It returns a *RunError if the run
// ends in the failed state.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.run(ctx, nil)
}

// RunTo executes the named stage and everything it depends on, then halts
// with the run still running. If that covers every stage the run completes.
func (o *Orchestrator) RunTo(ctx context.Context, stage string) error {
	prefix, err := o.pipeline.Prefix(stage)
	if err != nil {
		return err
	}
	limit := make(map[string]bool, len(prefix))
	for _, s := range prefix {
		limit[s.Name] = true
	}
	return o.run(ctx, limit)
}

// ResumeFrom resets the named stage and all of its dependents and runs the
// pipeline to completion. Outputs of stages upstream of it are kept as is.
func (o *Orchestrator) ResumeFrom(ctx context.Context, stage string) error {
	if _, ok := o.pipeline.GetStage(stage); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if err := o.state.Reopen(); err != nil {
		return err
	}
	reset := append([]string{stage}, o.pipeline.Downstream(stage)...)
	if err := o.state.ResetFrom(reset...); err != nil {
		return err
	}
	o.logger.Info("resuming run", "from_stage", stage, "reset", reset)
	return o.run(ctx, nil)
}

// run executes stages until none is eligible. When limit is set only those
// stages are considered.
func (o *Orchestrator) run(ctx context.Context, limit map[string]bool) (err error) {
	switch status := o.state.Status(); status {
	case RunInitialized:
		if err := o.state.Start(); err != nil {
			return err
		}
	case RunRunning:
	default:
		return fmt.Errorf("%w: run %s is %s", ErrStateSealed, o.state.RunID(), status)
	}

	o.callbacks.BeforeRun(ctx, &RunEvent{
		RunID:     o.state.RunID(),
		Pipeline:  o.pipeline.Name(),
		Request:   o.state.Request(),
		Status:    RunRunning,
		StartTime: o.state.StartTime(),
	})
	o.reported = false
	defer func() {
		// Halted runs and aborted invocations still close the BeforeRun.
		if !o.reported {
			o.afterRun(ctx, err)
		}
	}()
	if err := o.save(ctx); err != nil {
		return err
	}

	for {
		stage := o.nextStage(limit)
		if stage == nil {
			break
		}
		result, err := o.runner.Run(ctx, stage, o.state)
		if err != nil {
			return fmt.Errorf("stage %q: %w", stage.Name, err)
		}
		if result.Failed() {
			return o.finishFailed(ctx, result.Error)
		}
		if err := o.save(ctx); err != nil {
			return err
		}
	}

	if !o.allSatisfied() {
		if limit != nil {
			o.logger.Info("run halted", "stages", o.state.StageNames())
			return nil
		}
		// Nothing is eligible but stages remain, which means a dependency
		// failed without failing the run.
		return o.finishFailed(ctx, &ErrorRecord{
			Kind:     ErrorKindDependencyNotSatisfied,
			Message:  "no stage is eligible to run but the pipeline is not complete",
			Terminal: true,
			Time:     time.Now(),
		})
	}
	return o.finishCompleted(ctx)
}

// nextStage returns the first stage in declaration order that has not
// finished and whose dependencies are all satisfied.
func (o *Orchestrator) nextStage(limit map[string]bool) *Stage {
	for _, stage := range o.pipeline.Stages() {
		if limit != nil && !limit[stage.Name] {
			continue
		}
		status := o.state.StageStatus(stage.Name)
		if status != StagePending && status != StageRunning {
			continue
		}
		ready := true
		for _, dep := range stage.DependsOn {
			if !o.state.StageStatus(dep).Satisfied() {
				ready = false
				break
			}
		}
		if ready {
			return stage
		}
	}
	return nil
}

func (o *Orchestrator) allSatisfied() bool {
	for _, name := range o.state.StageNames() {
		if !o.state.StageStatus(name).Satisfied() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) finishCompleted(ctx context.Context) error {
	artifacts := make(map[string]any, len(o.pipeline.Artifacts()))
	for _, artifact := range o.pipeline.Artifacts() {
		value, ok := o.state.Get(artifact.Field)
		if !ok {
			o.logger.Warn("artifact field not found", "artifact", artifact.Name, "field", artifact.Field)
			continue
		}
		artifacts[artifact.Name] = value
	}
	if err := o.state.Complete(artifacts); err != nil {
		return err
	}
	degraded := 0
	for _, stage := range o.state.Stages() {
		if stage.Status == StageSucceededDegraded {
			degraded++
		}
	}
	o.logger.Info("run completed", "degraded_stages", degraded, "artifacts", len(artifacts))
	o.afterRun(ctx, nil)
	return o.save(ctx)
}

func (o *Orchestrator) finishFailed(ctx context.Context, record *ErrorRecord) error {
	if record != nil && record.Stage == "" {
		if err := o.state.AppendError(record); err != nil {
			return err
		}
	}
	if err := o.state.Fail(); err != nil {
		return err
	}
	runErr := &RunError{RunID: o.state.RunID(), Record: o.state.TerminalError()}
	o.logger.Error("run failed", "error", runErr)
	o.afterRun(ctx, runErr)
	if err := o.save(ctx); err != nil {
		return err
	}
	return runErr
}

func (o *Orchestrator) afterRun(ctx context.Context, err error) {
	o.reported = true
	endTime := o.state.EndTime()
	if endTime.IsZero() {
		endTime = time.Now()
	}
	o.callbacks.AfterRun(ctx, &RunEvent{
		RunID:     o.state.RunID(),
		Pipeline:  o.pipeline.Name(),
		Request:   o.state.Request(),
		Status:    o.state.Status(),
		StartTime: o.state.StartTime(),
		EndTime:   endTime,
		Duration:  endTime.Sub(o.state.StartTime()),
		Artifacts: o.state.Artifacts(),
		Error:     err,
	})
}

// save persists the current record. Saving ignores cancellation so that a
// cancelled run still records its final status.
func (o *Orchestrator) save(ctx context.Context) error {
	if err := o.store.SaveRun(context.WithoutCancel(ctx), o.state.ToRecord()); err != nil {
		o.logger.Error("failed to save run record", "error", err)
		return fmt.Errorf("failed to save run record: %w", err)
	}
	return nil
}
