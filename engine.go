package podflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/podflow/retry"
	"go.jetify.com/typeid"
)

// NewRunID returns a new type-prefixed ID for run identification
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// EngineOptions configures an Engine
type EngineOptions struct {
	Pipeline      *Pipeline
	Store         RunStore
	Logger        *slog.Logger
	Callbacks     Callbacks
	AttemptLogger AttemptLogger

	// Sleep and Rand are passed to the stage runner.
	Sleep retry.SleepFunc
	Rand  func() float64

	// NewRunID overrides run ID generation.
	NewRunID func() string
}

// Engine starts, resumes, and tracks runs of one pipeline. Each run is owned
// by exactly one goroutine; runs share no mutable state.
type Engine struct {
	pipeline  *Pipeline
	store     RunStore
	logger    *slog.Logger
	callbacks Callbacks
	runner    *StageRunner
	newRunID  func() string

	mutex  sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	state  *State
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewEngine returns an engine for the given pipeline
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Store == nil {
		opts.Store = NewMemoryRunStore()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.NewRunID == nil {
		opts.NewRunID = NewRunID
	}
	runner, err := NewStageRunner(RunnerOptions{
		Pipeline:      opts.Pipeline,
		Logger:        opts.Logger,
		Callbacks:     opts.Callbacks,
		AttemptLogger: opts.AttemptLogger,
		Sleep:         opts.Sleep,
		Rand:          opts.Rand,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		pipeline:  opts.Pipeline,
		store:     opts.Store,
		logger:    opts.Logger,
		callbacks: opts.Callbacks,
		runner:    runner,
		newRunID:  opts.NewRunID,
		active:    map[string]*activeRun{},
	}, nil
}

// Pipeline returns the engine's pipeline
func (e *Engine) Pipeline() *Pipeline {
	return e.pipeline
}

// Start begins a new run in the background and returns its ID. The run
// keeps going after ctx is done; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, request string) (string, error) {
	state, err := e.newState(request)
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run, release, err := e.claim(ctx, state, cancel)
	if err != nil {
		cancel()
		return "", err
	}
	if err := e.store.SaveRun(ctx, state.ToRecord()); err != nil {
		release()
		cancel()
		return "", fmt.Errorf("failed to save run record: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		defer cancel()
		run.err = e.execute(runCtx, state, func(o *Orchestrator) error { return o.Run(runCtx) })
	}()
	return state.RunID(), nil
}

// Run executes a new run to completion and returns its final record. A
// failed run returns the record together with a *RunError.
func (e *Engine) Run(ctx context.Context, request string) (*RunRecord, error) {
	return e.runSync(ctx, request, func(ctx context.Context, o *Orchestrator) error {
		return o.Run(ctx)
	})
}

// RunTo executes a new run up to and including the named stage. The run is
// left running so that it can be resumed later.
func (e *Engine) RunTo(ctx context.Context, request, stage string) (*RunRecord, error) {
	if _, ok := e.pipeline.GetStage(stage); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	return e.runSync(ctx, request, func(ctx context.Context, o *Orchestrator) error {
		return o.RunTo(ctx, stage)
	})
}

func (e *Engine) runSync(ctx context.Context, request string, fn func(context.Context, *Orchestrator) error) (*RunRecord, error) {
	state, err := e.newState(request)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run, release, err := e.claim(ctx, state, cancel)
	if err != nil {
		return nil, err
	}
	defer release()

	run.err = e.execute(runCtx, state, func(o *Orchestrator) error { return fn(runCtx, o) })
	return state.ToRecord(), run.err
}

// Resume continues a stored run. With fromStage set, that stage and all of
// its dependents are reset and re-executed. Without it, a completed run is
// returned unchanged, a failed run is reset from its first failed stage, and
// an interrupted or halted run continues where it stopped, keeping the
// attempts it already used.
func (e *Engine) Resume(ctx context.Context, runID, fromStage string) (*RunRecord, error) {
	if fromStage != "" {
		if _, ok := e.pipeline.GetStage(fromStage); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, fromStage)
		}
	}
	if e.isActive(runID) {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	record, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if record.Pipeline != e.pipeline.Name() {
		return nil, fmt.Errorf("run %s belongs to pipeline %q, not %q", runID, record.Pipeline, e.pipeline.Name())
	}
	state, err := StateFromRecord(record)
	if err != nil {
		return nil, fmt.Errorf("failed to restore run %s: %w", runID, err)
	}

	if fromStage == "" {
		switch state.Status() {
		case RunCompleted:
			e.logger.Info("run already completed", "run_id", runID)
			return record, nil
		case RunFailed:
			fromStage = e.firstFailedStage(state)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run, release, err := e.claim(ctx, state, cancel)
	if err != nil {
		return nil, err
	}
	defer release()

	run.err = e.execute(runCtx, state, func(o *Orchestrator) error {
		if fromStage != "" {
			return o.ResumeFrom(runCtx, fromStage)
		}
		if err := state.Reopen(); err != nil {
			return err
		}
		return o.Run(runCtx)
	})
	return state.ToRecord(), run.err
}

// firstFailedStage returns the first failed stage in execution order, or
// the first stage that has not succeeded if none failed outright.
func (e *Engine) firstFailedStage(state *State) string {
	for _, stage := range e.pipeline.Order() {
		if state.StageStatus(stage.Name) == StageFailed {
			return stage.Name
		}
	}
	for _, stage := range e.pipeline.Order() {
		if !state.StageStatus(stage.Name).Satisfied() {
			return stage.Name
		}
	}
	return ""
}

// Status returns the current record of a run. Active runs report their live
// state.
func (e *Engine) Status(ctx context.Context, runID string) (*RunRecord, error) {
	e.mutex.Lock()
	run, ok := e.active[runID]
	e.mutex.Unlock()
	if ok {
		return run.state.ToRecord(), nil
	}
	return e.store.LoadRun(ctx, runID)
}

// Wait blocks until an active run finishes, then returns its final record
// and the run's error, if any. Inactive runs return their stored record.
func (e *Engine) Wait(ctx context.Context, runID string) (*RunRecord, error) {
	e.mutex.Lock()
	run, ok := e.active[runID]
	e.mutex.Unlock()
	if !ok {
		record, err := e.store.LoadRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return record, recordError(record)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-run.done:
	}
	return run.state.ToRecord(), run.err
}

// Cancel requests that an active run stop. The running attempt finishes;
// the run then fails with a cancelled error.
func (e *Engine) Cancel(runID string) error {
	e.mutex.Lock()
	run, ok := e.active[runID]
	e.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not active", ErrRunNotFound, runID)
	}
	e.logger.Info("cancelling run", "run_id", runID)
	run.cancel()
	return nil
}

// List returns summaries of all stored runs
func (e *Engine) List(ctx context.Context) ([]*RunSummary, error) {
	return e.store.ListRuns(ctx)
}

// Active returns the IDs of runs currently owned by this engine
func (e *Engine) Active() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels all background runs and waits for them to stop
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mutex.Lock()
	for _, run := range e.active {
		run.cancel()
	}
	e.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (e *Engine) newState(request string) (*State, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, NewError(ErrorKindInvalidInput, "request is required")
	}
	return NewState(e.newRunID(), e.pipeline.Name(), stageNames(e.pipeline.Stages()), request), nil
}

// claim registers the run as active in this process and, when the store
// supports it, locks it across processes.
func (e *Engine) claim(ctx context.Context, state *State, cancel context.CancelFunc) (*activeRun, func(), error) {
	runID := state.RunID()

	e.mutex.Lock()
	if _, exists := e.active[runID]; exists {
		e.mutex.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	run := &activeRun{state: state, cancel: cancel, done: make(chan struct{})}
	e.active[runID] = run
	e.mutex.Unlock()

	unlock := func() {}
	if locker, ok := e.store.(RunLocker); ok {
		var err error
		unlock, err = locker.Lock(ctx, runID)
		if err != nil {
			e.mutex.Lock()
			delete(e.active, runID)
			e.mutex.Unlock()
			return nil, nil, err
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			unlock()
			e.mutex.Lock()
			delete(e.active, runID)
			e.mutex.Unlock()
			close(run.done)
		})
	}
	return run, release, nil
}

func (e *Engine) isActive(runID string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	_, ok := e.active[runID]
	return ok
}

func (e *Engine) execute(ctx context.Context, state *State, fn func(*Orchestrator) error) error {
	logger := e.logger.With("run_id", state.RunID())
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Pipeline:  e.pipeline,
		State:     state,
		Runner:    e.runner,
		Store:     e.store,
		Logger:    e.logger,
		Callbacks: e.callbacks,
	})
	if err != nil {
		return err
	}
	err = fn(orchestrator)
	var runErr *RunError
	if err != nil && !errors.As(err, &runErr) {
		logger.Error("run stopped", "error", err)
	}
	return err
}

// recordError returns a *RunError for a stored failed run
func recordError(record *RunRecord) error {
	if record.Status != RunFailed {
		return nil
	}
	for i := len(record.Errors) - 1; i >= 0; i-- {
		if record.Errors[i].Terminal {
			copied := *record.Errors[i]
			return &RunError{RunID: record.RunID, Record: &copied}
		}
	}
	return &RunError{RunID: record.RunID}
}

func stageNames(stages []*Stage) []string {
	names := make([]string, 0, len(stages))
	for _, stage := range stages {
		names = append(names, stage.Name)
	}
	return names
}
