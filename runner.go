package podflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/deepnoodle-ai/podflow/retry"
	"github.com/google/uuid"
)

// RunnerOptions configures a StageRunner
type RunnerOptions struct {
	Pipeline      *Pipeline
	Logger        *slog.Logger
	Callbacks     Callbacks
	AttemptLogger AttemptLogger

	// Sleep waits between attempts. Defaults to retry.Sleep.
	Sleep retry.SleepFunc

	// Rand returns jitter values in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// StageResult describes how one stage invocation ended.
type StageResult struct {
	Stage    string
	Status   StageStatus
	Attempts int
	Output   Output
	Duration time.Duration

	// Error is the record appended to the state for a degraded or failed
	// outcome. It is nil when the stage succeeded outright.
	Error *ErrorRecord
}

// Degraded reports whether the stage succeeded using its fallback.
func (r *StageResult) Degraded() bool {
	return r.Status == StageSucceededDegraded
}

// Failed reports whether the stage failed.
func (r *StageResult) Failed() bool {
	return r.Status == StageFailed
}

// StageRunner executes a single stage against a run state. It is the only
// component that writes stage outputs.
type StageRunner struct {
	pipeline      *Pipeline
	logger        *slog.Logger
	callbacks     Callbacks
	attemptLogger AttemptLogger
	sleep         retry.SleepFunc
	rand          func() float64
}

// NewStageRunner returns a runner for the stages of the given pipeline
func NewStageRunner(opts RunnerOptions) (*StageRunner, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.AttemptLogger == nil {
		opts.AttemptLogger = NewNullAttemptLogger()
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &StageRunner{
		pipeline:      opts.Pipeline,
		logger:        opts.Logger,
		callbacks:     opts.Callbacks,
		attemptLogger: opts.AttemptLogger,
		sleep:         opts.Sleep,
		rand:          opts.Rand,
	}, nil
}

// Run executes the stage until it succeeds, degrades, or fails. Stage
// failures are reported through the result; the returned error is reserved
// for problems with the state itself, such as a sealed state.
func (r *StageRunner) Run(ctx context.Context, stage *Stage, state *State) (*StageResult, error) {
	handler, ok := r.pipeline.Handler(stage)
	if !ok {
		return nil, fmt.Errorf("stage %q: unknown handler %q", stage.Name, stage.HandlerName())
	}
	current, ok := state.Stage(stage.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage.Name)
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: stage %q is already %s", ErrInvalidTransition, stage.Name, current.Status)
	}

	logger := r.logger.With("run_id", state.RunID(), "stage", stage.Name)
	startTime := time.Now()
	run := &stageRun{
		runner:    r,
		ctx:       ctx,
		stage:     stage,
		handler:   handler,
		state:     state,
		logger:    logger,
		startTime: startTime,
		attempts:  current.Attempts,
	}

	if err := r.checkPreconditions(stage, state); err != nil {
		logger.Error("stage preconditions not met", "error", err)
		run.beforeStage(current.Status)
		return run.fail(err)
	}

	if err := state.BeginStage(stage.Name); err != nil {
		return nil, err
	}
	run.beforeStage(StageRunning)
	if current.Status == StageRunning {
		logger.Info("continuing interrupted stage", "attempts", current.Attempts)
	}
	return run.execute()
}

func (r *StageRunner) checkPreconditions(stage *Stage, state *State) error {
	for _, dep := range stage.DependsOn {
		if status := state.StageStatus(dep); !status.Satisfied() {
			return &Error{
				Kind:  ErrorKindDependencyNotSatisfied,
				Stage: stage.Name,
				Cause: fmt.Sprintf("dependency %q is %s", dep, status),
			}
		}
	}
	var missing []string
	for _, field := range stage.RequiredInputs {
		if _, ok := state.Get(field); !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &Error{
			Kind:  ErrorKindDependencyNotSatisfied,
			Stage: stage.Name,
			Cause: fmt.Sprintf("missing required inputs: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

// stageRun holds the bookkeeping of one Run call
type stageRun struct {
	runner    *StageRunner
	ctx       context.Context
	stage     *Stage
	handler   Handler
	state     *State
	logger    *slog.Logger
	startTime time.Time
	attempts  int
	waited    time.Duration
}

func (s *stageRun) execute() (*StageResult, error) {
	policy := s.stage.RetryPolicy()
	maxAttempts := policy.attempts()
	backoff := policy.backoff()
	sleep := policy.sleeper(s.runner.sleep)

	var lastErr *Error
	for s.attempts < maxAttempts {
		if err := s.ctx.Err(); err != nil {
			return s.cancelled(err)
		}
		attempt, err := s.state.RecordAttempt(s.stage.Name)
		if err != nil {
			return nil, err
		}
		s.attempts = attempt

		output, err := s.runAttempt(attempt)
		if err == nil {
			if violation := s.checkOutput("output", output); violation != nil {
				s.logger.Error("stage output violates contract", "error", violation.Cause)
				return s.fail(violation)
			}
			return s.complete(output, false, nil)
		}

		lastErr = stageError(s.stage, err)
		logger := s.logger.With("attempt", attempt, "kind", lastErr.Kind, "error", lastErr.Cause)
		if lastErr.Kind.Fatal() {
			logger.Error("stage attempt failed fatally")
			return s.fail(lastErr)
		}
		if !policy.retries(lastErr.Kind) {
			logger.Warn("stage attempt failed with non-retryable error")
			break
		}
		if s.attempts >= maxAttempts {
			logger.Warn("stage attempts exhausted")
			break
		}

		delay := backoff.Delay(attempt, s.runner.rand)
		if policy.MaxTotalWait > 0 {
			remaining := policy.MaxTotalWait - s.waited
			if remaining <= 0 {
				logger.Warn("stage retry wait budget exhausted", "waited", s.waited)
				break
			}
			delay = min(delay, remaining)
		}
		logger.Warn("retrying stage", "delay", delay)
		if err := sleep(s.ctx, delay); err != nil {
			return s.cancelled(err)
		}
		s.waited += delay
	}

	if lastErr == nil {
		lastErr = &Error{
			Kind:  ErrorKindUnavailable,
			Stage: s.stage.Name,
			Cause: fmt.Sprintf("all %d attempts were used before the run was resumed", s.attempts),
		}
	}
	return s.degrade(lastErr)
}

// runAttempt executes the handler once. The attempt is detached from run
// cancellation and bounded by the stage timeout. A handler that does not
// return by the deadline is abandoned and its result discarded.
func (s *stageRun) runAttempt(attempt int) (Output, error) {
	ctx := context.WithoutCancel(s.ctx)
	var cancel context.CancelFunc = func() {}
	if s.stage.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.stage.Timeout)
	}
	defer cancel()
	ctx = WithLogger(ctx, s.logger.With("attempt", attempt))

	event := &AttemptEvent{
		RunID:     s.state.RunID(),
		Pipeline:  s.state.PipelineName(),
		Stage:     s.stage.Name,
		Handler:   s.handler.Name(),
		Attempt:   attempt,
		StartTime: time.Now(),
	}
	s.runner.callbacks.BeforeAttempt(s.ctx, event)

	type result struct {
		output Output
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if rec := recover(); rec != nil {
				res = result{err: &Error{
					Kind:  ErrorKindStageContractViolation,
					Stage: s.stage.Name,
					Cause: fmt.Sprintf("handler panicked: %v", rec),
				}}
			}
			done <- res
		}()
		res.output, res.err = s.handler.Execute(ctx, readOnlyState{s.state})
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: &Error{
			Kind:    ErrorKindUnavailable,
			Stage:   s.stage.Name,
			Cause:   fmt.Sprintf("attempt timed out after %s", s.stage.Timeout),
			Wrapped: ctx.Err(),
		}}
	}
	if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() != nil {
		res.err = &Error{
			Kind:    ErrorKindUnavailable,
			Stage:   s.stage.Name,
			Cause:   fmt.Sprintf("attempt timed out after %s", s.stage.Timeout),
			Wrapped: res.err,
		}
	}

	s.finishAttempt(event, res.output, res.err)
	return res.output, res.err
}

func (s *stageRun) runFallback(fb FallbackHandler) (output Output, err error) {
	event := &AttemptEvent{
		RunID:     s.state.RunID(),
		Pipeline:  s.state.PipelineName(),
		Stage:     s.stage.Name,
		Handler:   s.handler.Name(),
		Attempt:   s.attempts,
		Fallback:  true,
		StartTime: time.Now(),
	}
	s.runner.callbacks.BeforeAttempt(s.ctx, event)
	defer func() {
		if rec := recover(); rec != nil {
			output = nil
			err = &Error{
				Kind:  ErrorKindStageContractViolation,
				Stage: s.stage.Name,
				Cause: fmt.Sprintf("fallback panicked: %v", rec),
			}
		}
		s.finishAttempt(event, output, err)
	}()
	return fb.Fallback(readOnlyState{s.state})
}

func (s *stageRun) finishAttempt(event *AttemptEvent, output Output, err error) {
	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(event.StartTime)
	event.Error = err
	if err != nil {
		event.Kind = KindOf(err)
	}
	s.runner.callbacks.AfterAttempt(s.ctx, event)

	entry := &AttemptLogEntry{
		ID:        uuid.New().String(),
		RunID:     event.RunID,
		Stage:     event.Stage,
		Handler:   event.Handler,
		Attempt:   event.Attempt,
		Fallback:  event.Fallback,
		Fields:    outputFields(output),
		Kind:      event.Kind,
		StartTime: event.StartTime,
		Duration:  event.Duration.Seconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := s.runner.attemptLogger.LogAttempt(s.ctx, entry); logErr != nil {
		s.logger.Error("failed to log attempt", "error", logErr)
	}
}

func (s *stageRun) degrade(cause *Error) (*StageResult, error) {
	if s.stage.NonDegradable {
		s.logger.Error("non-degradable stage failed", "kind", cause.Kind, "error", cause.Cause)
		return s.fail(cause)
	}
	fb, ok := s.handler.(FallbackHandler)
	if !ok {
		s.logger.Error("stage failed with no fallback", "kind", cause.Kind, "error", cause.Cause)
		return s.fail(cause)
	}
	output, err := s.runFallback(fb)
	if err != nil {
		fbErr := stageError(s.stage, err)
		s.logger.Error("stage fallback failed", "error", fbErr.Cause)
		kind := cause.Kind
		if fbErr.Kind == ErrorKindStageContractViolation {
			kind = fbErr.Kind
		}
		return s.fail(&Error{
			Kind:    kind,
			Stage:   s.stage.Name,
			Cause:   fmt.Sprintf("%s; fallback failed: %s", cause.Cause, fbErr.Cause),
			Wrapped: cause,
		})
	}
	if violation := s.checkOutput("fallback output", output); violation != nil {
		s.logger.Error("fallback output violates contract", "error", violation.Cause)
		return s.fail(violation)
	}
	s.logger.Warn("stage degraded", "kind", cause.Kind, "error", cause.Cause, "attempts", s.attempts)
	return s.complete(output, true, cause)
}

func (s *stageRun) complete(output Output, degraded bool, cause *Error) (*StageResult, error) {
	output, err := normalizeOutput(output)
	if err != nil {
		s.logger.Error("stage output is not serializable", "error", err)
		return s.fail(&Error{
			Kind:    ErrorKindStageContractViolation,
			Stage:   s.stage.Name,
			Cause:   fmt.Sprintf("output is not serializable: %s", err),
			Wrapped: err,
		})
	}
	if err := s.state.CompleteStage(s.stage.Name, output, degraded); err != nil {
		return nil, err
	}
	result := &StageResult{
		Stage:    s.stage.Name,
		Status:   StageSucceeded,
		Attempts: s.attempts,
		Output:   copyOutput(output),
		Duration: time.Since(s.startTime),
	}
	if degraded {
		result.Status = StageSucceededDegraded
		result.Error = &ErrorRecord{
			Stage:    s.stage.Name,
			Kind:     cause.Kind,
			Message:  cause.Cause,
			Attempts: s.attempts,
			Time:     time.Now(),
		}
		if err := s.state.AppendError(result.Error); err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("stage succeeded", "attempts", s.attempts)
	}
	var stageErr error
	if degraded {
		stageErr = cause
	}
	s.afterStage(result, stageErr)
	return result, nil
}

func (s *stageRun) cancelled(err error) (*StageResult, error) {
	s.logger.Warn("stage cancelled", "attempts", s.attempts)
	return s.fail(&Error{
		Kind:    ErrorKindCancelled,
		Stage:   s.stage.Name,
		Cause:   "run cancelled",
		Wrapped: err,
	})
}

func (s *stageRun) fail(cause error) (*StageResult, error) {
	classified := stageError(s.stage, cause)
	if err := s.state.FailStage(s.stage.Name); err != nil {
		return nil, err
	}
	result := &StageResult{
		Stage:    s.stage.Name,
		Status:   StageFailed,
		Attempts: s.attempts,
		Duration: time.Since(s.startTime),
		Error: &ErrorRecord{
			Stage:    s.stage.Name,
			Kind:     classified.Kind,
			Message:  classified.Cause,
			Attempts: s.attempts,
			Terminal: true,
			Time:     time.Now(),
		},
	}
	if err := s.state.AppendError(result.Error); err != nil {
		return nil, err
	}
	s.afterStage(result, classified)
	return result, nil
}

// beforeStage reports the stage as started. A stage failing its
// preconditions is reported with its pending status so that every
// AfterStage has a matching BeforeStage.
func (s *stageRun) beforeStage(status StageStatus) {
	s.runner.callbacks.BeforeStage(s.ctx, &StageEvent{
		RunID:     s.state.RunID(),
		Pipeline:  s.state.PipelineName(),
		Stage:     s.stage.Name,
		Status:    status,
		Attempts:  s.attempts,
		StartTime: s.startTime,
	})
}

func (s *stageRun) afterStage(result *StageResult, err error) {
	s.runner.callbacks.AfterStage(s.ctx, &StageEvent{
		RunID:     s.state.RunID(),
		Pipeline:  s.state.PipelineName(),
		Stage:     s.stage.Name,
		Status:    result.Status,
		Attempts:  result.Attempts,
		Degraded:  result.Degraded(),
		StartTime: s.startTime,
		EndTime:   time.Now(),
		Duration:  result.Duration,
		Error:     err,
	})
}

// stageError classifies err and attributes it to the stage
func stageError(stage *Stage, err error) *Error {
	classified := ClassifyError(err)
	if classified.Stage == stage.Name {
		return classified
	}
	copied := *classified
	copied.Stage = stage.Name
	return &copied
}

// checkOutput verifies that the output contains every declared field and
// does not write fields owned by another stage or built in.
func (s *stageRun) checkOutput(what string, output Output) *Error {
	var missing []string
	for _, field := range s.stage.Produces {
		if _, ok := output[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &Error{
			Kind:  ErrorKindStageContractViolation,
			Stage: s.stage.Name,
			Cause: fmt.Sprintf("%s is missing declared fields: %s", what, strings.Join(missing, ", ")),
		}
	}
	var foreign []string
	for _, field := range outputFields(output) {
		if isBuiltinField(field) {
			foreign = append(foreign, field)
			continue
		}
		if producer, ok := s.runner.pipeline.Producer(field); ok && producer != s.stage.Name {
			foreign = append(foreign, field)
		}
	}
	if len(foreign) > 0 {
		return &Error{
			Kind:  ErrorKindStageContractViolation,
			Stage: s.stage.Name,
			Cause: fmt.Sprintf("%s writes fields owned elsewhere: %s", what, strings.Join(foreign, ", ")),
		}
	}
	return nil
}

// normalizeOutput converts the output to plain JSON values, the same form
// it takes after a record is stored and loaded again. Reloaded outputs then
// encode identically to the originals.
func normalizeOutput(output Output) (Output, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	var normalized Output
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, err
	}
	if normalized == nil {
		normalized = Output{}
	}
	return normalized, nil
}

func outputFields(output Output) []string {
	if len(output) == 0 {
		return nil
	}
	fields := make([]string, 0, len(output))
	for field := range output {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// readOnlyState exposes only the Input methods of a state to handlers
type readOnlyState struct {
	state *State
}

func (s readOnlyState) RunID() string                { return s.state.RunID() }
func (s readOnlyState) Request() string              { return s.state.Request() }
func (s readOnlyState) Get(field string) (any, bool) { return s.state.Get(field) }
func (s readOnlyState) Output(stage string) (Output, bool) {
	return s.state.Output(stage)
}
