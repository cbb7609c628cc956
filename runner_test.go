package podflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runSingle runs one stage named "work" with the given handler.
func runSingle(t *testing.T, stage *Stage, handler Handler, opts ...func(*RunnerOptions)) (*StageResult, *State) {
	t.Helper()
	stage.Name = "work"
	p, err := New(Options{Name: "test", Stages: []*Stage{stage}, Handlers: []Handler{handler}})
	require.NoError(t, err)
	runnerOpts := RunnerOptions{Pipeline: p}
	for _, opt := range opts {
		opt(&runnerOpts)
	}
	runner, err := NewStageRunner(runnerOpts)
	require.NoError(t, err)
	state := NewState("run_test", "test", []string{"work"}, "request")
	require.NoError(t, state.Start())
	result, err := runner.Run(context.Background(), stage, state)
	require.NoError(t, err)
	return result, state
}

type flakyHandler struct {
	name      string
	failures  []error
	output    Output
	calls     atomic.Int32
	fallbacks atomic.Int32
	fallback  Output
}

func (h *flakyHandler) Name() string { return h.name }

func (h *flakyHandler) Execute(ctx context.Context, in Input) (Output, error) {
	n := int(h.calls.Add(1))
	if n <= len(h.failures) {
		return nil, h.failures[n-1]
	}
	return h.output, nil
}

func (h *flakyHandler) Fallback(in Input) (Output, error) {
	h.fallbacks.Add(1)
	return h.fallback, nil
}

func repeat(err error, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}

func TestRunnerSucceeds(t *testing.T) {
	h := &flakyHandler{name: "work", output: Output{"count": 3, "tags": []string{"a"}}}
	result, state := runSingle(t, &Stage{Produces: []string{"count"}, Retry: ZeroWait(3)}, h)

	require.Equal(t, StageSucceeded, result.Status)
	require.Equal(t, 1, result.Attempts)
	require.Nil(t, result.Error)
	// Outputs are stored as plain JSON values.
	require.Equal(t, 3.0, result.Output["count"])
	require.Equal(t, []any{"a"}, result.Output["tags"])
	require.Empty(t, state.Errors())
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	h := &flakyHandler{
		name:     "work",
		failures: []error{Unavailable("svc", errors.New("down")), RateLimited("svc", errors.New("slow down"))},
		output:   Output{"x": "ok"},
	}
	result, state := runSingle(t, &Stage{Produces: []string{"x"}, Retry: ZeroWait(3)}, h)

	require.Equal(t, StageSucceeded, result.Status)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, int32(3), h.calls.Load())
	require.Zero(t, h.fallbacks.Load())
	require.Empty(t, state.Errors())
}

func TestRunnerDegradesAfterExhaustingAttempts(t *testing.T) {
	h := &flakyHandler{
		name:     "work",
		failures: repeat(Unavailable("svc", errors.New("down")), 5),
		fallback: Output{"x": "fallback"},
	}
	result, state := runSingle(t, &Stage{Produces: []string{"x"}, Retry: ZeroWait(3)}, h)

	require.Equal(t, StageSucceededDegraded, result.Status)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, int32(3), h.calls.Load())
	require.Equal(t, int32(1), h.fallbacks.Load())
	require.Equal(t, "fallback", result.Output["x"])

	errs := state.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, ErrorKindUnavailable, errs[0].Kind)
	require.False(t, errs[0].Terminal)
	require.Equal(t, 3, errs[0].Attempts)
}

func TestRunnerDoesNotRetryNonTransientErrors(t *testing.T) {
	for _, kind := range []ErrorKind{ErrorKindInvalidInput, ErrorKindUnauthorized} {
		t.Run(string(kind), func(t *testing.T) {
			h := &flakyHandler{
				name:     "work",
				failures: repeat(NewError(kind, "rejected"), 5),
				fallback: Output{"x": "fallback"},
			}
			result, _ := runSingle(t, &Stage{Produces: []string{"x"}, Retry: ZeroWait(5)}, h)
			require.Equal(t, StageSucceededDegraded, result.Status)
			require.Equal(t, 1, result.Attempts)
			require.Equal(t, kind, result.Error.Kind)
		})
	}
}

func TestRunnerRetryOnRestrictsKinds(t *testing.T) {
	policy := ZeroWait(4)
	policy.RetryOn = []ErrorKind{ErrorKindUnavailable}
	h := &flakyHandler{
		name:     "work",
		failures: repeat(RateLimited("svc", errors.New("slow down")), 5),
		fallback: Output{},
	}
	result, _ := runSingle(t, &Stage{Retry: policy}, h)
	require.Equal(t, 1, result.Attempts)
	require.Equal(t, StageSucceededDegraded, result.Status)
}

func TestRunnerFatalErrorsSkipFallback(t *testing.T) {
	for _, kind := range []ErrorKind{ErrorKindStageContractViolation, ErrorKindDependencyNotSatisfied, ErrorKindCancelled} {
		t.Run(string(kind), func(t *testing.T) {
			h := &flakyHandler{name: "work", failures: repeat(NewError(kind, "broken"), 3), fallback: Output{}}
			result, state := runSingle(t, &Stage{Retry: ZeroWait(3)}, h)
			require.Equal(t, StageFailed, result.Status)
			require.Equal(t, 1, result.Attempts)
			require.Zero(t, h.fallbacks.Load())
			require.True(t, result.Error.Terminal)
			require.Equal(t, kind, result.Error.Kind)
			require.Equal(t, StageFailed, state.StageStatus("work"))
		})
	}
}

func TestRunnerNonDegradableStageFails(t *testing.T) {
	h := &flakyHandler{
		name:     "work",
		failures: repeat(Unavailable("svc", errors.New("down")), 3),
		fallback: Output{"x": "fallback"},
	}
	result, state := runSingle(t, &Stage{Produces: []string{"x"}, Retry: ZeroWait(2), NonDegradable: true}, h)
	require.Equal(t, StageFailed, result.Status)
	require.Equal(t, 2, result.Attempts)
	require.Zero(t, h.fallbacks.Load())
	require.Equal(t, ErrorKindUnavailable, result.Error.Kind)
	_, ok := state.Output("work")
	require.False(t, ok)
}

func TestRunnerWithoutFallbackFails(t *testing.T) {
	h := NewHandler("work", func(ctx context.Context, in Input) (Output, error) {
		return nil, Unavailable("svc", errors.New("down"))
	})
	result, _ := runSingle(t, &Stage{Retry: ZeroWait(2)}, h)
	require.Equal(t, StageFailed, result.Status)
	require.Equal(t, 2, result.Attempts)
}

func TestRunnerFallbackFailureKeepsCauseKind(t *testing.T) {
	h := NewHandler("work",
		func(ctx context.Context, in Input) (Output, error) {
			return nil, RateLimited("svc", errors.New("slow down"))
		},
		WithFallback(func(in Input) (Output, error) {
			return nil, errors.New("no cached copy")
		}))
	result, _ := runSingle(t, &Stage{Retry: ZeroWait(1)}, h)
	require.Equal(t, StageFailed, result.Status)
	require.Equal(t, ErrorKindRateLimited, result.Error.Kind)
	require.Contains(t, result.Error.Message, "fallback failed: no cached copy")
}

func TestRunnerOutputContract(t *testing.T) {
	t.Run("missing declared field", func(t *testing.T) {
		h := &flakyHandler{name: "work", output: Output{"x": 1}}
		result, _ := runSingle(t, &Stage{Produces: []string{"x", "y"}, Retry: ZeroWait(3)}, h)
		require.Equal(t, StageFailed, result.Status)
		require.Equal(t, ErrorKindStageContractViolation, result.Error.Kind)
		require.Contains(t, result.Error.Message, "missing declared fields: y")
		require.Equal(t, int32(1), h.calls.Load())
	})

	t.Run("built-in field", func(t *testing.T) {
		h := &flakyHandler{name: "work", output: Output{"x": 1, FieldRequest: "other"}}
		result, _ := runSingle(t, &Stage{Produces: []string{"x"}, Retry: ZeroWait(3)}, h)
		require.Equal(t, ErrorKindStageContractViolation, result.Error.Kind)
		require.Contains(t, result.Error.Message, "owned elsewhere: request")
	})

	t.Run("fallback missing field", func(t *testing.T) {
		h := &flakyHandler{
			name:     "work",
			failures: repeat(Unavailable("svc", errors.New("down")), 3),
			fallback: Output{},
		}
		result, _ := runSingle(t, &Stage{Produces: []string{"x"}, Retry: ZeroWait(1)}, h)
		require.Equal(t, StageFailed, result.Status)
		require.Contains(t, result.Error.Message, "fallback output is missing declared fields: x")
	})

	t.Run("unserializable output", func(t *testing.T) {
		h := &flakyHandler{name: "work", output: Output{"x": make(chan int)}}
		result, _ := runSingle(t, &Stage{Produces: []string{"x"}, Retry: ZeroWait(3)}, h)
		require.Equal(t, ErrorKindStageContractViolation, result.Error.Kind)
		require.Contains(t, result.Error.Message, "not serializable")
	})
}

func TestRunnerForeignFieldViolatesContract(t *testing.T) {
	p, err := New(Options{
		Name: "test",
		Stages: []*Stage{
			{Name: "a", Produces: []string{"x"}, Retry: ZeroWait(1)},
			{Name: "b", Produces: []string{"y"}, Retry: ZeroWait(1)},
		},
		Handlers: []Handler{
			noopHandler("a", "x"),
			NewHandler("b", func(ctx context.Context, in Input) (Output, error) {
				return Output{"x": "stolen", "y": "mine"}, nil
			}),
		},
	})
	require.NoError(t, err)
	runner, err := NewStageRunner(RunnerOptions{Pipeline: p})
	require.NoError(t, err)
	state := NewState("run_test", "test", p.StageNames(), "request")
	stage, _ := p.GetStage("b")
	result, err := runner.Run(context.Background(), stage, state)
	require.NoError(t, err)
	require.Equal(t, ErrorKindStageContractViolation, result.Error.Kind)
	require.Contains(t, result.Error.Message, "owned elsewhere: x")
}

func TestRunnerRecoversPanics(t *testing.T) {
	h := NewHandler("work", func(ctx context.Context, in Input) (Output, error) {
		panic("boom")
	}, WithFallback(func(in Input) (Output, error) {
		return Output{}, nil
	}))
	result, _ := runSingle(t, &Stage{Retry: ZeroWait(3)}, h)
	require.Equal(t, StageFailed, result.Status)
	require.Equal(t, ErrorKindStageContractViolation, result.Error.Kind)
	require.Contains(t, result.Error.Message, "handler panicked: boom")
	require.Equal(t, 1, result.Attempts)
}

func TestRunnerStageTimeout(t *testing.T) {
	var calls atomic.Int32
	h := NewHandler("work", func(ctx context.Context, in Input) (Output, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithFallback(func(in Input) (Output, error) {
		return Output{"x": "late"}, nil
	}))
	result, state := runSingle(t, &Stage{Produces: []string{"x"}, Retry: ZeroWait(2), Timeout: 20 * time.Millisecond}, h)
	require.Equal(t, StageSucceededDegraded, result.Status)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, ErrorKindUnavailable, result.Error.Kind)
	require.Contains(t, state.Errors()[0].Message, "timed out")
}

func TestRunnerMaxTotalWait(t *testing.T) {
	var mu sync.Mutex
	var sleeps []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
		return nil
	}
	policy := &RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       JitterNone,
		MaxTotalWait: 15 * time.Millisecond,
	}
	h := &flakyHandler{name: "work", failures: repeat(Unavailable("svc", errors.New("down")), 5), fallback: Output{}}
	result, _ := runSingle(t, &Stage{Retry: policy}, h, func(o *RunnerOptions) { o.Sleep = sleep })

	require.Equal(t, StageSucceededDegraded, result.Status)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 5 * time.Millisecond}, sleeps)
}

func TestRunnerJitterUsesRand(t *testing.T) {
	var sleeps []time.Duration
	policy := &RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: JitterFull}
	h := &flakyHandler{name: "work", failures: repeat(Unavailable("svc", errors.New("down")), 2), output: Output{}}
	result, _ := runSingle(t, &Stage{Retry: policy}, h, func(o *RunnerOptions) {
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}
		o.Rand = func() float64 { return 0.5 }
	})
	require.Equal(t, StageSucceeded, result.Status)
	require.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, sleeps)
}

func TestRunnerPreconditions(t *testing.T) {
	p, err := New(Options{
		Name: "test",
		Stages: []*Stage{
			{Name: "a", Produces: []string{"x"}},
			{Name: "b", DependsOn: []string{"a"}, RequiredInputs: []string{"x"}},
		},
		Handlers: []Handler{noopHandler("a", "x"), noopHandler("b")},
	})
	require.NoError(t, err)
	runner, err := NewStageRunner(RunnerOptions{Pipeline: p})
	require.NoError(t, err)
	state := NewState("run_test", "test", p.StageNames(), "request")
	stage, _ := p.GetStage("b")

	result, err := runner.Run(context.Background(), stage, state)
	require.NoError(t, err)
	require.Equal(t, StageFailed, result.Status)
	require.Equal(t, ErrorKindDependencyNotSatisfied, result.Error.Kind)
	require.Zero(t, result.Attempts)
	require.Contains(t, result.Error.Message, `dependency "a" is pending`)

	// Running it again is a state error rather than a stage failure.
	_, err = runner.Run(context.Background(), stage, state)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRunnerPreconditionFailureIsReportedAsStage(t *testing.T) {
	p, err := New(Options{
		Name:     "test",
		Stages:   []*Stage{{Name: "a"}, {Name: "b", DependsOn: []string{"a"}}},
		Handlers: []Handler{noopHandler("a"), noopHandler("b")},
	})
	require.NoError(t, err)
	callbacks := &recordingCallbacks{}
	runner, err := NewStageRunner(RunnerOptions{Pipeline: p, Callbacks: callbacks})
	require.NoError(t, err)
	state := NewState("run_test", "test", p.StageNames(), "request")
	stage, _ := p.GetStage("b")

	result, err := runner.Run(context.Background(), stage, state)
	require.NoError(t, err)
	require.Equal(t, StageFailed, result.Status)
	require.Equal(t, []string{"before_stage:b", "after_stage:b:failed"}, callbacks.events)
	require.Equal(t, ErrorKindDependencyNotSatisfied, KindOf(callbacks.finished[0].Error))
}

func TestRunnerSucceededStageEventHasNoError(t *testing.T) {
	callbacks := &recordingCallbacks{}
	h := &flakyHandler{name: "work", output: Output{}}
	result, _ := runSingle(t, &Stage{Retry: ZeroWait(1)}, h, func(o *RunnerOptions) {
		o.Callbacks = callbacks
	})
	require.Equal(t, StageSucceeded, result.Status)
	require.Len(t, callbacks.finished, 1)
	require.NoError(t, callbacks.finished[0].Error)
}

func TestRunnerCancelledRun(t *testing.T) {
	h := &flakyHandler{name: "work", output: Output{}}
	p, err := New(Options{Name: "test", Stages: []*Stage{{Name: "work"}}, Handlers: []Handler{h}})
	require.NoError(t, err)
	runner, err := NewStageRunner(RunnerOptions{Pipeline: p})
	require.NoError(t, err)
	state := NewState("run_test", "test", []string{"work"}, "request")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stage, _ := p.GetStage("work")
	result, err := runner.Run(ctx, stage, state)
	require.NoError(t, err)
	require.Equal(t, StageFailed, result.Status)
	require.Equal(t, ErrorKindCancelled, result.Error.Kind)
	require.Zero(t, h.calls.Load())
}

func TestRunnerAttemptIsDetachedFromCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler("work", func(actx context.Context, in Input) (Output, error) {
		cancel()
		select {
		case <-actx.Done():
			return nil, actx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		return Output{"x": "finished"}, nil
	})
	p, err := New(Options{Name: "test", Stages: []*Stage{{Name: "work", Produces: []string{"x"}}}, Handlers: []Handler{h}})
	require.NoError(t, err)
	runner, err := NewStageRunner(RunnerOptions{Pipeline: p})
	require.NoError(t, err)
	state := NewState("run_test", "test", []string{"work"}, "request")
	stage, _ := p.GetStage("work")

	result, err := runner.Run(ctx, stage, state)
	require.NoError(t, err)
	require.Equal(t, StageSucceeded, result.Status)
	require.Equal(t, "finished", result.Output["x"])
}

func TestRunnerResumesInterruptedStage(t *testing.T) {
	h := &flakyHandler{name: "work", failures: repeat(Unavailable("svc", errors.New("down")), 5), fallback: Output{}}
	p, err := New(Options{Name: "test", Stages: []*Stage{{Name: "work", Retry: ZeroWait(3)}}, Handlers: []Handler{h}})
	require.NoError(t, err)
	runner, err := NewStageRunner(RunnerOptions{Pipeline: p})
	require.NoError(t, err)

	// The stage already used two attempts before the process stopped.
	state := NewState("run_test", "test", []string{"work"}, "request")
	require.NoError(t, state.BeginStage("work"))
	for range 2 {
		_, err := state.RecordAttempt("work")
		require.NoError(t, err)
	}
	stage, _ := p.GetStage("work")
	result, err := runner.Run(context.Background(), stage, state)
	require.NoError(t, err)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, int32(1), h.calls.Load())
	require.Equal(t, StageSucceededDegraded, result.Status)
}

type recordingCallbacks struct {
	BaseCallbacks
	mu       sync.Mutex
	events   []string
	attempts []*AttemptEvent
	finished []*StageEvent
}

func (c *recordingCallbacks) add(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *recordingCallbacks) BeforeRun(ctx context.Context, e *RunEvent) { c.add("before_run") }
func (c *recordingCallbacks) AfterRun(ctx context.Context, e *RunEvent) {
	c.add("after_run:" + string(e.Status))
}
func (c *recordingCallbacks) BeforeStage(ctx context.Context, e *StageEvent) {
	c.add("before_stage:" + e.Stage)
}
func (c *recordingCallbacks) AfterStage(ctx context.Context, e *StageEvent) {
	c.add("after_stage:" + e.Stage + ":" + string(e.Status))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, e)
}
func (c *recordingCallbacks) AfterAttempt(ctx context.Context, e *AttemptEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, e)
}

func TestRunnerCallbacksAndAttemptLog(t *testing.T) {
	callbacks := &recordingCallbacks{}
	attemptLog := NewFileAttemptLogger(t.TempDir())
	h := &flakyHandler{
		name:     "work",
		failures: repeat(Unavailable("svc", errors.New("down")), 2),
		fallback: Output{"x": "fallback"},
	}
	result, _ := runSingle(t, &Stage{Produces: []string{"x"}, Retry: ZeroWait(2)}, h, func(o *RunnerOptions) {
		o.Callbacks = callbacks
		o.AttemptLogger = attemptLog
	})
	require.True(t, result.Degraded())

	require.Equal(t, []string{"before_stage:work", "after_stage:work:succeeded_degraded"}, callbacks.events)
	require.Len(t, callbacks.attempts, 3)
	require.False(t, callbacks.attempts[1].Fallback)
	require.Equal(t, ErrorKindUnavailable, callbacks.attempts[1].Kind)
	require.True(t, callbacks.attempts[2].Fallback)
	require.NoError(t, callbacks.attempts[2].Error)

	// The degraded stage event carries the error that caused the fallback.
	require.Len(t, callbacks.finished, 1)
	require.True(t, callbacks.finished[0].Degraded)
	require.Error(t, callbacks.finished[0].Error)
	require.Equal(t, ErrorKindUnavailable, KindOf(callbacks.finished[0].Error))
	require.ErrorContains(t, callbacks.finished[0].Error, "down")

	history, err := attemptLog.GetAttemptHistory(context.Background(), "run_test")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 1, history[0].Attempt)
	require.Equal(t, ErrorKindUnavailable, history[0].Kind)
	require.Contains(t, history[0].Error, "down")
	require.True(t, history[2].Fallback)
	require.Equal(t, []string{"x"}, history[2].Fields)
}

func TestNewStageRunnerRequiresPipeline(t *testing.T) {
	_, err := NewStageRunner(RunnerOptions{})
	require.Error(t, err)
}
