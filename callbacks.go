package podflow

import (
	"context"
	"time"
)

// Callbacks defines the callback interface for run events. Callbacks are
// invoked synchronously by the goroutine that owns the run.
type Callbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Stage-level callbacks
	BeforeStage(ctx context.Context, event *StageEvent)
	AfterStage(ctx context.Context, event *StageEvent)

	// Attempt-level callbacks
	BeforeAttempt(ctx context.Context, event *AttemptEvent)
	AfterAttempt(ctx context.Context, event *AttemptEvent)
}

// RunEvent provides context for run-level events
type RunEvent struct {
	RunID     string
	Pipeline  string
	Request   string
	Status    RunStatus
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Artifacts map[string]any
	Error     error
}

// StageEvent provides context for stage-level events
type StageEvent struct {
	RunID     string
	Pipeline  string
	Stage     string
	Status    StageStatus
	Attempts  int
	Degraded  bool
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// AttemptEvent provides context for a single execution attempt of a stage
type AttemptEvent struct {
	RunID     string
	Pipeline  string
	Stage     string
	Handler   string
	Attempt   int
	Fallback  bool
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Kind      ErrorKind
	Error     error
}

// BaseCallbacks provides a default implementation that does nothing
type BaseCallbacks struct{}

func (n *BaseCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseCallbacks) BeforeStage(ctx context.Context, event *StageEvent) {
	// noop
}

func (n *BaseCallbacks) AfterStage(ctx context.Context, event *StageEvent) {
	// noop
}

func (n *BaseCallbacks) BeforeAttempt(ctx context.Context, event *AttemptEvent) {
	// noop
}

func (n *BaseCallbacks) AfterAttempt(ctx context.Context, event *AttemptEvent) {
	// noop
}

// NewBaseCallbacks creates a new no-op callbacks implementation.
// Embed BaseCallbacks in your own callbacks to implement only the events you need.
func NewBaseCallbacks() Callbacks {
	return &BaseCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeStage(ctx context.Context, event *StageEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStage(ctx, event)
	}
}

func (c *CallbackChain) AfterStage(ctx context.Context, event *StageEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStage(ctx, event)
	}
}

func (c *CallbackChain) BeforeAttempt(ctx context.Context, event *AttemptEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeAttempt(ctx, event)
	}
}

func (c *CallbackChain) AfterAttempt(ctx context.Context, event *AttemptEvent) {
	for _, callback := range c.callbacks {
		callback.AfterAttempt(ctx, event)
	}
}
