package podflow

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/podflow/retry"
)

// Built-in fields available to every stage without being produced.
const (
	FieldRequest = "request"
	FieldRunID   = "run_id"
)

func isBuiltinField(name string) bool {
	return name == FieldRequest || name == FieldRunID
}

// Output is the set of named fields a stage produces.
type Output map[string]any

// Stage declares one unit of work in a pipeline. It is data only: the body
// is the Handler registered under the stage's Handler name.
type Stage struct {
	Name           string        `json:"name" yaml:"name"`
	Description    string        `json:"description,omitempty" yaml:"description,omitempty"`
	Handler        string        `json:"handler,omitempty" yaml:"handler,omitempty"`
	DependsOn      []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RequiredInputs []string      `json:"required_inputs,omitempty" yaml:"required_inputs,omitempty"`
	Produces       []string      `json:"produces,omitempty" yaml:"produces,omitempty"`
	Retry          *RetryPolicy  `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	NonDegradable  bool          `json:"non_degradable,omitempty" yaml:"non_degradable,omitempty"`
}

// HandlerName returns the name of the handler that executes the stage.
func (s *Stage) HandlerName() string {
	if s.Handler != "" {
		return s.Handler
	}
	return s.Name
}

// RetryPolicy returns the stage's retry policy, or the default policy.
func (s *Stage) RetryPolicy() *RetryPolicy {
	if s.Retry != nil {
		return s.Retry
	}
	return DefaultRetryPolicy()
}

// JitterStrategy defines the jitter strategy for retry delays
type JitterStrategy string

const (
	JitterNone  JitterStrategy = "none"
	JitterFull  JitterStrategy = "full"
	JitterEqual JitterStrategy = "equal"
)

// RetryPolicy configures retry behavior for a stage.
type RetryPolicy struct {
	MaxAttempts  int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay    time.Duration  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay     time.Duration  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier   float64        `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Jitter       JitterStrategy `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	MaxTotalWait time.Duration  `json:"max_total_wait,omitempty" yaml:"max_total_wait,omitempty"`
	RetryOn      []ErrorKind    `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`

	sleep retry.SleepFunc
}

// DefaultRetryPolicy returns the policy used by stages that do not set one.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      JitterFull,
		RetryOn:     []ErrorKind{ErrorKindUnavailable, ErrorKindRateLimited},
	}
}

// ZeroWait returns a copy of the default policy with the given number of
// attempts that never sleeps between attempts.
func ZeroWait(maxAttempts int) *RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = maxAttempts
	p.sleep = retry.NoSleep
	return p
}

// WithAttempts returns a copy of the policy with a different attempt limit.
func (p *RetryPolicy) WithAttempts(n int) *RetryPolicy {
	copied := *p
	copied.MaxAttempts = n
	return &copied
}

// Validate checks the policy for configuration errors.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.MaxTotalWait < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base_delay %s exceeds max_delay %s", p.BaseDelay, p.MaxDelay)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1")
	}
	switch p.Jitter {
	case "", JitterNone, JitterFull, JitterEqual:
	default:
		return fmt.Errorf("unknown jitter strategy %q", p.Jitter)
	}
	for _, kind := range p.RetryOn {
		if !kind.Transient() {
			return fmt.Errorf("retry_on may only name transient error kinds, got %q", kind)
		}
	}
	return nil
}

func (p *RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p *RetryPolicy) retries(kind ErrorKind) bool {
	retryOn := p.RetryOn
	if retryOn == nil {
		retryOn = []ErrorKind{ErrorKindUnavailable, ErrorKindRateLimited}
	}
	for _, k := range retryOn {
		if k == kind {
			return true
		}
	}
	return false
}

func (p *RetryPolicy) backoff() retry.Backoff {
	jitter := retry.JitterFull
	switch p.Jitter {
	case JitterNone:
		jitter = retry.JitterNone
	case JitterEqual:
		jitter = retry.JitterEqual
	}
	return retry.Backoff{
		Base:       p.BaseDelay,
		Max:        p.MaxDelay,
		Multiplier: p.Multiplier,
		Jitter:     jitter,
	}
}

func (p *RetryPolicy) sleeper(fallback retry.SleepFunc) retry.SleepFunc {
	if p.sleep != nil {
		return p.sleep
	}
	return fallback
}
