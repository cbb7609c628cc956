package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Jitter selects how randomness is applied to a backoff delay.
type Jitter string

const (
	// JitterNone uses the computed exponential delay as is.
	JitterNone Jitter = "none"

	// JitterFull picks a delay uniformly in [0, delay].
	JitterFull Jitter = "full"

	// JitterEqual picks a delay uniformly in [delay/2, delay].
	JitterEqual Jitter = "equal"
)

// Backoff describes an exponential backoff curve.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     Jitter
}

// Delay returns the wait before the retry that follows the given attempt
// (1-based). rnd returns values in [0, 1); nil uses math/rand.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	if b.Base <= 0 || attempt < 1 {
		return 0
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	delay := float64(b.Base) * math.Pow(multiplier, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	switch b.Jitter {
	case JitterFull:
		delay = delay * rnd()
	case JitterEqual:
		delay = delay/2 + (delay/2)*rnd()
	}
	return time.Duration(delay)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits for d, returning early with ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep returns immediately unless ctx is already done.
func NoSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

type options struct {
	maxRetries int
	backoff    Backoff
	sleep      SleepFunc
	retryable  func(error) bool
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithBaseWait sets the initial backoff delay.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) {
		o.backoff.Base = d
	}
}

// WithMaxWait caps each backoff delay.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.backoff.Max = d
	}
}

// WithSleep overrides how waits are performed (useful for tests).
func WithSleep(fn SleepFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// WithRetryIf overrides which errors are retried. The default retries
// errors for which IsRecoverable returns true.
func WithRetryIf(fn func(error) bool) Option {
	return func(o *options) {
		if fn != nil {
			o.retryable = fn
		}
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retries are exhausted. The last error is returned unchanged.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := &options{
		maxRetries: 3,
		backoff:    Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: JitterEqual},
		sleep:      Sleep,
		retryable:  IsRecoverable,
	}
	for _, opt := range opts {
		opt(o)
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt > o.maxRetries || !o.retryable(err) {
			return err
		}
		if sleepErr := o.sleep(ctx, o.backoff.Delay(attempt, nil)); sleepErr != nil {
			return err
		}
	}
}
