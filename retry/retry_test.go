package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(Transient(errors.New("test error"))))
	assert.False(t, IsRecoverable(Permanent(errors.New("database is locked"))))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.True(t, IsRecoverable(fmt.Errorf("exec: %w", errors.New("database is locked (5) (SQLITE_BUSY)"))))
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
	assert.False(t, IsRecoverable(context.Canceled))
	assert.Nil(t, Transient(nil))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return Transient(errors.New("test error"))
	}, WithMaxRetries(3), WithSleep(NoSleep))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return Transient(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		if count == 2 {
			return Permanent(errors.New("constraint failed"))
		}
		return Transient(errors.New("busy"))
	}, WithMaxRetries(5), WithSleep(NoSleep))
	assert.EqualError(t, err, "constraint failed")
	assert.Equal(t, 2, count)
}

func TestRetryStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return Transient(errors.New("busy"))
	}, WithMaxRetries(5), WithBaseWait(time.Hour))
	assert.EqualError(t, err, "busy")
	assert.Equal(t, 1, count)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: JitterNone}
	assert.Equal(t, 100*time.Millisecond, b.Delay(1, nil))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2, nil))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4, nil))
	assert.Equal(t, time.Second, b.Delay(10, nil))
	assert.Zero(t, b.Delay(0, nil))

	half := func() float64 { return 0.5 }
	b.Jitter = JitterFull
	assert.Equal(t, 100*time.Millisecond, b.Delay(2, half))
	b.Jitter = JitterEqual
	assert.Equal(t, 150*time.Millisecond, b.Delay(2, half))

	for range 100 {
		d := Backoff{Base: time.Second, Jitter: JitterFull}.Delay(1, nil)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.ErrorIs(t, NoSleep(ctx, time.Hour), context.Canceled)
}
