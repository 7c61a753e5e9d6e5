package healing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/autoheal/pkg/logging"
)

// newTestRetry returns a strategy that records requested delays instead of
// sleeping.
func newTestRetry(config RetryConfig) (*RetryStrategy, *[]time.Duration) {
	r := NewRetryStrategy(config, logging.NewDiscardLogger())
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return r, &delays
}

func flaky(failures int, err error) (Operation, *int) {
	calls := 0
	return func(ctx context.Context) (any, error) {
		calls++
		if calls <= failures {
			return nil, err
		}
		return fmt.Sprintf("ok after %d", calls), nil
	}, &calls
}

func TestRetryStrategy_SucceedsAfterFailures(t *testing.T) {
	r, delays := newTestRetry(RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, Jitter: false})
	op, calls := flaky(2, errors.New("timeout"))
	ec := failure(SeverityMedium)

	result := r.Execute(context.Background(), Invocation{Operation: op, Error: ec})

	require.True(t, result.Success)
	assert.Equal(t, ActionRetryWithBackoff, result.Action)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, "ok after 3", result.Value)
	assert.Equal(t, 3, ec.RetryCount)
	assert.True(t, ec.RecoveryAttempted)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *delays)
}

func TestRetryStrategy_Exhaustion(t *testing.T) {
	r, delays := newTestRetry(RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond})
	op, calls := flaky(10, errors.New("still broken"))

	result := r.Execute(context.Background(), Invocation{Operation: op, Error: failure(SeverityMedium)})

	assert.False(t, result.Success)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, 4, *calls)
	assert.Len(t, *delays, 3)
	assert.EqualError(t, result.LastErr, "still broken")
	assert.Equal(t, "still broken", result.Metadata["last_error"])
	assert.Contains(t, result.Message, "still broken")
}

func TestRetryStrategy_StopsOnCancellation(t *testing.T) {
	r, _ := newTestRetry(RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		cancel()
		return nil, errors.New("connection reset")
	}

	result := r.Execute(ctx, Invocation{Operation: op})
	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.LastErr, context.Canceled)
}

func TestRetryStrategy_StopsOnCircuitOpen(t *testing.T) {
	r, _ := newTestRetry(RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond})

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return nil, &CircuitOpenError{Component: "api", State: StateOpen}
	}

	result := r.Execute(context.Background(), Invocation{Operation: op})
	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.LastErr, ErrCircuitOpen)
}

func TestRetryStrategy_RecoversPanics(t *testing.T) {
	r, _ := newTestRetry(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond})

	result := r.Execute(context.Background(), Invocation{Operation: func(ctx context.Context) (any, error) {
		panic("kaboom")
	}})

	assert.False(t, result.Success)
	var panicErr *PanicError
	assert.True(t, errors.As(result.LastErr, &panicErr))
}

func TestRetryStrategy_Delay(t *testing.T) {
	r := NewRetryStrategy(RetryConfig{
		MaxAttempts:     10,
		InitialDelay:    time.Second,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2,
	}, logging.NewDiscardLogger())

	assert.Equal(t, 2*time.Second, r.Delay(2))
	assert.Equal(t, 4*time.Second, r.Delay(3))
	assert.Equal(t, 5*time.Second, r.Delay(4))
	assert.Equal(t, 5*time.Second, r.Delay(60))
}

func TestRetryStrategy_DelayJitterBounded(t *testing.T) {
	r := NewRetryStrategy(RetryConfig{
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
		Jitter:          true,
	}, logging.NewDiscardLogger())

	for i := 0; i < 50; i++ {
		delay := r.Delay(2)
		assert.GreaterOrEqual(t, delay, 200*time.Millisecond)
		assert.LessOrEqual(t, delay, 220*time.Millisecond)
	}
}

func TestRetryStrategy_Defaults(t *testing.T) {
	r := NewRetryStrategy(RetryConfig{}, nil)
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, r.Config().MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().InitialDelay, r.Config().InitialDelay)
	assert.Equal(t, DefaultRetryConfig().MaxDelay, r.Config().MaxDelay)
	assert.Equal(t, DefaultRetryConfig().ExponentialBase, r.Config().ExponentialBase)
}
