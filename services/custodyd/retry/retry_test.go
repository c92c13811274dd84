package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	retries   int
	exhausted int
}

func (c *countingObserver) RecordRetry(string)     { c.retries++ }
func (c *countingObserver) RecordExhausted(string) { c.exhausted++ }

func newTestExecutor(retries int, delays *[]time.Duration, obs Observer) *Executor {
	return New(
		WithRetries(retries),
		WithBaseDelay(100*time.Millisecond),
		WithMaxDelay(time.Second),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithObserver(obs),
		WithSleep(func(_ context.Context, d time.Duration) error {
			if delays != nil {
				*delays = append(*delays, d)
			}
			return nil
		}),
	)
}

func TestAlwaysFailingAttemptedRetriesPlusOne(t *testing.T) {
	var delays []time.Duration
	obs := &countingObserver{}
	exec := newTestExecutor(3, &delays, obs)

	calls := 0
	boom := errors.New("rpc unavailable")
	err := exec.Do(context.Background(), "token_balance", func(context.Context) error {
		calls++
		return boom
	})

	require.Equal(t, 4, calls)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, boom)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 4, exhausted.Attempts)
	require.Equal(t, "token_balance", exhausted.Op)

	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)
	require.Equal(t, 3, obs.retries)
	require.Equal(t, 1, obs.exhausted)
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	exec := newTestExecutor(3, nil, nil)
	calls := 0
	value, err := Run(context.Background(), exec, "native_balance", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("timeout")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, value)
	require.Equal(t, 3, calls)
}

func TestPermanentErrorsSurfaceImmediately(t *testing.T) {
	exec := newTestExecutor(5, nil, nil)
	calls := 0
	revert := errors.New("execution reverted: already pulled")
	err := exec.Do(context.Background(), "pull", func(context.Context) error {
		calls++
		return Permanent(revert)
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, revert)
	require.True(t, IsPermanent(err))
	require.False(t, errors.Is(err, ErrExhausted))
}

func TestZeroRetriesAttemptsOnce(t *testing.T) {
	exec := newTestExecutor(0, nil, nil)
	calls := 0
	err := exec.Do(context.Background(), "allowance", func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestContextCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := New(WithRetries(5), WithBaseDelay(time.Hour), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	calls := 0
	err := exec.Do(ctx, "send_native", func(context.Context) error {
		calls++
		cancel()
		return errors.New("connection reset")
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrExhausted))
}

func TestDelayCapsAtMax(t *testing.T) {
	exec := New(WithBaseDelay(time.Second), WithMaxDelay(5*time.Second))
	require.Equal(t, time.Second, exec.Delay(0))
	require.Equal(t, 4*time.Second, exec.Delay(2))
	require.Equal(t, 5*time.Second, exec.Delay(3))
	require.Equal(t, 5*time.Second, exec.Delay(30))
}

func TestPermanentNilStaysNil(t *testing.T) {
	require.NoError(t, Permanent(nil))
	var nilExec *Executor
	require.Equal(t, 0, nilExec.Retries())
}
