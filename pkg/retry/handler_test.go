package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

// newRecordingHandler returns a handler that records delays instead of sleeping.
func newRecordingHandler() (*Handler, *[]time.Duration) {
	var mu sync.Mutex
	var delays []time.Duration
	h := NewHandler()
	h.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return h, &delays
}

func TestExecuteSuccessAfterRetries(t *testing.T) {
	h, delays := newRecordingHandler()
	policy := Policy{MaxRetries: 3, Strategy: StrategyLinear, BaseDelay: 10 * time.Millisecond}

	calls := 0
	err := h.Execute(context.Background(), "op", policy, func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		st, ok := h.State("op")
		require.True(t, ok)
		assert.Equal(t, attempt, st.Attempts)
		if attempt < 3 {
			return cferrors.NodeError("n", "flaky", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *delays)
	_, ok := h.State("op")
	assert.False(t, ok, "state is discarded on success")
}

func TestExecuteExhaustsBudget(t *testing.T) {
	h, _ := newRecordingHandler()
	cause := cferrors.Retryable("X", "always", 0, 10, nil)

	calls := 0
	err := h.Execute(context.Background(), "op", Policy{MaxRetries: 2, Strategy: StrategyImmediate}, func(context.Context, int) error {
		calls++
		return cause
	})

	assert.Equal(t, 3, calls)
	assert.True(t, cferrors.IsFatal(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")

	fatal, ok := cferrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 2, fatal.RetryCount)
	assert.Equal(t, 2, fatal.MaxRetries)
	assert.Zero(t, h.Active())
}

func TestExecuteClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
		check     func(t *testing.T, err error)
	}{
		{
			name:      "non-retryable fails once",
			err:       cferrors.NonRetryable("X", "bad input", nil),
			wantCalls: 1,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, cferrors.ErrNonRetryable)
			},
		},
		{
			name:      "validation fails once",
			err:       cferrors.Validation("bad", nil),
			wantCalls: 1,
			check: func(t *testing.T, err error) {
				assert.True(t, cferrors.IsValidation(err))
			},
		},
		{
			name:      "unexpected errors are wrapped and not retried",
			err:       errors.New("nil pointer"),
			wantCalls: 1,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, cferrors.ErrUnexpected)
				assert.Equal(t, cferrors.KindNonRetryable, cferrors.Classify(err))
			},
		},
		{
			name:      "timeouts are retried",
			err:       cferrors.Timeout("slow", nil),
			wantCalls: 3,
			check: func(t *testing.T, err error) {
				assert.True(t, cferrors.IsFatal(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newRecordingHandler()
			calls := 0
			err := h.Execute(context.Background(), "op", Policy{MaxRetries: 2, Strategy: StrategyImmediate}, func(context.Context, int) error {
				calls++
				return tt.err
			})
			assert.Equal(t, tt.wantCalls, calls)
			tt.check(t, err)
			assert.Zero(t, h.Active())
		})
	}
}

func TestExecuteStopsOnCancel(t *testing.T) {
	h := NewHandler()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- h.Execute(ctx, "op", Policy{MaxRetries: 5, Strategy: StrategyLinear, BaseDelay: time.Hour}, func(context.Context, int) error {
			calls++
			return cferrors.StateError("flaky", nil)
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, cferrors.IsRetryable(err))
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	assert.Equal(t, 1, calls)
}

func TestExecuteRejectsInvalidPolicy(t *testing.T) {
	err := NewHandler().Execute(context.Background(), "op", Policy{MaxRetries: -1}, func(context.Context, int) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestDo(t *testing.T) {
	h, _ := newRecordingHandler()
	v, err := Do(context.Background(), h, "op", Policy{MaxRetries: 1, Strategy: StrategyImmediate}, func(_ context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "partial", cferrors.ResourceError("db", "busy", nil)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = Do(context.Background(), h, "op", NoRetry(), func(context.Context, int) (string, error) {
		return "ignored", cferrors.NonRetryable("X", "no", nil)
	})
	assert.Error(t, err)
	assert.Empty(t, v)
}
