package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(2)
	assert.Equal(t, 2, l.Capacity())

	var (
		wg      sync.WaitGroup
		release = make(chan struct{})
		started = make(chan struct{}, 5)
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Run(context.Background(), func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	<-started
	<-started
	assert.Eventually(t, func() bool { return l.CurrentActive() == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	m := l.Metrics()
	assert.Equal(t, int64(5), m.TotalAcquired)
	assert.Equal(t, int64(5), m.TotalReleased)
	assert.Equal(t, int64(2), m.PeakConcurrent)
	assert.Zero(t, l.CurrentActive())

	l.ResetMetrics()
	assert.Zero(t, l.Metrics().TotalAcquired)
	assert.Zero(t, l.AverageWait())
}

func TestLimiterAcquireRespectsContext(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
}

func TestLimiterOpensCircuit(t *testing.T) {
	l := NewLimiterWithCircuitBreaker(1, NewCircuitBreaker(2, time.Hour))
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }

	assert.ErrorIs(t, l.Run(context.Background(), fail), boom)
	assert.ErrorIs(t, l.Run(context.Background(), fail), boom)
	assert.Equal(t, StateOpen, l.BreakerState())
	assert.ErrorIs(t, l.Run(context.Background(), fail), ErrCircuitOpen)
}

func TestNewLimiterClampsCapacity(t *testing.T) {
	assert.Equal(t, 1, NewLimiter(0).Capacity())
	assert.Equal(t, 1, NewLimiter(-3).Capacity())
}

func TestNewLimiterFromConfig(t *testing.T) {
	cfg := &Config{MaxConcurrent: 3, FailureThreshold: 1, ResetTimeout: time.Hour}
	l := NewLimiterFromConfig(cfg)
	assert.Equal(t, 3, l.Capacity())

	_ = l.Run(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, StateOpen, l.BreakerState())
}
