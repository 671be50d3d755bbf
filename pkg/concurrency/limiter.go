// Package concurrency bounds parallel node execution with a semaphore and a
// circuit breaker.
package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the limiter's circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics is a point-in-time view of limiter usage.
type Metrics struct {
	TotalAcquired  int64
	TotalReleased  int64
	PeakConcurrent int64
	TotalWait      time.Duration
}

// Limiter bounds how many node executions run at once. Failures feed a
// circuit breaker that rejects new work while it is open.
type Limiter struct {
	sem     chan struct{}
	active  atomic.Int64
	breaker *CircuitBreaker

	acquired atomic.Int64
	released atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter creates a limiter with the default circuit breaker
// (100 consecutive failures, 30s reset).
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with a caller-supplied breaker.
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(0, 0)
	}
	return &Limiter{
		sem:     make(chan struct{}, maxConcurrent),
		breaker: cb,
	}
}

// NewLimiterFromConfig sizes a limiter and its breaker from cfg.
func NewLimiterFromConfig(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = LoadConfig()
	}
	return NewLimiterWithCircuitBreaker(cfg.MaxConcurrent, NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout))
}

// Capacity returns the maximum number of concurrent slots.
func (l *Limiter) Capacity() int { return cap(l.sem) }

// Acquire waits for a free slot.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.breaker.IsOpen() {
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Run executes fn in the calling goroutine once a slot is free and
// records the outcome with the circuit breaker.
func (l *Limiter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	if err := fn(ctx); err != nil {
		l.breaker.RecordFailure()
		return err
	}
	l.breaker.RecordSuccess()
	return nil
}

// CurrentActive returns the number of slots in use.
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Metrics returns current counters.
func (l *Limiter) Metrics() Metrics {
	return Metrics{
		TotalAcquired:  l.acquired.Load(),
		TotalReleased:  l.released.Load(),
		PeakConcurrent: l.peak.Load(),
		TotalWait:      time.Duration(l.waitNs.Load()),
	}
}

// AverageWait returns the mean time spent waiting for a slot.
func (l *Limiter) AverageWait() time.Duration {
	m := l.Metrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return m.TotalWait / time.Duration(m.TotalAcquired)
}

// ResetMetrics zeroes the counters.
func (l *Limiter) ResetMetrics() {
	l.acquired.Store(0)
	l.released.Store(0)
	l.peak.Store(0)
	l.waitNs.Store(0)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

// BreakerState returns the state of the limiter's circuit breaker.
func (l *Limiter) BreakerState() CircuitBreakerState {
	return l.breaker.State()
}
