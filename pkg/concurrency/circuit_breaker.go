package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the state of a CircuitBreaker.
type CircuitBreakerState int32

const (
	// StateClosed lets work through.
	StateClosed CircuitBreakerState = iota

	// StateOpen rejects work until the reset timeout has passed since the
	// last failure.
	StateOpen

	// StateHalfOpen lets work through on probation.
	StateHalfOpen
)

// halfOpenSuccesses closes a half-open breaker.
const halfOpenSuccesses = 5

// CircuitBreaker stops a parallel run from piling more work onto nodes
// that keep failing.
type CircuitBreaker struct {
	state                atomic.Int32
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	lastFailure          atomic.Int64
	failureThreshold     int64
	resetTimeout         time.Duration
	mu                   sync.Mutex
}

// NewCircuitBreaker creates a closed breaker. Non-positive arguments fall
// back to 10 failures and 30 seconds.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether work is currently rejected. An open breaker whose
// reset timeout has elapsed moves to half-open.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb.State() != StateOpen {
		return false
	}
	last := cb.lastFailure.Load()
	if last > 0 && time.Since(time.Unix(0, last)) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess clears the failure streak and closes a half-open breaker
// after enough consecutive successes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutiveFailures.Store(0)
	if cb.State() != StateHalfOpen {
		return
	}
	if cb.consecutiveSuccesses.Add(1) >= halfOpenSuccesses {
		cb.transitionTo(StateClosed)
	}
}

// RecordFailure extends the failure streak. Reaching the threshold opens a
// closed breaker; any failure reopens a half-open one.
func (cb *CircuitBreaker) RecordFailure() {
	state := cb.State()
	cb.consecutiveSuccesses.Store(0)
	cb.lastFailure.Store(time.Now().UnixNano())
	failures := cb.consecutiveFailures.Add(1)

	switch {
	case state == StateClosed && failures >= cb.failureThreshold:
		cb.transitionTo(StateOpen)
	case state == StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// ConsecutiveFailures returns the current failure streak.
func (cb *CircuitBreaker) ConsecutiveFailures() int64 {
	return cb.consecutiveFailures.Load()
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
	cb.lastFailure.Store(0)
}

func (cb *CircuitBreaker) transitionTo(next CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if CircuitBreakerState(cb.state.Load()) == next {
		if next == StateClosed {
			cb.consecutiveFailures.Store(0)
			cb.consecutiveSuccesses.Store(0)
		}
		return
	}
	cb.state.Store(int32(next))
	switch next {
	case StateClosed:
		cb.consecutiveFailures.Store(0)
		cb.consecutiveSuccesses.Store(0)
	case StateHalfOpen:
		cb.consecutiveSuccesses.Store(0)
	}
}

// String implements fmt.Stringer.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
