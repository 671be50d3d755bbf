package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

// State tracks one in-flight operation.
type State struct {
	Attempts     int
	LastError    error
	FirstAttempt time.Time
	LastAttempt  time.Time
}

// Handler runs operations under a policy and exposes the state of those
// still running.
type Handler struct {
	mu     sync.Mutex
	states map[string]*State
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		states: make(map[string]*State),
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

// State returns a copy of the state of a running operation.
func (h *Handler) State(opID string) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.states[opID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// Active returns the number of operations currently tracked.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.states)
}

// Execute runs fn until it succeeds, fails with an error that must not be
// retried, or exhausts policy.MaxRetries. The attempt number passed to fn
// starts at 1. Retryable and timeout errors are retried; validation,
// non-retryable and fatal errors return at once; any other error is
// returned as a non-retryable unexpected error. Exhaustion returns a fatal
// error that wraps the last failure.
func (h *Handler) Execute(ctx context.Context, opID string, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	st := h.track(opID)
	defer h.untrack(opID, st)

	for {
		if err := ctx.Err(); err != nil {
			return cferrors.Normalize(err)
		}

		attempt := h.begin(st)
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		h.fail(st, err)

		switch cferrors.Classify(err) {
		case cferrors.KindRetryable, cferrors.KindTimeout:
		case cferrors.KindUnknown:
			return cferrors.Normalize(err)
		default:
			return err
		}

		if attempt > policy.MaxRetries {
			h.logger.Error("Retry budget exhausted",
				zap.String("operation_id", opID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return cferrors.Fatal(fmt.Sprintf("max retries (%d) exceeded", policy.MaxRetries), attempt-1, policy.MaxRetries, err)
		}

		delay := policy.Delay(attempt)
		h.logger.Debug("Retrying operation",
			zap.String("operation_id", opID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxRetries+1),
			zap.Duration("retry_delay", delay),
			zap.Error(err))
		if serr := h.sleep(ctx, delay); serr != nil {
			return cferrors.NonRetryable(cferrors.CategorizeError(serr), "retry cancelled", serr)
		}
	}
}

// Do runs fn under Execute and returns its value.
func Do[T any](ctx context.Context, h *Handler, opID string, policy Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var result T
	err := h.Execute(ctx, opID, policy, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (h *Handler) track(opID string) *State {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := &State{}
	h.states[opID] = st
	return st
}

func (h *Handler) untrack(opID string, st *State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.states[opID] == st {
		delete(h.states, opID)
	}
}

func (h *Handler) begin(st *State) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()
	if st.Attempts == 0 {
		st.FirstAttempt = now
	}
	st.Attempts++
	st.LastAttempt = now
	return st.Attempts
}

func (h *Handler) fail(st *State, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st.LastError = err
}
