package execution

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Attempt identifies one try of a node execution.
type Attempt struct {
	NodeID    string
	NodeType  string
	Number    int
	Inputs    map[string]any
	StartedAt time.Time
}

// Hook observes every attempt of every node execution. BeforeExecute runs
// before each attempt; exactly one of AfterExecute or OnError follows it.
type Hook interface {
	BeforeExecute(ctx context.Context, a Attempt)
	AfterExecute(ctx context.Context, a Attempt, outputs map[string]any)
	OnError(ctx context.Context, a Attempt, err error)
}

// HookFuncs adapts plain functions to Hook. Nil fields are skipped.
type HookFuncs struct {
	Before func(ctx context.Context, a Attempt)
	After  func(ctx context.Context, a Attempt, outputs map[string]any)
	Error  func(ctx context.Context, a Attempt, err error)
}

// BeforeExecute implements Hook.
func (h HookFuncs) BeforeExecute(ctx context.Context, a Attempt) {
	if h.Before != nil {
		h.Before(ctx, a)
	}
}

// AfterExecute implements Hook.
func (h HookFuncs) AfterExecute(ctx context.Context, a Attempt, outputs map[string]any) {
	if h.After != nil {
		h.After(ctx, a, outputs)
	}
}

// OnError implements Hook.
func (h HookFuncs) OnError(ctx context.Context, a Attempt, err error) {
	if h.Error != nil {
		h.Error(ctx, a, err)
	}
}

// LoggingHook writes one log line per attempt outcome.
type LoggingHook struct {
	logger *zap.Logger
}

// NewLoggingHook returns a hook logging through logger.
func NewLoggingHook(logger *zap.Logger) *LoggingHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingHook{logger: logger}
}

// BeforeExecute implements Hook.
func (h *LoggingHook) BeforeExecute(_ context.Context, a Attempt) {
	h.logger.Debug("Executing node",
		zap.String("node_id", a.NodeID),
		zap.String("node_type", a.NodeType),
		zap.Int("attempt", a.Number))
}

// AfterExecute implements Hook.
func (h *LoggingHook) AfterExecute(_ context.Context, a Attempt, outputs map[string]any) {
	h.logger.Info("Node executed",
		zap.String("node_id", a.NodeID),
		zap.Int("attempt", a.Number),
		zap.Int("outputs", len(outputs)),
		zap.Duration("duration", time.Since(a.StartedAt)))
}

// OnError implements Hook.
func (h *LoggingHook) OnError(_ context.Context, a Attempt, err error) {
	h.logger.Warn("Node attempt failed",
		zap.String("node_id", a.NodeID),
		zap.Int("attempt", a.Number),
		zap.Duration("duration", time.Since(a.StartedAt)),
		zap.Error(err))
}
