package node

import (
	"slices"
	"time"
)

// ExecutionRecord is one entry of a node's execution history.
type ExecutionRecord struct {
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Duration returns how long the execution took.
func (r ExecutionRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Failed reports whether the execution ended in error.
func (r ExecutionRecord) Failed() bool {
	return r.Error != ""
}

// History returns the execution history, oldest first.
func (b *Base) History() []ExecutionRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.history)
}

// ClearHistory drops all execution records.
func (b *Base) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}
