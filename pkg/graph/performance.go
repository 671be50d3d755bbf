package graph

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/wehubfusion/Conflux/pkg/execution"
)

// NodeStats aggregates the attempts of one node.
type NodeStats struct {
	Attempts      int           `json:"attempts"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastDuration  time.Duration `json:"last_duration"`
}

// AverageDuration is the mean duration per attempt.
func (s NodeStats) AverageDuration() time.Duration {
	if s.Attempts == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Attempts)
}

type performanceTracker struct {
	mu    sync.Mutex
	nodes map[string]NodeStats
}

func newPerformanceTracker() *performanceTracker {
	return &performanceTracker{nodes: make(map[string]NodeStats)}
}

func (p *performanceTracker) BeforeExecute(context.Context, execution.Attempt) {}

func (p *performanceTracker) AfterExecute(_ context.Context, a execution.Attempt, _ map[string]any) {
	p.record(a, false)
}

func (p *performanceTracker) OnError(_ context.Context, a execution.Attempt, _ error) {
	p.record(a, true)
}

func (p *performanceTracker) record(a execution.Attempt, failed bool) {
	elapsed := time.Since(a.StartedAt)
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.nodes[a.NodeID]
	s.Attempts++
	if failed {
		s.Failures++
	}
	s.TotalDuration += elapsed
	s.LastDuration = elapsed
	s.MaxDuration = max(s.MaxDuration, elapsed)
	p.nodes[a.NodeID] = s
}

func (p *performanceTracker) stats() map[string]NodeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.nodes)
}
