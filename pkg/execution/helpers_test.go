package execution

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Conflux/pkg/concurrency"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/retry"
	"github.com/wehubfusion/Conflux/pkg/state"
)

// scripted returns results in order, repeating the last one.
type scripted struct {
	mu      sync.Mutex
	results []result
	calls   int
	inputs  []map[string]any
}

type result struct {
	out map[string]any
	err error
}

func (s *scripted) run(_ context.Context, in map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	r := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	return r.out, r.err
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func ok(out map[string]any) result { return result{out: out} }

func fail(err error) result { return result{err: err} }

type harness struct {
	state *state.GraphState
	nodes *node.Registry
	mgr   *Manager
}

func immediate(maxRetries int) retry.Policy {
	return retry.Policy{MaxRetries: maxRetries, Strategy: retry.StrategyImmediate}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	gs := state.New()
	nodes := node.NewRegistry(gs)
	opts = append([]Option{
		WithNodeRetryPolicy(immediate(2)),
		WithStateRetryPolicy(immediate(2)),
		WithLimiter(concurrency.NewLimiter(4)),
	}, opts...)
	return &harness{state: gs, nodes: nodes, mgr: NewManager(gs, nodes, opts...)}
}

func (h *harness) add(t *testing.T, id string, results ...result) *scripted {
	t.Helper()
	s := &scripted{results: results}
	n := node.NewBase(h.state, node.WithID(id), node.WithType("scripted"), node.WithRunFunc(s.run))
	require.NoError(t, h.nodes.RegisterNode(n))
	return s
}

func (h *harness) node(t *testing.T, id string) node.Node {
	t.Helper()
	n, found := h.nodes.GetNode(id)
	require.True(t, found)
	return n
}
