package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wehubfusion/Conflux/pkg/channel"
	"github.com/wehubfusion/Conflux/pkg/edge"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/node"
)

type hookCounter struct {
	mu                   sync.Mutex
	before, after, failed int
}

func (c *hookCounter) hook() HookFuncs {
	return HookFuncs{
		Before: func(context.Context, Attempt) { c.mu.Lock(); c.before++; c.mu.Unlock() },
		After:  func(context.Context, Attempt, map[string]any) { c.mu.Lock(); c.after++; c.mu.Unlock() },
		Error:  func(context.Context, Attempt, error) { c.mu.Lock(); c.failed++; c.mu.Unlock() },
	}
}

func TestManagerMetadataDefaults(t *testing.T) {
	h := newHarness(t)
	meta := h.mgr.Metadata()
	assert.Equal(t, ModeSequential, meta.Mode)
	assert.False(t, meta.IsRunning)
	assert.Empty(t, meta.CurrentNode)
	assert.Empty(t, meta.Error)
}

func TestExecuteNode(t *testing.T) {
	h := newHarness(t)
	s := h.add(t, "n1", ok(map[string]any{"result": "success"}))

	require.NoError(t, h.mgr.ExecuteNode(context.Background(), "n1"))
	assert.Equal(t, 1, s.count())
	assert.Equal(t, node.StatusCompleted, h.node(t, "n1").Status())

	err := h.mgr.ExecuteNode(context.Background(), "missing")
	assert.ErrorIs(t, err, node.ErrNodeNotFound)
}

func TestExecuteNodeWithInputs(t *testing.T) {
	h := newHarness(t)
	s := h.add(t, "n1", ok(map[string]any{"result": "done"}))
	n := h.node(t, "n1")
	in, err := n.CreateInputChannel("query", channel.KindLastValue, channel.Options{})
	require.NoError(t, err)
	require.NoError(t, in.Set("from channel"))
	_, err = n.CreateInputChannel("limit", channel.KindLastValue, channel.Options{})
	require.NoError(t, err)

	out, err := h.mgr.ExecuteNodeWithInputs(context.Background(), "n1", map[string]any{"limit": 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "done"}, out)
	require.Len(t, s.inputs, 1)
	assert.Equal(t, map[string]any{"query": "from channel", "limit": 5}, s.inputs[0])
}

func TestExecuteNodeRetries(t *testing.T) {
	tests := []struct {
		name      string
		results   []result
		wantCalls int
		wantErr   func(t *testing.T, err error)
		want      node.Status
	}{
		{
			name: "recovers after retryable failures",
			results: []result{
				fail(cferrors.NodeError("n1", "first failure", nil)),
				fail(cferrors.NodeError("n1", "second failure", nil)),
				ok(map[string]any{"result": "success"}),
			},
			wantCalls: 3,
			want:      node.StatusCompleted,
		},
		{
			name:      "resource limit is retried",
			results:   []result{fail(cferrors.ResourceError("memory", "limit", nil)), ok(nil)},
			wantCalls: 2,
			want:      node.StatusCompleted,
		},
		{
			name:      "exhausted budget is fatal",
			results:   []result{fail(cferrors.NodeError("n1", "persistent failure", nil))},
			wantCalls: 3,
			wantErr: func(t *testing.T, err error) {
				assert.True(t, cferrors.IsFatal(err))
				assert.Contains(t, err.Error(), "max retries (2) exceeded")
			},
			want: node.StatusFailed,
		},
		{
			name:      "non-retryable fails once",
			results:   []result{fail(cferrors.NonRetryable(cferrors.ErrorCodeExecution, "fatal error", nil))},
			wantCalls: 1,
			wantErr: func(t *testing.T, err error) {
				assert.False(t, cferrors.IsFatal(err))
				assert.Equal(t, cferrors.KindNonRetryable, cferrors.Classify(err))
			},
			want: node.StatusFailed,
		},
		{
			name:      "unexpected error is not retried",
			results:   []result{fail(errors.New("nil pointer somewhere"))},
			wantCalls: 1,
			wantErr: func(t *testing.T, err error) {
				assert.Equal(t, cferrors.ErrorCodeUnexpected, cferrors.CategorizeError(err))
			},
			want: node.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s := h.add(t, "n1", tt.results...)

			err := h.mgr.ExecuteNode(context.Background(), "n1")
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				tt.wantErr(t, err)
			}
			assert.Equal(t, tt.wantCalls, s.count())
			assert.Equal(t, tt.want, h.node(t, "n1").Status())
		})
	}
}

func TestHooksFirePerAttempt(t *testing.T) {
	h := newHarness(t)
	var c hookCounter
	h.mgr.AddHook(c.hook())
	h.add(t, "n1", fail(cferrors.NodeError("n1", "first failure", nil)), ok(map[string]any{"result": "success"}))

	require.NoError(t, h.mgr.ExecuteNode(context.Background(), "n1"))
	assert.Equal(t, 2, c.before)
	assert.Equal(t, 1, c.after)
	assert.Equal(t, 1, c.failed)
}

func TestHookPanicIsContained(t *testing.T) {
	h := newHarness(t, WithHooks(HookFuncs{Before: func(context.Context, Attempt) { panic("hook bug") }}))
	var c hookCounter
	h.mgr.AddHook(c.hook())
	h.add(t, "n1", ok(nil))

	require.NoError(t, h.mgr.ExecuteNode(context.Background(), "n1"))
	assert.Equal(t, 1, c.before)
	assert.Equal(t, 1, c.after)
}

func TestConcurrentExecuteNode(t *testing.T) {
	h := newHarness(t)
	s1 := h.add(t, "node1", fail(cferrors.NodeError("node1", "failure", nil)), ok(nil))
	s2 := h.add(t, "node2", fail(cferrors.NodeError("node2", "failure", nil)), fail(cferrors.NodeError("node2", "failure", nil)), ok(nil))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"node1", "node2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.mgr.ExecuteNode(context.Background(), id)
		}()
	}
	wg.Wait()

	require.NoError(t, errors.Join(errs...))
	assert.Equal(t, 2, s1.count())
	assert.Equal(t, 3, s2.count())
	assert.Equal(t, node.StatusCompleted, h.node(t, "node1").Status())
	assert.Equal(t, node.StatusCompleted, h.node(t, "node2").Status())
}

func TestReadyNodes(t *testing.T) {
	h := newHarness(t)
	h.add(t, "node1", ok(nil))
	h.add(t, "node2", ok(nil))
	require.NoError(t, h.nodes.AddDependency("node2", "node1"))

	ready, err := h.mgr.ReadyNodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"node1"}, ready)

	require.NoError(t, h.mgr.ExecuteNode(context.Background(), "node1"))
	ready, err = h.mgr.ReadyNodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"node2"}, ready)
}

// recorder logs the order in which nodes start.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) hook() HookFuncs {
	return HookFuncs{Before: func(_ context.Context, a Attempt) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, a.NodeID)
	}}
}

func (r *recorder) index(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestExecuteAllSequential(t *testing.T) {
	h := newHarness(t)
	var rec recorder
	h.mgr.AddHook(rec.hook())
	h.add(t, "a", ok(nil))
	h.add(t, "b", ok(nil))
	h.add(t, "c", ok(nil))
	require.NoError(t, h.nodes.AddDependency("a", "b"))
	require.NoError(t, h.nodes.AddDependency("b", "c"))

	require.NoError(t, h.mgr.ExecuteAll(context.Background()))
	assert.Equal(t, []string{"c", "b", "a"}, rec.order)

	meta := h.mgr.Metadata()
	assert.False(t, meta.IsRunning)
	assert.Empty(t, meta.CurrentNode)
	assert.False(t, meta.CompletedAt.Before(meta.StartedAt))
}

func TestExecuteAllStopsOnFailure(t *testing.T) {
	h := newHarness(t)
	h.add(t, "a", fail(cferrors.NonRetryable(cferrors.ErrorCodeExecution, "broken", nil)))
	downstream := h.add(t, "b", ok(nil))
	require.NoError(t, h.nodes.AddDependency("b", "a"))

	err := h.mgr.ExecuteAll(context.Background())
	require.Error(t, err)
	assert.Zero(t, downstream.count())
	assert.Contains(t, h.mgr.Metadata().Error, "broken")
	assert.Equal(t, node.StatusIdle, h.node(t, "b").Status())
}

func TestExecuteAllParallel(t *testing.T) {
	h := newHarness(t, WithMode(ModeParallel))
	var rec recorder
	h.mgr.AddHook(rec.hook())

	// b and c rendezvous, so the run only succeeds if they overlap.
	var arrived sync.WaitGroup
	arrived.Add(2)
	meet := func(context.Context, map[string]any) (map[string]any, error) {
		arrived.Done()
		waited := make(chan struct{})
		go func() { arrived.Wait(); close(waited) }()
		select {
		case <-waited:
			return nil, nil
		case <-time.After(2 * time.Second):
			return nil, cferrors.NonRetryable(cferrors.ErrorCodeTimeout, "siblings did not overlap", nil)
		}
	}

	h.add(t, "a", ok(nil))
	for _, id := range []string{"b", "c"} {
		n := node.NewBase(h.state, node.WithID(id), node.WithRunFunc(meet))
		require.NoError(t, h.nodes.RegisterNode(n))
		require.NoError(t, h.nodes.AddDependency(id, "a"))
	}
	h.add(t, "d", ok(nil))
	require.NoError(t, h.nodes.AddDependency("d", "b"))
	require.NoError(t, h.nodes.AddDependency("d", "c"))

	require.NoError(t, h.mgr.ExecuteAll(context.Background()))
	assert.Equal(t, 0, rec.index("a"))
	assert.Equal(t, 3, rec.index("d"))
	for id, s := range h.nodes.NodeStatuses() {
		assert.Equal(t, node.StatusCompleted, s, id)
	}
}

func TestExecuteAllParallelFailureCancelsRun(t *testing.T) {
	h := newHarness(t, WithMode(ModeParallel))
	h.add(t, "a", ok(nil))
	h.add(t, "b", fail(cferrors.NonRetryable(cferrors.ErrorCodeExecution, "b failed", nil)))
	last := h.add(t, "c", ok(nil))
	require.NoError(t, h.nodes.AddDependency("c", "a"))
	require.NoError(t, h.nodes.AddDependency("c", "b"))

	err := h.mgr.ExecuteAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b failed")
	assert.Zero(t, last.count())
}

func TestSetMode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.SetMode(ModeParallel))
	assert.Equal(t, ModeParallel, h.mgr.Metadata().Mode)

	err := h.mgr.SetMode("RANDOM")
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.True(t, cferrors.IsValidation(err))
}

func TestManagerCheckpointRestore(t *testing.T) {
	h := newHarness(t, WithMode(ModeParallel))

	raw, err := json.Marshal(h.mgr.Checkpoint())
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, ModeParallel, snap.Metadata.Mode)
	assert.False(t, snap.Metadata.IsRunning)

	h.mgr.mu.Lock()
	h.mgr.meta.IsRunning = true
	h.mgr.meta.CurrentNode = "test_node"
	h.mgr.meta.Mode = ModeSequential
	h.mgr.mu.Unlock()

	snap.Metadata.IsRunning = true
	snap.Metadata.CurrentNode = "test_node"
	require.NoError(t, h.mgr.Restore(snap))
	meta := h.mgr.Metadata()
	assert.False(t, meta.IsRunning)
	assert.Empty(t, meta.CurrentNode)
	assert.Equal(t, ModeParallel, meta.Mode)

	snap.SchemaVersion = SchemaVersion + 1
	assert.Error(t, h.mgr.Restore(snap))
}

func TestExecuteAllPropagatesAlongEdges(t *testing.T) {
	h := newHarness(t)
	edges := edge.NewRegistry(h.nodes)
	h.mgr = NewManager(h.state, h.nodes,
		WithEdges(edges),
		WithNodeRetryPolicy(immediate(0)),
		WithStateRetryPolicy(immediate(0)))

	hint := channel.Options{TypeHint: channel.TypeOf[string]()}
	upper := func(_ context.Context, in map[string]any) (map[string]any, error) {
		s, _ := in["in"].(string)
		return map[string]any{"out": s + "!"}, nil
	}
	for _, id := range []string{"src", "dst"} {
		n := node.NewBase(h.state, node.WithID(id), node.WithRunFunc(upper))
		_, err := n.CreateInputChannel("in", channel.KindLastValue, hint)
		require.NoError(t, err)
		_, err = n.CreateOutputChannel("out", channel.KindLastValue, hint)
		require.NoError(t, err)
		require.NoError(t, h.nodes.RegisterNode(n))
	}
	_, err := edges.CreateEdge(edge.TypeDirect, "src", "dst", "out", "in")
	require.NoError(t, err)

	in, _ := h.node(t, "src").InputChannel("in")
	require.NoError(t, in.Set("hi"))

	require.NoError(t, h.mgr.ExecuteAll(context.Background()))
	out, _ := h.node(t, "dst").OutputChannel("out")
	assert.Equal(t, "hi!!", out.Get())

	dstIn, _ := h.node(t, "dst").InputChannel("in")
	assert.Equal(t, uint64(1), h.mgr.Protocol().ChannelVersion(dstIn.ID()))
}

func TestExecutionSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(t, WithTracerProvider(tp))
	h.add(t, "ok", ok(nil))
	h.add(t, "bad", fail(cferrors.NonRetryable(cferrors.ErrorCodeExecution, "bad node", nil)))
	require.NoError(t, h.nodes.AddDependency("bad", "ok"))

	require.Error(t, h.mgr.ExecuteAll(context.Background()))

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["execution.run"])
	assert.Equal(t, 2, names["execution.node"])
}
