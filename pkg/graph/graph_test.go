package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/checkpoint"
	"github.com/wehubfusion/Conflux/pkg/edge"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/execution"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/state"
)

func TestNewGraph(t *testing.T) {
	g := newGraph(t, WithName("test_graph"), WithDescription("Test graph"))

	meta := g.Metadata()
	assert.Equal(t, "test_graph", meta.Name)
	assert.Equal(t, "Test graph", meta.Description)
	assert.NotEmpty(t, meta.ID)
	assert.Zero(t, meta.Version)
	assert.False(t, meta.CreatedAt.IsZero())
	assert.Equal(t, meta.ID, g.State().GraphID())

	cfg := g.Config()
	assert.Equal(t, execution.ModeSequential, cfg.ExecutionMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Zero(t, g.Nodes().Len())
	assert.Zero(t, g.Edges().Len())
	assert.Nil(t, g.Performance())
}

func TestNewGraphExplicitID(t *testing.T) {
	g := newGraph(t, WithID("graph-1"))
	assert.Equal(t, "graph-1", g.ID())
	assert.Equal(t, "graph-1", g.CheckpointID())
	assert.Equal(t, "graph-1", g.State().GraphID())
}

func TestNewGraphInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "chatty"
	_, err := New(WithConfig(cfg), WithLogger(zap.NewNop()))
	require.Error(t, err)
	assert.True(t, cferrors.IsValidation(err))
}

func TestMetadataVersionBumps(t *testing.T) {
	g := newGraph(t)
	before := g.Metadata()

	_, err := g.AddNode(stageType, "a")
	require.NoError(t, err)
	after := g.Metadata()
	assert.Equal(t, before.Version+1, after.Version)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
}

func TestAddNode(t *testing.T) {
	g := newGraph(t)

	n, err := g.AddNode(stageType, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", n.ID())
	assert.Equal(t, stageType, n.Type())

	generated, err := g.AddNode(stageType, "")
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID())
	assert.Equal(t, 2, g.Nodes().Len())

	_, err = g.AddNode(stageType, "a")
	assert.ErrorIs(t, err, node.ErrNodeExists)

	_, err = g.AddNode("unknown", "b")
	assert.ErrorIs(t, err, node.ErrNoCreator)
}

func TestAttachNode(t *testing.T) {
	g := newGraph(t)
	n := node.NewBase(g.State(), node.WithID("custom"))
	require.NoError(t, g.AttachNode(n))

	got, ok := g.Node("custom")
	require.True(t, ok)
	assert.Same(t, n, got)
	assert.Equal(t, uint64(1), g.Metadata().Version)
}

func TestRemoveNode(t *testing.T) {
	g := newGraph(t)
	chain(t, g, "a", "b", "c")
	require.Equal(t, 2, g.Edges().Len())

	require.NoError(t, g.RemoveNode("b"))

	_, ok := g.Node("b")
	assert.False(t, ok)
	assert.Zero(t, g.Edges().Len())
	assert.Empty(t, g.Nodes().Dependencies("c"))

	err := g.RemoveNode("b")
	assert.ErrorIs(t, err, node.ErrNodeNotFound)
}

func TestAddRemoveEdge(t *testing.T) {
	g := newGraph(t)
	chain(t, g, "a", "b")
	e := g.Edges().Edges()[0]

	assert.Equal(t, edge.Endpoint{NodeID: "a", Channel: "out"}, e.Source())
	assert.Equal(t, edge.Endpoint{NodeID: "b", Channel: "in"}, e.Target())
	assert.Equal(t, []string{"a"}, g.Nodes().Dependencies("b"))

	got, ok := g.Edge(e.ID())
	require.True(t, ok)
	assert.Same(t, e, got)

	require.NoError(t, g.RemoveEdge(e.ID()))
	assert.Zero(t, g.Edges().Len())
	assert.Empty(t, g.Nodes().Dependencies("b"))

	err := g.RemoveEdge(e.ID())
	assert.ErrorIs(t, err, edge.ErrEdgeNotFound)
}

func TestAddEdgeErrors(t *testing.T) {
	g := newGraph(t)
	chain(t, g, "a", "b")

	_, err := g.AddEdge("direct", "a", "missing", "out", "in")
	assert.ErrorIs(t, err, node.ErrNodeNotFound)

	_, err = g.AddEdge("direct", "b", "a", "out", "in")
	assert.ErrorIs(t, err, node.ErrCycle)

	_, err = g.AddEdge("teleport", "a", "b", "out", "in")
	assert.ErrorIs(t, err, edge.ErrNoCreator)
}

func TestClear(t *testing.T) {
	g := newGraph(t)
	chain(t, g, "a", "b", "c")
	g.State().SetGlobalState(map[string]any{"kept": true})

	g.Clear()

	assert.Zero(t, g.Nodes().Len())
	assert.Zero(t, g.Edges().Len())
	v, ok := g.State().Get("kept")
	require.True(t, ok)
	assert.Equal(t, true, v)

	_, err := g.AddNode(stageType, "a")
	assert.NoError(t, err, "registered types survive Clear")
}

func TestResourceLimits(t *testing.T) {
	t.Run("nodes", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ResourceLimits.MaxNodes = 2
		g := newGraph(t, WithConfig(cfg))

		for _, id := range []string{"a", "b"} {
			_, err := g.AddNode(stageType, id)
			require.NoError(t, err)
		}
		_, err := g.AddNode(stageType, "c")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrResourceLimit)
		assert.ErrorContains(t, err, "maximum number of nodes (2) exceeded")

		err = g.AttachNode(node.NewBase(g.State(), node.WithID("d")))
		assert.ErrorIs(t, err, ErrResourceLimit)
	})

	t.Run("edges", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ResourceLimits.MaxEdges = 1
		g := newGraph(t, WithConfig(cfg))
		chain(t, g, "a", "b")
		_, err := g.AddNode(stageType, "c")
		require.NoError(t, err)

		_, err = g.AddEdge("direct", "b", "c", "out", "in")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrResourceLimit)
		assert.ErrorContains(t, err, "maximum number of edges (1) exceeded")

		_, err = g.AddConditionalEdge("b", "out", Route{Node: "c", Channel: "in"})
		assert.ErrorIs(t, err, ErrResourceLimit)
	})

	t.Run("zero is unlimited", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ResourceLimits = ResourceLimits{}
		g := newGraph(t, WithConfig(cfg))
		chain(t, g, "a", "b", "c", "d")
		assert.Equal(t, 4, g.Nodes().Len())
	})
}

func TestRun(t *testing.T) {
	g := newGraph(t)
	chain(t, g, "a", "b", "c")
	n, _ := g.Node("b")
	require.NoError(t, n.Configure(map[string]any{"step": 10}))

	require.NoError(t, g.Run(context.Background()))

	assert.Equal(t, 1, output(t, g, "a"))
	assert.Equal(t, 11, output(t, g, "b"))
	assert.Equal(t, 12, output(t, g, "c"))
	for _, s := range g.Nodes().NodeStatuses() {
		assert.Equal(t, node.StatusCompleted, s)
	}
}

func TestRunParallel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecutionMode = execution.ModeParallel
	g := newGraph(t, WithConfig(cfg))
	chain(t, g, "a", "b")
	chain(t, g, "c")
	_, err := g.AddEdge("direct", "a", "c", "out", "in")
	require.NoError(t, err)

	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, 2, output(t, g, "b"))
	assert.Equal(t, 2, output(t, g, "c"))
}

func TestRunMaxExecutionTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorRetryCount = 0
	cfg.ResourceLimits.MaxExecutionTime = 50 * time.Millisecond
	g := newGraph(t, WithConfig(cfg))
	require.NoError(t, g.RegisterNodeType("blocking", blocking))
	_, err := g.AddNode("blocking", "slow")
	require.NoError(t, err)

	start := time.Now()
	err = g.Run(context.Background())
	require.Error(t, err)
	assert.True(t, cferrors.IsTimeout(err))
	assert.ErrorContains(t, err, "exceeded maximum execution time")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunMemoryLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResourceLimits.MaxMemoryMB = 1 << 20
	g := newGraph(t, WithConfig(cfg))
	chain(t, g, "a")
	assert.NoError(t, g.Run(context.Background()))
}

func TestRunSupersteps(t *testing.T) {
	g := newGraph(t)
	chain(t, g, "a", "b", "d")
	chain(t, g, "c")
	_, err := g.AddEdge("direct", "a", "c", "out", "in")
	require.NoError(t, err)
	ctx := context.Background()

	steps, err := g.RunSupersteps(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, steps)
	assert.Equal(t, node.StatusCompleted, status(t, g, "a"))
	assert.Equal(t, node.StatusIdle, status(t, g, "b"))

	steps, err = g.RunSupersteps(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, steps)
	assert.Equal(t, 3, output(t, g, "d"))
	assert.Equal(t, 2, output(t, g, "c"))

	steps, err = g.RunSupersteps(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, steps)

	require.NoError(t, g.Reset())
	steps, err = g.RunSupersteps(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
}

func TestRunSuperstepsFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorRetryCount = 0
	g := newGraph(t, WithConfig(cfg))
	require.NoError(t, g.RegisterNodeType("broken", func(gs *state.GraphState, id string) (node.Node, error) {
		return node.NewBase(gs, node.WithID(id)), nil
	}))
	_, err := g.AddNode("broken", "x")
	require.NoError(t, err)

	steps, err := g.RunSupersteps(context.Background(), 0)
	assert.Equal(t, 1, steps)
	assert.ErrorIs(t, err, node.ErrNoRunFunc)
}

func TestConditionalEdge(t *testing.T) {
	g := newGraph(t)
	chain(t, g, "router")
	chain(t, g, "high")
	chain(t, g, "low")

	big := edge.NewChannelCondition("out", func(v any) bool {
		n, ok := v.(int)
		return ok && n > 5
	})
	e, err := g.AddConditionalEdge("router", "out",
		Route{Node: "low", Channel: "in"},
		Route{Node: "high", Channel: "in", Condition: big, Priority: 1})
	require.NoError(t, err)
	assert.Equal(t, edge.TypeConditional, e.Type())
	assert.ElementsMatch(t, []string{"router"}, g.Nodes().Dependencies("high"))
	assert.ElementsMatch(t, []string{"router"}, g.Nodes().Dependencies("low"))

	router, _ := g.Node("router")
	in, _ := router.InputChannel("in")
	require.NoError(t, in.Set(10))

	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, 11, input(t, g, "high"))
	assert.Nil(t, input(t, g, "low"))

	_, err = g.AddConditionalEdge("router", "out", Route{Node: "missing", Channel: "in"})
	assert.ErrorIs(t, err, node.ErrNodeNotFound)
}

func TestPerformanceTracking(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePerformanceTracking = true
	g := newGraph(t, WithConfig(cfg))
	chain(t, g, "a", "b")

	require.NoError(t, g.Run(context.Background()))

	stats := g.Performance()
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats["a"].Attempts)
	assert.Zero(t, stats["a"].Failures)
	assert.Equal(t, stats["a"].TotalDuration, stats["a"].AverageDuration())
	assert.GreaterOrEqual(t, stats["b"].MaxDuration, stats["b"].LastDuration)
}

func TestSetMode(t *testing.T) {
	g := newGraph(t)
	require.NoError(t, g.SetMode(execution.ModeParallel))
	assert.Equal(t, execution.ModeParallel, g.Config().ExecutionMode)
	assert.Equal(t, execution.ModeParallel, g.Executor().Metadata().Mode)

	assert.Error(t, g.SetMode("RANDOM"))
}

func TestCheckpointRoundTrip(t *testing.T) {
	g := newGraph(t, WithName("source"))
	chain(t, g, "a", "b", "c")
	g.State().SetGlobalState(map[string]any{"phase": "done"})
	require.NoError(t, g.Run(context.Background()))

	data, err := g.MarshalState()
	require.NoError(t, err)

	restored := newGraph(t)
	require.NoError(t, restored.UnmarshalState(data))

	assert.Equal(t, g.Metadata().ID, restored.ID())
	assert.Equal(t, "source", restored.Metadata().Name)
	assert.Equal(t, g.Metadata().Version, restored.Metadata().Version)
	assert.Equal(t, g.ID(), restored.State().GraphID())
	assert.Equal(t, []string{"a", "b", "c"}, restored.Nodes().NodeIDs())
	assert.Equal(t, 2, restored.Edges().Len())
	assert.Equal(t, []string{"b"}, restored.Nodes().Dependencies("c"))
	assert.Equal(t, 3, output(t, restored, "c"))
	assert.Equal(t, node.StatusCompleted, status(t, restored, "c"))
	phase, _ := restored.State().Get("phase")
	assert.Equal(t, "done", phase)

	assert.Error(t, restored.UnmarshalState([]byte("{broken")))
}

func TestCheckpointer(t *testing.T) {
	dir := t.TempDir()
	cp := checkpoint.NewCheckpointer(checkpoint.WithStore(checkpoint.NewFileStore(dir)))
	opts := checkpoint.SaveOptions{Path: "graph.json"}
	ctx := context.Background()

	g := newGraph(t, WithCheckpointer(cp, opts))
	chain(t, g, "a", "b")
	require.NoError(t, g.Run(ctx))
	require.NoError(t, g.SaveCheckpoint(ctx))

	restored := newGraph(t, WithCheckpointer(cp, opts))
	require.NoError(t, restored.LoadCheckpoint(ctx, checkpoint.LoadOptions{}))
	assert.Equal(t, g.ID(), restored.ID())
	assert.Equal(t, 2, output(t, restored, "b"))

	err := restored.LoadCheckpoint(ctx, checkpoint.LoadOptions{Path: "absent.json"})
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)
}

func TestCheckpointerThread(t *testing.T) {
	ctx := context.Background()
	provider := checkpoint.NewMemoryStore(zap.NewNop())
	cp := checkpoint.NewCheckpointer(checkpoint.WithProvider(provider))

	g := newGraph(t)
	thread, err := provider.CreateThread(ctx, g.ID(), "")
	require.NoError(t, err)
	g.checkpointer = cp
	g.saveOpts = checkpoint.SaveOptions{ThreadID: thread}
	chain(t, g, "a")
	require.NoError(t, g.SaveCheckpoint(ctx))

	listed, err := cp.List(ctx, g.ID())
	require.NoError(t, err)
	assert.Contains(t, listed, thread)
}

func TestPeriodicCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cp := checkpoint.NewCheckpointer(checkpoint.WithStore(checkpoint.NewFileStore(dir)))
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 10 * time.Millisecond
	g := newGraph(t, WithConfig(cfg), WithCheckpointer(cp, checkpoint.SaveOptions{Path: "periodic.json"}))
	chain(t, g, "a")

	require.NoError(t, g.Run(context.Background()))

	_, err := os.Stat(filepath.Join(dir, "periodic.json"))
	assert.NoError(t, err, "the final checkpoint is written when the run ends")
}

func TestCheckpointWithoutCheckpointer(t *testing.T) {
	g := newGraph(t)
	assert.ErrorIs(t, g.SaveCheckpoint(context.Background()), ErrNoCheckpointer)
	assert.ErrorIs(t, g.LoadCheckpoint(context.Background(), checkpoint.LoadOptions{}), ErrNoCheckpointer)
}
