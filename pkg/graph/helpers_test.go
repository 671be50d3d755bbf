package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/channel"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/state"
)

const stageType = "stage"

// stage adds its "step" config (default 1) to the int on "in" and writes
// the sum to "out".
func stage(gs *state.GraphState, id string) (node.Node, error) {
	b := node.NewBase(gs, node.WithID(id))
	b.SetRunFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		v, _ := inputs["in"].(int)
		return map[string]any{"out": v + b.GetConfigIntWithDefault("step", 1)}, nil
	})
	opts := channel.Options{TypeHint: channel.TypeOf[int]()}
	if _, err := b.CreateInputChannel("in", channel.KindLastValue, opts); err != nil {
		return nil, err
	}
	if _, err := b.CreateOutputChannel("out", channel.KindLastValue, opts); err != nil {
		return nil, err
	}
	return b, nil
}

func newGraph(t *testing.T, opts ...Option) *Graph {
	t.Helper()
	g, err := New(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, g.RegisterNodeType(stageType, stage))
	return g
}

// chain builds ids[0] -> ids[1] -> ... over out/in.
func chain(t *testing.T, g *Graph, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := g.AddNode(stageType, id)
		require.NoError(t, err)
	}
	for i := 1; i < len(ids); i++ {
		_, err := g.AddEdge("direct", ids[i-1], ids[i], "out", "in")
		require.NoError(t, err)
	}
}

func output(t *testing.T, g *Graph, id string) any {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s", id)
	ch, ok := n.OutputChannel("out")
	require.True(t, ok)
	return ch.Get()
}

func input(t *testing.T, g *Graph, id string) any {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s", id)
	ch, ok := n.InputChannel("in")
	require.True(t, ok)
	return ch.Get()
}

func status(t *testing.T, g *Graph, id string) node.Status {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s", id)
	return n.Status()
}

func blocking(gs *state.GraphState, id string) (node.Node, error) {
	return node.NewBase(gs, node.WithID(id), node.WithRunFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})), nil
}
