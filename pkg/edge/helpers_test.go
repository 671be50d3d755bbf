package edge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Conflux/pkg/channel"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/state"
)

// stringNode builds a node with a string "in" input and "out" output.
func stringNode(gs *state.GraphState, id string) (node.Node, error) {
	n := node.NewBase(gs, node.WithID(id), node.WithRunFunc(func(_ context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"out": in["in"]}, nil
	}))
	hint := channel.Options{TypeHint: channel.TypeOf[string]()}
	if _, err := n.CreateInputChannel("in", channel.KindLastValue, hint); err != nil {
		return nil, err
	}
	if _, err := n.CreateOutputChannel("out", channel.KindLastValue, hint); err != nil {
		return nil, err
	}
	return n, nil
}

type fixture struct {
	state *state.GraphState
	nodes *node.Registry
	edges *Registry
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	gs := state.New()
	nodes := node.NewRegistry(gs)
	require.NoError(t, nodes.RegisterType("string", stringNode))
	for _, id := range ids {
		_, err := nodes.CreateNode("string", id)
		require.NoError(t, err)
	}
	return &fixture{state: gs, nodes: nodes, edges: NewRegistry(nodes)}
}

func (f *fixture) node(t *testing.T, id string) node.Node {
	t.Helper()
	n, ok := f.nodes.GetNode(id)
	require.True(t, ok)
	return n
}

func setOutput(t *testing.T, n node.Node, v any) {
	t.Helper()
	ch, ok := n.OutputChannel("out")
	require.True(t, ok)
	require.NoError(t, ch.Set(v))
}
