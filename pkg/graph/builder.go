package graph

import (
	"fmt"

	"github.com/wehubfusion/Conflux/pkg/channel"
	"github.com/wehubfusion/Conflux/pkg/edge"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/node"
)

// Builder assembles a Graph fluently. The first failing call is recorded
// and every later call becomes a no-op; Build returns that error.
type Builder struct {
	graph       *Graph
	err         error
	currentNode node.Node
	currentEdge edge.Edge
}

// NewBuilder starts a graph with opts.
func NewBuilder(opts ...Option) *Builder {
	g, err := New(opts...)
	return &Builder{graph: g, err: err}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Err returns the first recorded error.
func (b *Builder) Err() error { return b.err }

// RegisterNodeType binds a node type name to its creator.
func (b *Builder) RegisterNodeType(name string, creator node.Creator) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.graph.RegisterNodeType(name, creator); err != nil {
		return b.fail(err)
	}
	return b
}

// AddNode creates a node and makes it the current node. config, when not
// nil, is merged into the node configuration.
func (b *Builder) AddNode(typeName, id string, config map[string]any) *Builder {
	if b.err != nil {
		return b
	}
	n, err := b.graph.AddNode(typeName, id)
	if err != nil {
		return b.fail(err)
	}
	if len(config) > 0 {
		if err := n.Configure(config); err != nil {
			return b.fail(err)
		}
	}
	b.currentNode = n
	return b
}

// SelectNode makes an existing node the current node.
func (b *Builder) SelectNode(id string) *Builder {
	if b.err != nil {
		return b
	}
	n, ok := b.graph.Node(id)
	if !ok {
		return b.fail(cferrors.Validation(fmt.Sprintf("node %s not found", id), node.ErrNodeNotFound))
	}
	b.currentNode = n
	return b
}

func (b *Builder) requireNode() bool {
	if b.currentNode == nil {
		b.fail(cferrors.Validation("no current node to configure", nil))
		return false
	}
	return true
}

// ConfigureNode merges values into the current node configuration.
func (b *Builder) ConfigureNode(values map[string]any) *Builder {
	if b.err != nil || !b.requireNode() {
		return b
	}
	if err := b.currentNode.Configure(values); err != nil {
		return b.fail(err)
	}
	return b
}

// WithInputChannel adds an input channel to the current node.
func (b *Builder) WithInputChannel(name string, kind channel.Kind, opts channel.Options) *Builder {
	if b.err != nil || !b.requireNode() {
		return b
	}
	if _, err := b.currentNode.CreateInputChannel(name, kind, opts); err != nil {
		return b.fail(err)
	}
	return b
}

// WithOutputChannel adds an output channel to the current node.
func (b *Builder) WithOutputChannel(name string, kind channel.Kind, opts channel.Options) *Builder {
	if b.err != nil || !b.requireNode() {
		return b
	}
	if _, err := b.currentNode.CreateOutputChannel(name, kind, opts); err != nil {
		return b.fail(err)
	}
	return b
}

// Connect adds a direct edge and makes it the current edge. config, when
// not nil, is merged into the edge configuration.
func (b *Builder) Connect(srcNode, dstNode, srcCh, dstCh string, config map[string]any) *Builder {
	return b.ConnectWith(edge.TypeDirect, srcNode, dstNode, srcCh, dstCh, config)
}

// ConnectWith is Connect for an edge type registered on the edge registry.
func (b *Builder) ConnectWith(typeName, srcNode, dstNode, srcCh, dstCh string, config map[string]any) *Builder {
	if b.err != nil {
		return b
	}
	e, err := b.graph.AddEdge(typeName, srcNode, dstNode, srcCh, dstCh)
	if err != nil {
		return b.fail(err)
	}
	if len(config) > 0 {
		if err := e.Configure(config); err != nil {
			return b.fail(err)
		}
	}
	b.currentEdge = e
	return b
}

// ConnectConditional adds a conditional edge and makes it the current edge.
func (b *Builder) ConnectConditional(srcNode, srcCh string, def Route, routes ...Route) *Builder {
	if b.err != nil {
		return b
	}
	e, err := b.graph.AddConditionalEdge(srcNode, srcCh, def, routes...)
	if err != nil {
		return b.fail(err)
	}
	b.currentEdge = e
	return b
}

// SelectEdge makes an existing edge the current edge.
func (b *Builder) SelectEdge(id string) *Builder {
	if b.err != nil {
		return b
	}
	e, ok := b.graph.Edge(id)
	if !ok {
		return b.fail(cferrors.Validation(fmt.Sprintf("edge %s not found", id), edge.ErrEdgeNotFound))
	}
	b.currentEdge = e
	return b
}

// ConfigureEdge merges values into the current edge configuration.
func (b *Builder) ConfigureEdge(values map[string]any) *Builder {
	if b.err != nil {
		return b
	}
	if b.currentEdge == nil {
		return b.fail(cferrors.Validation("no current edge to configure", nil))
	}
	if err := b.currentEdge.Configure(values); err != nil {
		return b.fail(err)
	}
	return b
}

// CurrentNode returns the node the next node call applies to.
func (b *Builder) CurrentNode() node.Node { return b.currentNode }

// CurrentEdge returns the edge the next edge call applies to.
func (b *Builder) CurrentEdge() edge.Edge { return b.currentEdge }

// Build returns the graph or the first recorded error.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.graph, nil
}
