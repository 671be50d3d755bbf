// Package edge connects node output channels to node input channels.
//
// A direct edge copies the current value of a source output channel into
// a target input channel. A ConditionalEdge picks its target at
// propagation time from a priority-ordered list of routing conditions.
// The Registry keeps edges, mirrors them as dependencies in the node
// registry and delivers a node's outgoing edges in one update transaction.
package edge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wehubfusion/Conflux/pkg/channel"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/node"
)

// TypeDirect is the type name of the built-in direct edge.
const TypeDirect = "direct"

// SchemaVersion is the edge snapshot layout version.
const SchemaVersion = 1

var (
	// ErrEndpointMismatch is returned when a snapshot describes other endpoints.
	ErrEndpointMismatch = errors.New("edge endpoints do not match snapshot")

	// ErrInvalidEdge is wrapped by endpoint validation failures.
	ErrInvalidEdge = errors.New("invalid edge")
)

// Endpoint names a channel on a node.
type Endpoint struct {
	NodeID  string `json:"node"`
	Channel string `json:"channel"`
}

func (e Endpoint) String() string {
	return e.NodeID + "." + e.Channel
}

// Metadata describes an edge instance.
type Metadata struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Version   uint64         `json:"version"`
	Config    map[string]any `json:"config,omitempty"`
}

// Delivery is one value an edge wants written to a target channel.
type Delivery struct {
	Source          Endpoint
	Target          Endpoint
	TargetChannelID string
	Value           any
}

// Edge is implemented by *Base and *ConditionalEdge.
type Edge interface {
	ID() string
	Type() string
	Source() Endpoint
	// Target is the default destination.
	Target() Endpoint
	// Targets lists every possible destination.
	Targets() []Endpoint
	Metadata() Metadata
	Validate() error
	// Propagate reports the delivery the edge would make now. ok is false
	// when the source channel holds no value.
	Propagate(ctx context.Context) (d Delivery, ok bool, err error)
	Configure(values map[string]any) error
	Checkpoint() Snapshot
	Restore(s Snapshot) error
}

// Snapshot is the serializable form of an edge.
type Snapshot struct {
	SchemaVersion int              `json:"schema_version"`
	Metadata      Metadata         `json:"metadata"`
	Source        Endpoint         `json:"source"`
	Target        Endpoint         `json:"target"`
	Targets       []TargetSnapshot `json:"conditional_targets,omitempty"`
}

// Option configures an edge.
type Option func(*Base)

// WithID sets an explicit edge id.
func WithID(id string) Option {
	return func(b *Base) {
		if id != "" {
			b.meta.ID = id
		}
	}
}

// WithType overrides the recorded edge type name.
func WithType(typeName string) Option {
	return func(b *Base) {
		if typeName != "" {
			b.meta.Type = typeName
		}
	}
}

// WithConfig sets the initial edge configuration.
func WithConfig(config map[string]any) Option {
	return func(b *Base) { b.meta.Config = maps.Clone(config) }
}

// Base is a direct edge.
type Base struct {
	mu    sync.RWMutex
	meta  Metadata
	src   node.Node
	dst   node.Node
	srcCh string
	dstCh string
}

// NewBase creates a direct edge after checking that both channels exist
// and carry compatible type hints.
func NewBase(src, dst node.Node, srcCh, dstCh string, opts ...Option) (*Base, error) {
	if src == nil || dst == nil {
		return nil, cferrors.Validation("edge requires a source and a target node", ErrInvalidEdge)
	}
	if msg := checkEndpoints(src, dst, srcCh, dstCh); msg != "" {
		return nil, cferrors.Validation(msg, ErrInvalidEdge)
	}
	now := time.Now().UTC()
	b := &Base{
		meta: Metadata{
			ID:        uuid.New().String(),
			Type:      TypeDirect,
			CreatedAt: now,
			UpdatedAt: now,
		},
		src:   src,
		dst:   dst,
		srcCh: srcCh,
		dstCh: dstCh,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// checkEndpoints returns a description of the first problem, or "".
func checkEndpoints(src, dst node.Node, srcCh, dstCh string) string {
	out, ok := src.OutputChannel(srcCh)
	if !ok {
		return fmt.Sprintf("Source channel '%s' not found in node %s", srcCh, src.ID())
	}
	in, ok := dst.InputChannel(dstCh)
	if !ok {
		return fmt.Sprintf("Target channel '%s' not found in node %s", dstCh, dst.ID())
	}
	if !compatible(out.TypeHint(), in.TypeHint()) {
		return fmt.Sprintf("Channel types incompatible: source %s is %s, target %s is %s",
			srcCh, out.TypeHint(), dstCh, in.TypeHint())
	}
	return ""
}

func compatible(src, dst channel.TypeHint) bool {
	if src.IsAny() || dst.IsAny() {
		return true
	}
	return src.Type().AssignableTo(dst.Type())
}

// ID returns the edge id.
func (b *Base) ID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta.ID
}

// Type returns the edge type name.
func (b *Base) Type() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta.Type
}

// SourceNode returns the source node.
func (b *Base) SourceNode() node.Node { return b.src }

// TargetNode returns the default target node.
func (b *Base) TargetNode() node.Node { return b.dst }

// Source returns the source endpoint.
func (b *Base) Source() Endpoint { return Endpoint{NodeID: b.src.ID(), Channel: b.srcCh} }

// Target returns the target endpoint.
func (b *Base) Target() Endpoint { return Endpoint{NodeID: b.dst.ID(), Channel: b.dstCh} }

// Targets returns the single target endpoint.
func (b *Base) Targets() []Endpoint { return []Endpoint{b.Target()} }

// Metadata returns a copy of the edge metadata.
func (b *Base) Metadata() Metadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.meta
	m.Config = maps.Clone(b.meta.Config)
	return m
}

// Validate rechecks that both endpoints still exist and are compatible.
func (b *Base) Validate() error {
	if msg := checkEndpoints(b.src, b.dst, b.srcCh, b.dstCh); msg != "" {
		return cferrors.Validation(msg, ErrInvalidEdge)
	}
	return nil
}

// Configure merges values into the edge configuration.
func (b *Base) Configure(values map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.meta.Config == nil {
		b.meta.Config = make(map[string]any, len(values))
	}
	maps.Copy(b.meta.Config, values)
	b.touch()
	return nil
}

func (b *Base) touch() {
	b.meta.Version++
	b.meta.UpdatedAt = time.Now().UTC()
}

// Propagate reads the source channel.
func (b *Base) Propagate(ctx context.Context) (Delivery, bool, error) {
	return deliver(ctx, b.src, b.srcCh, b.dst, b.dstCh)
}

func deliver(ctx context.Context, src node.Node, srcCh string, dst node.Node, dstCh string) (Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, false, err
	}
	out, ok := src.OutputChannel(srcCh)
	if !ok {
		return Delivery{}, false, cferrors.Validation(fmt.Sprintf("Source channel '%s' not found in node %s", srcCh, src.ID()), ErrInvalidEdge)
	}
	in, ok := dst.InputChannel(dstCh)
	if !ok {
		return Delivery{}, false, cferrors.Validation(fmt.Sprintf("Target channel '%s' not found in node %s", dstCh, dst.ID()), ErrInvalidEdge)
	}
	v := out.Get()
	if v == nil {
		return Delivery{}, false, nil
	}
	return Delivery{
		Source:          Endpoint{NodeID: src.ID(), Channel: srcCh},
		Target:          Endpoint{NodeID: dst.ID(), Channel: dstCh},
		TargetChannelID: in.ID(),
		Value:           v,
	}, true, nil
}

// Checkpoint captures metadata and endpoints.
func (b *Base) Checkpoint() Snapshot {
	return Snapshot{
		SchemaVersion: SchemaVersion,
		Metadata:      b.Metadata(),
		Source:        b.Source(),
		Target:        b.Target(),
	}
}

// Restore applies the metadata of a snapshot taken from an edge with the
// same endpoints.
func (b *Base) Restore(s Snapshot) error {
	if s.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: unsupported edge schema version %d", channel.ErrInvalidSnapshot, s.SchemaVersion)
	}
	if s.Source != b.Source() || s.Target != b.Target() {
		return fmt.Errorf("%w: %s -> %s", ErrEndpointMismatch, s.Source, s.Target)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta = s.Metadata
	b.meta.Config = maps.Clone(s.Metadata.Config)
	return nil
}
