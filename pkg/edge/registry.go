package edge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/internal/naming"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/update"
)

var (
	// ErrCycle is returned when an edge would close a dependency cycle.
	ErrCycle = node.ErrCycle

	// ErrNoCreator is returned when no creator is registered for an edge type.
	ErrNoCreator = errors.New("no creator registered for edge type")

	// ErrTypeRegistered is returned when an edge type is registered twice.
	ErrTypeRegistered = errors.New("edge type already registered")

	// ErrEdgeExists is returned when an edge id is already registered.
	ErrEdgeExists = errors.New("edge already exists")

	// ErrEdgeNotFound is returned for unknown edge ids.
	ErrEdgeNotFound = errors.New("edge not found")
)

// Creator builds an edge of one registered type. An empty id lets the
// edge generate one.
type Creator func(id string, src, dst node.Node, srcCh, dstCh string) (Edge, error)

// DirectCreator builds direct edges.
func DirectCreator(id string, src, dst node.Node, srcCh, dstCh string) (Edge, error) {
	return NewBase(src, dst, srcCh, dstCh, WithID(id))
}

// Registry owns the edges of a graph.
type Registry struct {
	mu        sync.RWMutex
	nodes     *node.Registry
	validator *Validator
	creators  map[string]Creator
	typeNames []string
	edges     map[string]Edge
	order     []string
	watched   map[string]bool
	version   uint64
	logger    *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithValidator replaces the default validator.
func WithValidator(v *Validator) RegistryOption {
	return func(r *Registry) {
		if v != nil {
			r.validator = v
		}
	}
}

// NewRegistry creates a registry over nodes with the direct edge type
// registered.
func NewRegistry(nodes *node.Registry, opts ...RegistryOption) *Registry {
	r := &Registry{
		nodes:     nodes,
		creators:  map[string]Creator{naming.Key(TypeDirect): DirectCreator},
		typeNames: []string{TypeDirect},
		edges:     make(map[string]Edge),
		watched:   make(map[string]bool),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.validator == nil {
		r.validator = NewValidator()
	}
	return r
}

// Validator returns the validator used by CreateEdge.
func (r *Registry) Validator() *Validator { return r.validator }

// Version counts registrations and structural changes.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// RegisterType binds an edge type name to a creator.
func (r *Registry) RegisterType(name string, creator Creator) error {
	if !naming.Valid(name) || creator == nil {
		return cferrors.Validation("edge type requires a name and a creator", nil)
	}
	key := naming.Key(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.creators[key]; exists {
		return cferrors.Validation(fmt.Sprintf("edge type %q", name), ErrTypeRegistered)
	}
	r.creators[key] = creator
	r.typeNames = append(r.typeNames, name)
	r.version++
	return nil
}

// RegisteredTypes returns edge type names in registration order.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.typeNames)
}

// CreateEdge validates and builds an edge from srcNode.srcCh to
// dstNode.dstCh and registers it.
func (r *Registry) CreateEdge(typeName, srcNode, dstNode, srcCh, dstCh string) (Edge, error) {
	r.mu.RLock()
	creator, ok := r.creators[naming.Key(typeName)]
	r.mu.RUnlock()
	if !ok {
		return nil, cferrors.Validation(fmt.Sprintf("create edge %s -> %s", srcNode, dstNode), fmt.Errorf("%w: %s", ErrNoCreator, typeName))
	}

	src, err := r.nodes.MustNode(srcNode)
	if err != nil {
		return nil, err
	}
	dst, err := r.nodes.MustNode(dstNode)
	if err != nil {
		return nil, err
	}
	if err := r.validator.ValidateEdge(src, dst, srcCh, dstCh).Err(); err != nil {
		return nil, err
	}

	e, err := creator("", src, dst, srcCh, dstCh)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s edge: %w", typeName, err)
	}
	if err := r.AddEdge(e); err != nil {
		return nil, err
	}
	return e, nil
}

// AddEdge registers an edge built by the caller, such as a ConditionalEdge.
// Every target records a dependency on the source node.
func (r *Registry) AddEdge(e Edge) error {
	if e == nil {
		return cferrors.Validation("edge must not be nil", nil)
	}
	id := e.ID()
	r.mu.RLock()
	_, exists := r.edges[id]
	r.mu.RUnlock()
	if exists {
		return cferrors.Validation(fmt.Sprintf("add edge %s", id), ErrEdgeExists)
	}

	src := e.Source()
	var added []string
	for _, t := range e.Targets() {
		if slices.Contains(r.nodes.Dependencies(t.NodeID), src.NodeID) {
			continue
		}
		if err := r.nodes.AddDependency(t.NodeID, src.NodeID); err != nil {
			for _, undo := range added {
				r.nodes.RemoveDependency(undo, src.NodeID)
			}
			if errors.Is(err, node.ErrCycle) {
				return cferrors.Validation(fmt.Sprintf("edge %s -> %s would create a cycle", src.NodeID, t.NodeID), ErrCycle)
			}
			return err
		}
		added = append(added, t.NodeID)
	}

	r.mu.Lock()
	r.edges[id] = e
	r.order = append(r.order, id)
	r.version++
	r.mu.Unlock()

	r.watch(src.NodeID)
	for _, t := range e.Targets() {
		r.watch(t.NodeID)
	}
	r.logger.Debug("Added edge",
		zap.String("edge_id", id),
		zap.String("type", e.Type()),
		zap.String("source", src.String()),
		zap.String("target", e.Target().String()))
	return nil
}

// watch invalidates cached validation results when a node's channels change.
func (r *Registry) watch(nodeID string) {
	r.mu.Lock()
	if r.watched[nodeID] {
		r.mu.Unlock()
		return
	}
	r.watched[nodeID] = true
	r.mu.Unlock()

	if n, ok := r.nodes.GetNode(nodeID); ok {
		n.OnChannelsChanged(r.validator.InvalidateNode)
	}
}

// GetEdge returns an edge by id.
func (r *Registry) GetEdge(id string) (Edge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.edges[id]
	return e, ok
}

// DeleteEdge removes an edge. The dependency between its nodes is dropped
// unless another edge still connects them.
func (r *Registry) DeleteEdge(id string) bool {
	r.mu.Lock()
	e, ok := r.edges[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.edges, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	r.version++
	remaining := make([]Edge, 0, len(r.edges))
	for _, other := range r.edges {
		remaining = append(remaining, other)
	}
	r.mu.Unlock()

	src := e.Source().NodeID
	for _, t := range e.Targets() {
		if !connects(remaining, src, t.NodeID) {
			r.nodes.RemoveDependency(t.NodeID, src)
		}
	}
	return true
}

func connects(edges []Edge, src, dst string) bool {
	for _, e := range edges {
		if e.Source().NodeID != src {
			continue
		}
		for _, t := range e.Targets() {
			if t.NodeID == dst {
				return true
			}
		}
	}
	return false
}

// Edges returns every edge in insertion order.
func (r *Registry) Edges() []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Edge, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.edges[id])
	}
	return out
}

// Len returns the number of edges.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.edges)
}

// NodeEdges returns the ids of edges leaving nodeID when asSource is true,
// or arriving at it otherwise.
func (r *Registry) NodeEdges(nodeID string, asSource bool) []string {
	var out []string
	for _, e := range r.Edges() {
		if asSource && e.Source().NodeID == nodeID {
			out = append(out, e.ID())
			continue
		}
		if !asSource && slices.ContainsFunc(e.Targets(), func(t Endpoint) bool { return t.NodeID == nodeID }) {
			out = append(out, e.ID())
		}
	}
	return out
}

// ChannelEdges returns the ids of edges attached to a node channel in
// either direction.
func (r *Registry) ChannelEdges(nodeID, channelName string) []string {
	want := Endpoint{NodeID: nodeID, Channel: channelName}
	var out []string
	for _, e := range r.Edges() {
		if e.Source() == want || slices.Contains(e.Targets(), want) {
			out = append(out, e.ID())
		}
	}
	return out
}

// RemoveNodeEdges deletes every edge touching nodeID.
func (r *Registry) RemoveNodeEdges(nodeID string) int {
	ids := append(r.NodeEdges(nodeID, true), r.NodeEdges(nodeID, false)...)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	for _, id := range ids {
		r.DeleteEdge(id)
	}
	r.validator.InvalidateNode(nodeID)
	return len(ids)
}

// Propagate delivers every outgoing edge of nodeID in a single
// transaction and returns the number of values written. A nil protocol
// writes through a transient protocol resolving the node registry.
func (r *Registry) Propagate(ctx context.Context, nodeID string, p *update.Protocol) (int, error) {
	if p == nil {
		p = update.New(update.WithResolver(r.nodes), update.WithLogger(r.logger))
	}

	var deliveries []Delivery
	for _, id := range r.NodeEdges(nodeID, true) {
		e, ok := r.GetEdge(id)
		if !ok {
			continue
		}
		d, ok, err := e.Propagate(ctx)
		if err != nil {
			return 0, fmt.Errorf("propagate edge %s: %w", id, err)
		}
		if ok {
			deliveries = append(deliveries, d)
		}
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	txID := p.Begin()
	for _, d := range deliveries {
		if err := p.AddUpdate(txID, d.TargetChannelID, d.Value); err != nil {
			_ = p.Rollback(txID, err)
			return 0, err
		}
	}
	if err := p.Commit(ctx, txID); err != nil {
		return 0, err
	}
	r.logger.Debug("Propagated node outputs",
		zap.String("node_id", nodeID),
		zap.Int("deliveries", len(deliveries)))
	return len(deliveries), nil
}

// Clear removes every edge and the dependencies they recorded.
func (r *Registry) Clear() {
	for _, e := range r.Edges() {
		r.DeleteEdge(e.ID())
	}
	r.validator.InvalidateAll()
}

// RegistrySnapshot is the serializable form of a Registry.
type RegistrySnapshot struct {
	SchemaVersion int        `json:"schema_version"`
	Version       uint64     `json:"version"`
	Edges         []Snapshot `json:"edges"`
}

// Checkpoint captures every edge in insertion order.
func (r *Registry) Checkpoint() RegistrySnapshot {
	edges := r.Edges()
	snap := RegistrySnapshot{
		SchemaVersion: SchemaVersion,
		Version:       r.Version(),
		Edges:         make([]Snapshot, 0, len(edges)),
	}
	for _, e := range edges {
		snap.Edges = append(snap.Edges, e.Checkpoint())
	}
	return snap
}

// Restore replaces the edge set with snap. Existing edges are restored in
// place; missing ones are rebuilt through the creator of their type.
// Conditional edges carry Go predicates and must already be present.
func (r *Registry) Restore(snap RegistrySnapshot) error {
	if snap.SchemaVersion > SchemaVersion {
		return fmt.Errorf("unsupported edge registry schema version %d", snap.SchemaVersion)
	}

	r.mu.RLock()
	existing := maps.Clone(r.edges)
	r.mu.RUnlock()

	restored := make([]Edge, 0, len(snap.Edges))
	keep := make(map[string]bool, len(snap.Edges))
	for _, s := range snap.Edges {
		e, ok := existing[s.Metadata.ID]
		if !ok {
			built, err := r.rebuild(s)
			if err != nil {
				return err
			}
			e = built
		}
		if err := e.Restore(s); err != nil {
			return fmt.Errorf("restore edge %s: %w", s.Metadata.ID, err)
		}
		restored = append(restored, e)
		keep[s.Metadata.ID] = true
	}

	for id := range existing {
		if !keep[id] {
			r.DeleteEdge(id)
		}
	}
	for _, e := range restored {
		if _, ok := existing[e.ID()]; ok {
			continue
		}
		if err := r.AddEdge(e); err != nil {
			return fmt.Errorf("re-add edge %s: %w", e.ID(), err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = r.order[:0]
	for _, e := range restored {
		r.order = append(r.order, e.ID())
	}
	r.version = snap.Version
	return nil
}

func (r *Registry) rebuild(s Snapshot) (Edge, error) {
	r.mu.RLock()
	creator, ok := r.creators[naming.Key(s.Metadata.Type)]
	r.mu.RUnlock()
	if !ok || len(s.Targets) > 0 {
		return nil, fmt.Errorf("rebuild edge %s: %w: %s", s.Metadata.ID, ErrNoCreator, s.Metadata.Type)
	}
	src, err := r.nodes.MustNode(s.Source.NodeID)
	if err != nil {
		return nil, err
	}
	dst, err := r.nodes.MustNode(s.Target.NodeID)
	if err != nil {
		return nil, err
	}
	return creator(s.Metadata.ID, src, dst, s.Source.Channel, s.Target.Channel)
}
