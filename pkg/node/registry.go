package node

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/internal/naming"
	"github.com/wehubfusion/Conflux/pkg/channel"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/state"
)

var (
	// ErrNoCreator is returned when no creator is registered for a node type.
	ErrNoCreator = errors.New("no creator registered for node type")

	// ErrTypeRegistered is returned when a node type is registered twice.
	ErrTypeRegistered = errors.New("node type already registered")

	// ErrNodeNotFound is returned for unknown node ids.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeExists is returned when a node id is already registered.
	ErrNodeExists = errors.New("node already exists")

	// ErrCycle is returned when a dependency would close a cycle.
	ErrCycle = errors.New("dependency cycle")
)

// Creator builds a node of one registered type. id is never empty.
type Creator func(gs *state.GraphState, id string) (Node, error)

// Registry owns the nodes of a graph, the creators that build them and
// the dependency DAG between them.
type Registry struct {
	mu        sync.RWMutex
	graph     *state.GraphState
	creators  map[string]Creator
	typeNames []string
	nodes     map[string]Node
	order     []string
	deps      map[string][]string
	version   uint64
	logger    *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry whose nodes bind to gs.
func NewRegistry(gs *state.GraphState, opts ...RegistryOption) *Registry {
	r := &Registry{
		graph:    gs,
		creators: make(map[string]Creator),
		nodes:    make(map[string]Node),
		deps:     make(map[string][]string),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Version counts registrations and structural changes.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// RegisterType binds a node type name to a creator. Names are case-insensitive.
func (r *Registry) RegisterType(name string, creator Creator) error {
	if !naming.Valid(name) || creator == nil {
		return cferrors.Validation("node type requires a name and a creator", nil)
	}
	key := naming.Key(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.creators[key]; exists {
		return cferrors.Validation(fmt.Sprintf("node type %q", name), ErrTypeRegistered)
	}
	r.creators[key] = creator
	r.typeNames = append(r.typeNames, name)
	r.version++
	return nil
}

// HasCreator checks if a creator exists for a node type.
func (r *Registry) HasCreator(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.creators[naming.Key(name)]
	return exists
}

// RegisteredTypes returns type names in registration order.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.typeNames)
}

// CreateNode builds a node through its type's creator and registers it.
// An empty id generates one.
func (r *Registry) CreateNode(typeName, id string) (Node, error) {
	r.mu.RLock()
	creator, exists := r.creators[naming.Key(typeName)]
	_, taken := r.nodes[id]
	r.mu.RUnlock()

	if !exists {
		return nil, cferrors.Validation(fmt.Sprintf("create node %q", id), fmt.Errorf("%w: %s", ErrNoCreator, typeName))
	}
	if taken {
		return nil, cferrors.Validation(fmt.Sprintf("create node %q", id), ErrNodeExists)
	}
	if id == "" {
		id = uuid.New().String()
	}

	n, err := creator(r.graph, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create node %s (%s): %w", id, typeName, err)
	}
	if n == nil || n.ID() != id {
		return nil, cferrors.Validation(fmt.Sprintf("creator for %s returned a node without id %s", typeName, id), nil)
	}
	n.base().setType(typeName)

	if err := r.RegisterNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// RegisterNode adds an existing node.
func (r *Registry) RegisterNode(n Node) error {
	if n == nil {
		return cferrors.Validation("node must not be nil", nil)
	}
	id := n.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[id]; exists {
		return cferrors.Validation(fmt.Sprintf("register node %q", id), ErrNodeExists)
	}
	r.nodes[id] = n
	r.order = append(r.order, id)
	r.version++
	r.logger.Debug("Registered node", zap.String("node_id", id), zap.String("type", n.Type()))
	return nil
}

// GetNode returns a node by id.
func (r *Registry) GetNode(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// MustNode returns a node by id or an ErrNodeNotFound error.
func (r *Registry) MustNode(id string) (Node, error) {
	if n, ok := r.GetNode(id); ok {
		return n, nil
	}
	return nil, cferrors.Validation(fmt.Sprintf("node %s", id), ErrNodeNotFound)
}

// DeleteNode removes a node and every dependency that mentions it.
// Unknown ids are ignored.
func (r *Registry) DeleteNode(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	delete(r.deps, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	for k, list := range r.deps {
		r.deps[k] = slices.DeleteFunc(list, func(s string) bool { return s == id })
	}
	r.version++
	return true
}

// Nodes returns every node in insertion order.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// NodeIDs returns node ids in insertion order.
func (r *Registry) NodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// AddDependency records that nodeID depends on dependsOn. Adding an
// existing dependency is a no-op.
func (r *Registry) AddDependency(nodeID, dependsOn string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range []string{nodeID, dependsOn} {
		if _, ok := r.nodes[id]; !ok {
			return cferrors.Validation(fmt.Sprintf("node %s", id), ErrNodeNotFound)
		}
	}
	if slices.Contains(r.deps[nodeID], dependsOn) {
		return nil
	}
	if nodeID == dependsOn || r.reachable(dependsOn, nodeID) {
		return cferrors.Validation(fmt.Sprintf("dependency %s -> %s would create a cycle", nodeID, dependsOn), ErrCycle)
	}
	r.deps[nodeID] = append(r.deps[nodeID], dependsOn)
	r.version++
	return nil
}

// reachable reports whether to is reachable from from over dependency links.
func (r *Registry) reachable(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		for _, next := range r.deps[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// RemoveDependency drops a dependency. It reports whether one was removed.
func (r *Registry) RemoveDependency(nodeID, dependsOn string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.deps[nodeID]
	i := slices.Index(list, dependsOn)
	if i < 0 {
		return false
	}
	r.deps[nodeID] = slices.Delete(list, i, i+1)
	r.version++
	return true
}

// Dependencies returns the nodes nodeID depends on.
func (r *Registry) Dependencies(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.deps[nodeID])
}

// Dependents returns the nodes that depend on nodeID, in insertion order.
func (r *Registry) Dependents(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		if slices.Contains(r.deps[id], nodeID) {
			out = append(out, id)
		}
	}
	return out
}

// DependenciesCompleted reports whether every dependency of nodeID is COMPLETED.
func (r *Registry) DependenciesCompleted(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dep := range r.deps[nodeID] {
		n, ok := r.nodes[dep]
		if !ok || n.Status() != StatusCompleted {
			return false
		}
	}
	return true
}

// ExecutionOrder returns node ids in topological order. Among nodes that
// are ready at the same time the earlier-registered node comes first.
func (r *Registry) ExecutionOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	position := make(map[string]int, len(r.order))
	pending := make(map[string]int, len(r.order))
	for i, id := range r.order {
		position[id] = i
		pending[id] = len(r.deps[id])
	}
	dependents := make(map[string][]string, len(r.order))
	for _, id := range r.order {
		for _, dep := range r.deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range r.order {
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}
	byPosition := func(a, b string) int { return position[a] - position[b] }

	order := make([]string, 0, len(r.order))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, next := range dependents[cur] {
			pending[next]--
			if pending[next] == 0 {
				i, _ := slices.BinarySearchFunc(ready, next, byPosition)
				ready = slices.Insert(ready, i, next)
			}
		}
	}
	if len(order) != len(r.order) {
		return nil, cferrors.Validation("execution order", ErrCycle)
	}
	return order, nil
}

// NodeStatuses returns the status of every node.
func (r *Registry) NodeStatuses() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.nodes))
	for id, n := range r.nodes {
		out[id] = n.Status()
	}
	return out
}

// ChannelByID finds a node-owned channel by channel id.
func (r *Registry) ChannelByID(id string) (channel.Channel, bool) {
	for _, n := range r.Nodes() {
		if ch, ok := n.base().ChannelByID(id); ok {
			return ch, true
		}
	}
	return nil, false
}

// Clear removes every node and dependency. Registered types are kept.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]Node)
	r.deps = make(map[string][]string)
	r.order = nil
	r.version++
}
