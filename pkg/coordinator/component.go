package coordinator

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/channel"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/state"
)

// ComponentType classifies a registered component.
type ComponentType string

const (
	ComponentAgent ComponentType = "AGENT"
	ComponentBlock ComponentType = "BLOCK"
	ComponentChain ComponentType = "CHAIN"
	ComponentTeam  ComponentType = "TEAM"
	ComponentGraph ComponentType = "GRAPH"
)

// ErrComponentNotFound is returned for unknown component ids.
var ErrComponentNotFound = errors.New("component not found")

// Event names recorded in the coordinator's event log.
const (
	EventRegistered   = "component_registered"
	EventUnregistered = "component_unregistered"
	EventError        = "component_error"
)

// scopeSeparator joins a parent scope and a child id.
const scopeSeparator = "/"

// Component describes a registered component. StateScope nests under
// ParentScope, so dropping a parent scope drops every child scope.
type Component struct {
	ID           string
	Type         ComponentType
	Node         node.Node
	StateScope   string
	ParentScope  string
	RegisteredAt time.Time
}

// ComponentError is a failure reported against a component.
type ComponentError struct {
	ComponentID string
	Err         error
	ReportedAt  time.Time
}

// ComponentCoordinator tracks agents, blocks, chains and teams that share
// a graph, giving each a state scope and a set of named channels.
type ComponentCoordinator struct {
	mu         sync.RWMutex
	graph      *state.GraphState
	components map[string]*Component
	byType     map[ComponentType][]string
	channels   map[string]map[string]channel.Channel
	states     map[string]map[string]any
	errs       []ComponentError
	events     []string
	logger     *zap.Logger
}

// ComponentOption configures a ComponentCoordinator.
type ComponentOption func(*ComponentCoordinator)

// WithComponentLogger sets the coordinator logger.
func WithComponentLogger(logger *zap.Logger) ComponentOption {
	return func(c *ComponentCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewComponentCoordinator creates a coordinator for components of gs.
func NewComponentCoordinator(gs *state.GraphState, opts ...ComponentOption) *ComponentCoordinator {
	c := &ComponentCoordinator{
		graph:      gs,
		components: make(map[string]*Component),
		byType:     make(map[ComponentType][]string),
		channels:   make(map[string]map[string]channel.Channel),
		states:     make(map[string]map[string]any),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Graph returns the graph the components belong to.
func (c *ComponentCoordinator) Graph() *state.GraphState { return c.graph }

// RegisterComponent registers n as a component of type t and returns its
// id. A non-empty parentScope nests the component's state scope under it.
func (c *ComponentCoordinator) RegisterComponent(n node.Node, t ComponentType, parentScope string) (string, error) {
	if n == nil {
		return "", cferrors.Validation("component node must not be nil", nil)
	}
	if t == "" {
		return "", cferrors.Validation("component type must not be empty", nil)
	}

	id := uuid.New().String()
	scope := id
	if parentScope != "" {
		scope = parentScope + scopeSeparator + id
	}
	comp := &Component{
		ID:           id,
		Type:         t,
		Node:         n,
		StateScope:   scope,
		ParentScope:  parentScope,
		RegisteredAt: time.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[id] = comp
	c.byType[t] = append(c.byType[t], id)
	c.channels[id] = make(map[string]channel.Channel)
	c.record(EventRegistered, id)

	c.logger.Debug("Component registered",
		zap.String("component_id", id),
		zap.String("type", string(t)),
		zap.String("node_id", n.ID()),
		zap.String("scope", scope))
	return id, nil
}

// UnregisterComponent removes a component, its channels, and the state of
// its scope and every nested scope. Unknown ids are ignored.
func (c *ComponentCoordinator) UnregisterComponent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, ok := c.components[id]
	if !ok {
		return
	}
	delete(c.components, id)
	delete(c.channels, id)
	c.byType[comp.Type] = slices.DeleteFunc(c.byType[comp.Type], func(s string) bool { return s == id })

	prefix := comp.StateScope + scopeSeparator
	for scope := range c.states {
		if scope == comp.StateScope || strings.HasPrefix(scope, prefix) {
			delete(c.states, scope)
		}
	}
	c.record(EventUnregistered, id)
}

// record appends to the event log; c.mu must be held.
func (c *ComponentCoordinator) record(event, id string) {
	c.events = append(c.events, event+":"+id)
}

// Component returns a copy of a component's description.
func (c *ComponentCoordinator) Component(id string) (Component, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[id]
	if !ok {
		return Component{}, false
	}
	return *comp, true
}

// ComponentsByType returns the components of type t in registration order.
func (c *ComponentCoordinator) ComponentsByType(t ComponentType) []Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Component, 0, len(c.byType[t]))
	for _, id := range c.byType[t] {
		out = append(out, *c.components[id])
	}
	return out
}

func (c *ComponentCoordinator) lookup(id string) (*Component, error) {
	comp, ok := c.components[id]
	if !ok {
		return nil, cferrors.Validation(fmt.Sprintf("component %s", id), ErrComponentNotFound)
	}
	return comp, nil
}

// AddChannel attaches a named channel to a component.
func (c *ComponentCoordinator) AddChannel(id, name string, ch channel.Channel) error {
	if name == "" || ch == nil {
		return cferrors.Validation("component channel requires a name and a channel", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.lookup(id); err != nil {
		return err
	}
	c.channels[id][name] = ch
	return nil
}

// Channel returns a component's named channel.
func (c *ComponentCoordinator) Channel(id, name string) (channel.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[id][name]
	return ch, ok
}

// ReportError records a failure against a component.
func (c *ComponentCoordinator) ReportError(id string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, lerr := c.lookup(id); lerr != nil {
		return lerr
	}
	c.errs = append(c.errs, ComponentError{ComponentID: id, Err: err, ReportedAt: time.Now().UTC()})
	c.record(EventError, id)
	c.logger.Warn("Component reported error", zap.String("component_id", id), zap.Error(err))
	return nil
}

// Errors returns every reported failure in order.
func (c *ComponentCoordinator) Errors() []ComponentError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.errs)
}

// Events returns the event log, entries formatted as "<event>:<component id>".
func (c *ComponentCoordinator) Events() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.events)
}

// SetState replaces the state of a component's scope.
func (c *ComponentCoordinator) SetState(id string, values map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, err := c.lookup(id)
	if err != nil {
		return err
	}
	c.states[comp.StateScope] = maps.Clone(values)
	return nil
}

// State returns a copy of a component's scoped state.
func (c *ComponentCoordinator) State(id string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[id]
	if !ok {
		return nil, false
	}
	values, ok := c.states[comp.StateScope]
	return maps.Clone(values), ok
}

// ParentState returns a copy of the state of a component's parent scope.
func (c *ComponentCoordinator) ParentState(id string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[id]
	if !ok || comp.ParentScope == "" {
		return nil, false
	}
	values, ok := c.states[comp.ParentScope]
	return maps.Clone(values), ok
}
