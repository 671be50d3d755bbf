package edge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wehubfusion/Conflux/internal/script"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/state"
)

// Condition type names recorded in snapshots.
const (
	ConditionState   = "StateCondition"
	ConditionChannel = "ChannelCondition"
	ConditionCustom  = "CustomCondition"
	ConditionScript  = "ScriptCondition"
)

// ErrConditionType is returned when restoring a snapshot of another condition type.
var ErrConditionType = errors.New("condition type mismatch")

// Condition decides whether a routing target is taken.
type Condition interface {
	Evaluate(ctx context.Context, n node.Node, args map[string]any) (bool, error)
	Type() string
	Describe() ConditionSnapshot
	Restore(s ConditionSnapshot) error
}

// ConditionMetadata describes a condition instance.
type ConditionMetadata struct {
	ID        string    `json:"condition_id"`
	Type      string    `json:"condition_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   uint64    `json:"version"`
}

// ConditionSnapshot is the serializable description of a condition.
// Predicates written in Go are not captured; a script is.
type ConditionSnapshot struct {
	Metadata ConditionMetadata `json:"metadata"`
	StateKey string            `json:"state_key,omitempty"`
	Channel  string            `json:"channel,omitempty"`
	Script   string            `json:"script,omitempty"`
}

type conditionBase struct {
	mu   sync.RWMutex
	meta ConditionMetadata
}

func newConditionBase(typeName string) conditionBase {
	now := time.Now().UTC()
	return conditionBase{meta: ConditionMetadata{
		ID:        uuid.New().String(),
		Type:      typeName,
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

// Type returns the condition type name.
func (c *conditionBase) Type() string { return c.meta.Type }

func (c *conditionBase) metadata() ConditionMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// restoreMeta must be called with c.mu held.
func (c *conditionBase) restoreMeta(s ConditionSnapshot) error {
	if s.Metadata.Type != c.meta.Type {
		return fmt.Errorf("%w: %s into %s", ErrConditionType, s.Metadata.Type, c.meta.Type)
	}
	c.meta = s.Metadata
	return nil
}

// StateCondition tests a key of the graph's global state.
type StateCondition struct {
	conditionBase
	graph *state.GraphState
	key   string
	pred  func(v any) bool
}

// NewStateCondition returns a condition that is false when key is absent
// and pred(value) otherwise. A nil pred tests for a non-nil value.
func NewStateCondition(gs *state.GraphState, key string, pred func(v any) bool) *StateCondition {
	return &StateCondition{conditionBase: newConditionBase(ConditionState), graph: gs, key: key, pred: pred}
}

// Key returns the state key the condition reads.
func (c *StateCondition) Key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Evaluate implements Condition.
func (c *StateCondition) Evaluate(_ context.Context, _ node.Node, _ map[string]any) (bool, error) {
	v, ok := c.graph.Get(c.Key())
	if !ok {
		return false, nil
	}
	if c.pred == nil {
		return v != nil, nil
	}
	return c.pred(v), nil
}

// Describe implements Condition.
func (c *StateCondition) Describe() ConditionSnapshot {
	return ConditionSnapshot{Metadata: c.metadata(), StateKey: c.Key()}
}

// Restore implements Condition.
func (c *StateCondition) Restore(s ConditionSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.restoreMeta(s); err != nil {
		return err
	}
	c.key = s.StateKey
	return nil
}

// ChannelCondition tests the value of one of the evaluated node's channels.
type ChannelCondition struct {
	conditionBase
	channel string
	pred    func(v any) bool
}

// NewChannelCondition returns a condition over the named channel of the
// node being routed, looked up among outputs first and inputs second. A
// missing channel evaluates to false.
func NewChannelCondition(channelName string, pred func(v any) bool) *ChannelCondition {
	return &ChannelCondition{conditionBase: newConditionBase(ConditionChannel), channel: channelName, pred: pred}
}

// Channel returns the channel name the condition reads.
func (c *ChannelCondition) Channel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Evaluate implements Condition.
func (c *ChannelCondition) Evaluate(_ context.Context, n node.Node, _ map[string]any) (bool, error) {
	if n == nil {
		return false, nil
	}
	name := c.Channel()
	ch, ok := n.OutputChannel(name)
	if !ok {
		ch, ok = n.InputChannel(name)
	}
	if !ok {
		return false, nil
	}
	v := ch.Get()
	if c.pred == nil {
		return v != nil, nil
	}
	return c.pred(v), nil
}

// Describe implements Condition.
func (c *ChannelCondition) Describe() ConditionSnapshot {
	return ConditionSnapshot{Metadata: c.metadata(), Channel: c.Channel()}
}

// Restore implements Condition.
func (c *ChannelCondition) Restore(s ConditionSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.restoreMeta(s); err != nil {
		return err
	}
	c.channel = s.Channel
	return nil
}

// CustomFunc is the body of a CustomCondition.
type CustomFunc func(ctx context.Context, n node.Node, gs *state.GraphState, args map[string]any) (bool, error)

// CustomCondition delegates to a function.
type CustomCondition struct {
	conditionBase
	graph *state.GraphState
	fn    CustomFunc
}

// NewCustomCondition wraps fn.
func NewCustomCondition(gs *state.GraphState, fn CustomFunc) *CustomCondition {
	return &CustomCondition{conditionBase: newConditionBase(ConditionCustom), graph: gs, fn: fn}
}

// Evaluate implements Condition.
func (c *CustomCondition) Evaluate(ctx context.Context, n node.Node, args map[string]any) (bool, error) {
	if c.fn == nil {
		return false, nil
	}
	return c.fn(ctx, n, c.graph, args)
}

// Describe implements Condition.
func (c *CustomCondition) Describe() ConditionSnapshot {
	return ConditionSnapshot{Metadata: c.metadata()}
}

// Restore implements Condition.
func (c *CustomCondition) Restore(s ConditionSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restoreMeta(s)
}

// ScriptCondition evaluates a JavaScript predicate. The script sees the
// global state as `state`, the node's output and input channel values as
// `outputs` and `inputs`, and the evaluation arguments as `args`.
type ScriptCondition struct {
	conditionBase
	graph *state.GraphState
	pred  *script.Predicate
	opts  []script.Option
}

// NewScriptCondition compiles source.
func NewScriptCondition(gs *state.GraphState, source string, opts ...script.Option) (*ScriptCondition, error) {
	pred, err := script.Compile(source, opts...)
	if err != nil {
		return nil, err
	}
	return &ScriptCondition{conditionBase: newConditionBase(ConditionScript), graph: gs, pred: pred, opts: opts}, nil
}

// Source returns the script text.
func (c *ScriptCondition) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pred.Source()
}

// Evaluate implements Condition.
func (c *ScriptCondition) Evaluate(ctx context.Context, n node.Node, args map[string]any) (bool, error) {
	c.mu.RLock()
	pred := c.pred
	c.mu.RUnlock()

	bindings := map[string]any{
		"state":   map[string]any{},
		"outputs": map[string]any{},
		"inputs":  map[string]any{},
		"args":    args,
	}
	if args == nil {
		bindings["args"] = map[string]any{}
	}
	if c.graph != nil {
		bindings["state"] = c.graph.GlobalState()
	}
	if n != nil {
		outputs := make(map[string]any)
		for _, name := range n.ListOutputChannels() {
			if ch, ok := n.OutputChannel(name); ok {
				outputs[name] = ch.Get()
			}
		}
		bindings["outputs"] = outputs
		bindings["inputs"] = n.Inputs()
	}
	return pred.Eval(ctx, bindings)
}

// Describe implements Condition.
func (c *ScriptCondition) Describe() ConditionSnapshot {
	return ConditionSnapshot{Metadata: c.metadata(), Script: c.Source()}
}

// Restore implements Condition and recompiles the snapshot's script.
func (c *ScriptCondition) Restore(s ConditionSnapshot) error {
	pred, err := script.Compile(s.Script, c.opts...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.restoreMeta(s); err != nil {
		return err
	}
	c.pred = pred
	return nil
}
