package edge

import (
	"context"
	"fmt"
	"slices"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/node"
)

// TypeConditional is the type name recorded for conditional edges.
const TypeConditional = "conditional"

// Target is one candidate destination of a ConditionalEdge.
type Target struct {
	Node      node.Node
	Channel   string
	Condition Condition
	Priority  int
}

// Endpoint returns the target's node and channel.
func (t Target) Endpoint() Endpoint {
	return Endpoint{NodeID: t.Node.ID(), Channel: t.Channel}
}

// TargetSnapshot is the serializable form of a Target.
type TargetSnapshot struct {
	Node      string             `json:"node"`
	Channel   string             `json:"channel"`
	Priority  int                `json:"priority"`
	Condition *ConditionSnapshot `json:"condition,omitempty"`
}

// ConditionalEdge routes a source channel to the first target whose
// condition holds, or to the default target.
type ConditionalEdge struct {
	*Base
	def     Target
	targets []Target
}

// NewConditionalEdge checks that every target channel exists and orders
// targets by descending priority, keeping the given order among equals.
func NewConditionalEdge(src node.Node, srcCh string, def Target, targets []Target, opts ...Option) (*ConditionalEdge, error) {
	if def.Node == nil {
		return nil, cferrors.Validation("conditional edge requires a default target", ErrInvalidEdge)
	}
	opts = append([]Option{WithType(TypeConditional)}, opts...)
	base, err := NewBase(src, def.Node, srcCh, def.Channel, opts...)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if t.Node == nil {
			return nil, cferrors.Validation("conditional target requires a node", ErrInvalidEdge)
		}
		if msg := checkEndpoints(src, t.Node, srcCh, t.Channel); msg != "" {
			return nil, cferrors.Validation(msg, ErrInvalidEdge)
		}
	}
	sorted := slices.Clone(targets)
	slices.SortStableFunc(sorted, func(a, b Target) int { return b.Priority - a.Priority })
	return &ConditionalEdge{Base: base, def: def, targets: sorted}, nil
}

// Default returns the default target.
func (e *ConditionalEdge) Default() Target { return e.def }

// ConditionalTargets returns the conditional targets in evaluation order.
func (e *ConditionalEdge) ConditionalTargets() []Target { return slices.Clone(e.targets) }

// Targets returns the default endpoint followed by the conditional ones.
func (e *ConditionalEdge) Targets() []Endpoint {
	out := make([]Endpoint, 0, len(e.targets)+1)
	out = append(out, e.def.Endpoint())
	for _, t := range e.targets {
		out = append(out, t.Endpoint())
	}
	return out
}

// ActiveTarget evaluates conditions in priority order against the source
// node and returns the first target that matches, or the default.
// Targets without a condition are skipped.
func (e *ConditionalEdge) ActiveTarget(ctx context.Context, args map[string]any) (Target, error) {
	for _, t := range e.targets {
		if t.Condition == nil {
			continue
		}
		ok, err := t.Condition.Evaluate(ctx, e.src, args)
		if err != nil {
			return Target{}, fmt.Errorf("evaluate %s for %s: %w", t.Condition.Type(), t.Endpoint(), err)
		}
		if ok {
			return t, nil
		}
	}
	return e.def, nil
}

// Validate rechecks every target.
func (e *ConditionalEdge) Validate() error {
	if err := e.Base.Validate(); err != nil {
		return err
	}
	for _, t := range e.targets {
		if msg := checkEndpoints(e.src, t.Node, e.srcCh, t.Channel); msg != "" {
			return cferrors.Validation(msg, ErrInvalidEdge)
		}
	}
	return nil
}

// Propagate delivers to the active target.
func (e *ConditionalEdge) Propagate(ctx context.Context) (Delivery, bool, error) {
	t, err := e.ActiveTarget(ctx, nil)
	if err != nil {
		return Delivery{}, false, err
	}
	return deliver(ctx, e.src, e.srcCh, t.Node, t.Channel)
}

// Checkpoint captures metadata, endpoints and target conditions.
func (e *ConditionalEdge) Checkpoint() Snapshot {
	s := e.Base.Checkpoint()
	s.Targets = make([]TargetSnapshot, 0, len(e.targets))
	for _, t := range e.targets {
		ts := TargetSnapshot{Node: t.Node.ID(), Channel: t.Channel, Priority: t.Priority}
		if t.Condition != nil {
			d := t.Condition.Describe()
			ts.Condition = &d
		}
		s.Targets = append(s.Targets, ts)
	}
	return s
}

// Restore applies metadata and condition state. The snapshot must list
// the same targets in the same order.
func (e *ConditionalEdge) Restore(s Snapshot) error {
	if len(s.Targets) != len(e.targets) {
		return fmt.Errorf("%w: %d conditional targets, have %d", ErrEndpointMismatch, len(s.Targets), len(e.targets))
	}
	for i, ts := range s.Targets {
		t := e.targets[i]
		if ts.Node != t.Node.ID() || ts.Channel != t.Channel {
			return fmt.Errorf("%w: target %d is %s.%s", ErrEndpointMismatch, i, ts.Node, ts.Channel)
		}
	}
	if err := e.Base.Restore(s); err != nil {
		return err
	}
	for i, ts := range s.Targets {
		if ts.Condition != nil && e.targets[i].Condition != nil {
			if err := e.targets[i].Condition.Restore(*ts.Condition); err != nil {
				return fmt.Errorf("restore condition of target %d: %w", i, err)
			}
		}
	}
	return nil
}
