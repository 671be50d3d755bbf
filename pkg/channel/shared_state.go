package channel

import (
	"fmt"
	"maps"
)

// SharedState holds a string-keyed mapping. Set replaces it and Update
// merges keys shallowly.
type SharedState struct {
	core
	state map[string]any
}

// NewSharedState creates a shared-state channel.
func NewSharedState(id string) *SharedState {
	return &SharedState{
		core:  newCore(KindSharedState, id, TypeOf[map[string]any]()),
		state: make(map[string]any),
	}
}

// Get returns a copy of the mapping.
func (c *SharedState) Get() any {
	return c.State()
}

// State returns a copy of the mapping.
func (c *SharedState) State() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.state)
}

// Lookup returns a single key.
func (c *SharedState) Lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.state[key]
	return v, ok
}

// Set replaces the mapping. v must be a map[string]any.
func (c *SharedState) Set(v any) error {
	m, err := asMapping(v)
	if err != nil {
		return c.reject(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = maps.Clone(m)
	if c.state == nil {
		c.state = make(map[string]any)
	}
	c.bump()
	return nil
}

// Update merges m into the mapping.
func (c *SharedState) Update(m map[string]any) error {
	if m == nil {
		return c.reject(fmt.Errorf("%w: expected a mapping, got nil", ErrTypeMismatch))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.state, m)
	c.bump()
	return nil
}

func asMapping(v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: expected a mapping, got %T", ErrTypeMismatch, v)
	}
	return m, nil
}

func (c *SharedState) Checkpoint() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.header()
	s.State = maps.Clone(c.state)
	return s
}

func (c *SharedState) Restore(s Snapshot) error {
	if err := c.verify(s); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(s)
	c.state = maps.Clone(s.State)
	if c.state == nil {
		c.state = make(map[string]any)
	}
	return nil
}

var _ Channel = (*SharedState)(nil)
