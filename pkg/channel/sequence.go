package channel

import (
	"fmt"
	"reflect"
)

// ValueSequence is an ordered list of values. When MaxSize is positive,
// appending beyond it evicts the oldest entry.
type ValueSequence struct {
	core
	values  []any
	maxSize int
}

// NewValueSequence creates a sequence bounded by maxSize (zero or less for
// unbounded).
func NewValueSequence(id string, hint TypeHint, maxSize int) *ValueSequence {
	if maxSize < 0 {
		maxSize = 0
	}
	return &ValueSequence{core: newCore(KindValueSequence, id, hint), maxSize: maxSize}
}

// MaxSize returns the bound, zero if unbounded.
func (c *ValueSequence) MaxSize() int { return c.maxSize }

// Get returns a copy of the values, oldest first.
func (c *ValueSequence) Get() any {
	return c.Values()
}

// Values returns a copy of the values, oldest first.
func (c *ValueSequence) Values() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyValues(c.values)
}

// Len returns the number of stored values.
func (c *ValueSequence) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Append adds v at the tail.
func (c *ValueSequence) Append(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(v); err != nil {
		return err
	}
	c.values = append(c.values, v)
	c.trim()
	c.bump()
	return nil
}

// Set replaces the whole sequence. v must be a slice; every element is
// validated before anything changes.
func (c *ValueSequence) Set(v any) error {
	items, err := sliceValues(v)
	if err != nil {
		return c.reject(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		if err := c.check(item); err != nil {
			return err
		}
	}
	c.values = items
	c.trim()
	c.bump()
	return nil
}

func (c *ValueSequence) trim() {
	if c.maxSize > 0 && len(c.values) > c.maxSize {
		c.values = append([]any(nil), c.values[len(c.values)-c.maxSize:]...)
	}
}

func (c *ValueSequence) Checkpoint() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.header()
	s.Values = copyValues(c.values)
	s.MaxSize = c.maxSize
	return s
}

func (c *ValueSequence) Restore(s Snapshot) error {
	if err := c.verify(s); err != nil {
		return err
	}
	values, err := c.decodeAll(s.Values)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(s)
	c.values = values
	c.maxSize = s.MaxSize
	c.trim()
	return nil
}

// sliceValues flattens any slice into []any.
func sliceValues(v any) ([]any, error) {
	if items, ok := v.([]any); ok {
		return copyValues(items), nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("%w: expected a slice, got %T", ErrTypeMismatch, v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

var _ Channel = (*ValueSequence)(nil)
