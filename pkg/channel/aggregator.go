package channel

import (
	"fmt"
)

// Reducer folds an aggregator window into a single value.
type Reducer func(values []any) (any, error)

// LastValueReducer returns the newest value in the window.
func LastValueReducer(values []any) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return values[len(values)-1], nil
}

// Aggregator keeps a window of contributions and exposes the reducer's
// result over it. A failing reducer never surfaces: the contributed value
// becomes the result instead.
type Aggregator struct {
	core
	window     []any
	windowSize int
	reducer    Reducer
	value      any
}

// NewAggregator creates an aggregator over the last windowSize
// contributions (zero or less for unbounded). A nil reducer keeps the last
// value.
func NewAggregator(id string, hint TypeHint, windowSize int, reducer Reducer) *Aggregator {
	if windowSize < 0 {
		windowSize = 0
	}
	if reducer == nil {
		reducer = LastValueReducer
	}
	return &Aggregator{
		core:       newCore(KindAggregator, id, hint),
		windowSize: windowSize,
		reducer:    reducer,
	}
}

// WindowSize returns the window bound, zero if unbounded.
func (c *Aggregator) WindowSize() int { return c.windowSize }

// Get returns the reduced value.
func (c *Aggregator) Get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Window returns a copy of the current window, oldest first.
func (c *Aggregator) Window() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyValues(c.window)
}

// Set replaces the window with v alone.
func (c *Aggregator) Set(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(v); err != nil {
		return err
	}
	c.window = []any{v}
	c.value = v
	c.bump()
	return nil
}

// Contribute appends v to the window and recomputes the result.
func (c *Aggregator) Contribute(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(v); err != nil {
		return err
	}
	c.window = append(c.window, v)
	if c.windowSize > 0 && len(c.window) > c.windowSize {
		c.window = append([]any(nil), c.window[len(c.window)-c.windowSize:]...)
	}
	if reduced, err := c.reduce(); err == nil {
		c.value = reduced
	} else {
		c.value = v
	}
	c.bump()
	return nil
}

// Clear empties the window and resets the result to nil.
func (c *Aggregator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = nil
	c.value = nil
	c.bump()
}

func (c *Aggregator) reduce() (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reducer panic: %v", r)
		}
	}()
	result, err = c.reducer(copyValues(c.window))
	if err != nil {
		return nil, err
	}
	if err := c.hint.Check(result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Aggregator) Checkpoint() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.header()
	s.Values = copyValues(c.window)
	s.Value = c.value
	s.WindowSize = c.windowSize
	return s
}

// Restore reloads the window and the stored result. The reducer is not
// rerun, so a value written with Set survives the round trip.
func (c *Aggregator) Restore(s Snapshot) error {
	if err := c.verify(s); err != nil {
		return err
	}
	window, err := c.decodeAll(s.Values)
	if err != nil {
		return err
	}
	var value any
	if s.Value != nil {
		if value, err = c.hint.Decode(s.Value); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(s)
	c.window = window
	c.windowSize = s.WindowSize
	c.value = value
	return nil
}

var _ Channel = (*Aggregator)(nil)
