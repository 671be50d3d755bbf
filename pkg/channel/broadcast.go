package channel

import (
	"slices"
)

// Broadcast publishes values to a set of subscribers and keeps a bounded
// history of what was published.
type Broadcast struct {
	core
	value       any
	history     []any
	historySize int
	subscribers map[string]struct{}
}

// NewBroadcast creates a broadcast channel keeping historySize entries
// (zero or less for unbounded).
func NewBroadcast(id string, hint TypeHint, historySize int) *Broadcast {
	if historySize < 0 {
		historySize = 0
	}
	return &Broadcast{
		core:        newCore(KindBroadcast, id, hint),
		historySize: historySize,
		subscribers: make(map[string]struct{}),
	}
}

// HistorySize returns the history bound, zero if unbounded.
func (c *Broadcast) HistorySize() int { return c.historySize }

// Get returns the last broadcast value.
func (c *Broadcast) Get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set broadcasts v.
func (c *Broadcast) Set(v any) error {
	return c.Broadcast(v)
}

// Broadcast records v as the current value and appends it to history.
func (c *Broadcast) Broadcast(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(v); err != nil {
		return err
	}
	c.value = v
	c.history = append(c.history, v)
	if c.historySize > 0 && len(c.history) > c.historySize {
		c.history = append([]any(nil), c.history[len(c.history)-c.historySize:]...)
	}
	c.bump()
	return nil
}

// Subscribe adds id and reports whether it was new.
func (c *Broadcast) Subscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[id]; ok {
		return false
	}
	c.subscribers[id] = struct{}{}
	c.bump()
	return true
}

// Unsubscribe removes id and reports whether it was present.
func (c *Broadcast) Unsubscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[id]; !ok {
		return false
	}
	delete(c.subscribers, id)
	c.bump()
	return true
}

// Subscribers returns the sorted subscriber ids.
func (c *Broadcast) Subscribers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedSubscribers()
}

// SubscriberCount returns the number of subscribers.
func (c *Broadcast) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

// History returns a copy of the published values, oldest first.
func (c *Broadcast) History() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyValues(c.history)
}

// ClearHistory drops the history but keeps the current value.
func (c *Broadcast) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.bump()
}

func (c *Broadcast) sortedSubscribers() []string {
	ids := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Broadcast) Checkpoint() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.header()
	s.Value = c.value
	s.Values = copyValues(c.history)
	s.HistorySize = c.historySize
	s.Subscribers = c.sortedSubscribers()
	return s
}

func (c *Broadcast) Restore(s Snapshot) error {
	if err := c.verify(s); err != nil {
		return err
	}
	value, err := c.hint.Decode(s.Value)
	if err != nil {
		return err
	}
	history, err := c.decodeAll(s.Values)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(s)
	c.value = value
	c.history = history
	c.historySize = s.HistorySize
	c.subscribers = make(map[string]struct{}, len(s.Subscribers))
	for _, id := range s.Subscribers {
		c.subscribers[id] = struct{}{}
	}
	return nil
}

var _ Channel = (*Broadcast)(nil)
