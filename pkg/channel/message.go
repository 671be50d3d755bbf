package channel

// MessageChannel is a FIFO queue with an optional capacity.
type MessageChannel struct {
	core
	queue    []any
	capacity int
}

// NewMessageChannel creates a queue bounded by capacity (zero or less for
// unbounded).
func NewMessageChannel(id string, hint TypeHint, capacity int) *MessageChannel {
	if capacity < 0 {
		capacity = 0
	}
	return &MessageChannel{core: newCore(KindMessage, id, hint), capacity: capacity}
}

// Capacity returns the bound, zero if unbounded.
func (c *MessageChannel) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// Get returns a copy of the queued messages without consuming them.
func (c *MessageChannel) Get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyValues(c.queue)
}

// Len returns the number of queued messages.
func (c *MessageChannel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queue)
}

// Set enqueues v, failing with ErrChannelFull when the queue is full.
func (c *MessageChannel) Set(v any) error {
	ok, err := c.Push(v)
	if err != nil {
		return err
	}
	if !ok {
		return ErrChannelFull
	}
	return nil
}

// Push enqueues v and reports false when the queue is full.
func (c *MessageChannel) Push(v any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(v); err != nil {
		return false, err
	}
	if c.full() {
		return false, nil
	}
	c.queue = append(c.queue, v)
	c.bump()
	return true, nil
}

// PushBatch validates every value, then enqueues as many as capacity
// allows and returns the number admitted.
func (c *MessageChannel) PushBatch(values []any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range values {
		if err := c.check(v); err != nil {
			return 0, err
		}
	}
	n := len(values)
	if c.capacity > 0 {
		n = min(n, c.capacity-len(c.queue))
	}
	if n <= 0 {
		return 0, nil
	}
	c.queue = append(c.queue, values[:n]...)
	c.bump()
	return n, nil
}

// Pop removes the head message.
func (c *MessageChannel) Pop() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	v := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.bump()
	return v, true
}

// PopBatch removes up to n messages from the head.
func (c *MessageChannel) PopBatch(n int) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	n = min(n, len(c.queue))
	if n <= 0 {
		return []any{}
	}
	out := copyValues(c.queue[:n])
	c.queue = append([]any(nil), c.queue[n:]...)
	c.bump()
	return out
}

// Clear drops every queued message.
func (c *MessageChannel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = nil
	c.bump()
}

// AvailableCapacity returns the free slots; ok is false for unbounded queues.
func (c *MessageChannel) AvailableCapacity() (free int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.capacity == 0 {
		return 0, false
	}
	return c.capacity - len(c.queue), true
}

// IsFull reports whether a push would be rejected.
func (c *MessageChannel) IsFull() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.full()
}

func (c *MessageChannel) full() bool {
	return c.capacity > 0 && len(c.queue) >= c.capacity
}

func (c *MessageChannel) Checkpoint() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.header()
	s.Values = copyValues(c.queue)
	s.Capacity = c.capacity
	return s
}

func (c *MessageChannel) Restore(s Snapshot) error {
	if err := c.verify(s); err != nil {
		return err
	}
	queue, err := c.decodeAll(s.Values)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(s)
	c.queue = queue
	c.capacity = s.Capacity
	return nil
}

var _ Channel = (*MessageChannel)(nil)
