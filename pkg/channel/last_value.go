package channel

// LastValue holds a single value; it is nil until the first Set.
type LastValue struct {
	core
	value any
}

// NewLastValue creates a last-value channel. An empty id generates one.
func NewLastValue(id string, hint TypeHint) *LastValue {
	return &LastValue{core: newCore(KindLastValue, id, hint)}
}

// Get returns the current value.
func (c *LastValue) Get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set replaces the value.
func (c *LastValue) Set(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(v); err != nil {
		return err
	}
	c.value = v
	c.bump()
	return nil
}

func (c *LastValue) Checkpoint() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.header()
	s.Value = c.value
	return s
}

func (c *LastValue) Restore(s Snapshot) error {
	if err := c.verify(s); err != nil {
		return err
	}
	v, err := c.hint.Decode(s.Value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(s)
	c.value = v
	return nil
}

// SharedMemory is a typed scratch slot shared between nodes. Unlike
// LastValue it can be cleared back to nil.
type SharedMemory struct {
	LastValue
}

// NewSharedMemory creates a shared-memory channel.
func NewSharedMemory(id string, hint TypeHint) *SharedMemory {
	return &SharedMemory{LastValue: LastValue{core: newCore(KindSharedMemory, id, hint)}}
}

// Clear resets the slot to nil.
func (c *SharedMemory) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	c.bump()
}

var (
	_ Channel = (*LastValue)(nil)
	_ Channel = (*SharedMemory)(nil)
)
