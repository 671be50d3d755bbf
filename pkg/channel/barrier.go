package channel

import (
	"fmt"
	"slices"
	"time"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

// Barrier triggers once a fixed number of distinct contributors have
// arrived. With a timeout, a round that does not complete within the
// timeout of its first contribution is discarded; the next Contribute call
// then fails with ErrBarrierTimeout.
type Barrier struct {
	core
	count        int
	timeout      time.Duration
	contributors map[string]struct{}
	firstAt      time.Time
	triggered    bool
	abandoned    bool
}

// NewBarrier creates a barrier for count contributors.
func NewBarrier(id string, count int, timeout time.Duration) (*Barrier, error) {
	if count <= 0 {
		return nil, cferrors.Validation("barrier contributor count must be positive", fmt.Errorf("%w: %d", ErrInvalidOptions, count))
	}
	if timeout < 0 {
		timeout = 0
	}
	return &Barrier{
		core:         newCore(KindBarrier, id, TypeOf[string]()),
		count:        count,
		timeout:      timeout,
		contributors: make(map[string]struct{}),
	}, nil
}

// ContributorCount returns the number of contributors required.
func (c *Barrier) ContributorCount() int { return c.count }

// Timeout returns the watchdog duration, zero if disabled.
func (c *Barrier) Timeout() time.Duration { return c.timeout }

// Get reports whether the barrier has triggered.
func (c *Barrier) Get() any {
	return c.IsTriggered()
}

// Set contributes v, which must be a contributor id string.
func (c *Barrier) Set(v any) error {
	c.mu.Lock()
	if err := c.check(v); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	_, err := c.Contribute(v.(string))
	return err
}

// Contribute records id and returns true exactly when it is the final
// distinct contributor. Repeated ids never advance the count.
func (c *Barrier) Contribute(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire()
	if c.abandoned {
		c.abandoned = false
		return false, cferrors.Timeout(fmt.Sprintf("barrier %s", c.id), ErrBarrierTimeout)
	}
	if c.triggered {
		return false, nil
	}
	if _, ok := c.contributors[id]; ok {
		return false, nil
	}
	if len(c.contributors) == 0 {
		c.firstAt = time.Now()
	}
	c.contributors[id] = struct{}{}
	if len(c.contributors) == c.count {
		c.triggered = true
	}
	c.bump()
	return c.triggered, nil
}

// Remaining returns the number of contributors still missing.
func (c *Barrier) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire()
	return c.count - len(c.contributors)
}

// Contributors returns the sorted contributor ids of the current round.
func (c *Barrier) Contributors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire()
	return c.sorted()
}

// IsTriggered reports whether every contributor has arrived.
func (c *Barrier) IsTriggered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire()
	return c.triggered
}

// Reset starts a new round.
func (c *Barrier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
	c.abandoned = false
	c.bump()
}

// expire discards an incomplete round older than the timeout.
func (c *Barrier) expire() {
	if c.timeout <= 0 || c.triggered || len(c.contributors) == 0 {
		return
	}
	if time.Since(c.firstAt) <= c.timeout {
		return
	}
	c.clear()
	c.abandoned = true
	c.bump()
}

func (c *Barrier) clear() {
	c.contributors = make(map[string]struct{})
	c.firstAt = time.Time{}
	c.triggered = false
}

func (c *Barrier) sorted() []string {
	ids := make([]string, 0, len(c.contributors))
	for id := range c.contributors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Barrier) Checkpoint() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.header()
	s.ContributorCount = c.count
	s.Contributors = c.sorted()
	s.Timeout = c.timeout
	s.Triggered = c.triggered
	if !c.firstAt.IsZero() {
		first := c.firstAt
		s.FirstContribution = &first
	}
	return s
}

func (c *Barrier) Restore(s Snapshot) error {
	if err := c.verify(s); err != nil {
		return err
	}
	if s.ContributorCount <= 0 {
		return fmt.Errorf("%w: contributor count %d", ErrInvalidSnapshot, s.ContributorCount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(s)
	c.count = s.ContributorCount
	c.timeout = s.Timeout
	c.clear()
	for _, id := range s.Contributors {
		c.contributors[id] = struct{}{}
	}
	c.triggered = s.Triggered || len(c.contributors) >= c.count
	switch {
	case s.FirstContribution != nil:
		c.firstAt = *s.FirstContribution
	case len(c.contributors) > 0:
		c.firstAt = time.Now()
	}
	c.abandoned = false
	return nil
}

var _ Channel = (*Barrier)(nil)
