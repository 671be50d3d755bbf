// Package channel provides typed, versioned storage cells used to pass data
// between nodes.
//
// Every variant validates written values against its TypeHint and fails
// closed on a mismatch. Every successful mutation increments the channel
// version by exactly one. Checkpoint and Restore round-trip everything that
// Get observes, including window, history and subscriber data.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

var (
	// ErrTypeMismatch is returned when a value does not match the channel type hint.
	ErrTypeMismatch = errors.New("value does not match channel type")

	// ErrInvalidSnapshot is returned when a snapshot cannot be restored into a channel.
	ErrInvalidSnapshot = errors.New("invalid channel snapshot")

	// ErrInvalidOptions is returned when channel options are out of range.
	ErrInvalidOptions = errors.New("invalid channel options")

	// ErrUnknownKind is returned when no factory exists for a channel kind.
	ErrUnknownKind = errors.New("unknown channel kind")

	// ErrChannelFull is returned when a bounded message channel rejects a write.
	ErrChannelFull = errors.New("channel is full")

	// ErrBarrierTimeout is returned by the first contribution after the barrier
	// watchdog discarded an incomplete round.
	ErrBarrierTimeout = errors.New("barrier step abandoned after timeout")
)

// Kind names a channel variant.
type Kind string

const (
	KindLastValue     Kind = "last_value"
	KindValueSequence Kind = "value_sequence"
	KindSharedState   Kind = "shared_state"
	KindMessage       Kind = "message"
	KindBarrier       Kind = "barrier"
	KindBroadcast     Kind = "broadcast"
	KindAggregator    Kind = "aggregator"
	KindSharedMemory  Kind = "shared_memory"
)

// Metadata describes a channel instance.
type Metadata struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	TypeHint  string    `json:"type_hint"`
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Channel is the contract shared by all variants.
type Channel interface {
	ID() string
	Kind() Kind
	TypeHint() TypeHint
	Metadata() Metadata
	Version() uint64

	// Get returns a copy of the observable value.
	Get() any

	// Set replaces the value after validating it against the type hint.
	Set(v any) error

	Checkpoint() Snapshot
	Restore(s Snapshot) error
}

// core holds the identity, version and lock embedded by every variant.
type core struct {
	mu        sync.RWMutex
	id        string
	kind      Kind
	hint      TypeHint
	version   uint64
	createdAt time.Time
	updatedAt time.Time
}

func newCore(kind Kind, id string, hint TypeHint) core {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	return core{
		id:        id,
		kind:      kind,
		hint:      hint,
		createdAt: now,
		updatedAt: now,
	}
}

func (c *core) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *core) Kind() Kind { return c.kind }

func (c *core) TypeHint() TypeHint { return c.hint }

func (c *core) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *core) Metadata() Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Metadata{
		ID:        c.id,
		Kind:      c.kind,
		TypeHint:  c.hint.Name(),
		Version:   c.version,
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
	}
}

// bump records a mutation. Callers hold the write lock.
func (c *core) bump() {
	c.version++
	c.updatedAt = time.Now().UTC()
}

// check validates v against the type hint.
func (c *core) check(v any) error {
	return c.reject(c.hint.Check(v))
}

// reject wraps a type failure as a validation error.
func (c *core) reject(err error) error {
	if err == nil {
		return nil
	}
	return cferrors.Validation(fmt.Sprintf("channel %s", c.id), err)
}

// header returns the common snapshot fields. Callers hold the lock.
func (c *core) header() Snapshot {
	return Snapshot{
		SchemaVersion: SchemaVersion,
		Kind:          c.kind,
		ID:            c.id,
		TypeHint:      c.hint.Name(),
		Version:       c.version,
		CreatedAt:     c.createdAt,
		UpdatedAt:     c.updatedAt,
	}
}

// verify checks that s can be restored into this channel.
func (c *core) verify(s Snapshot) error {
	if s.Kind != c.kind {
		return fmt.Errorf("%w: kind %q cannot be restored into %q", ErrInvalidSnapshot, s.Kind, c.kind)
	}
	if s.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: unsupported schema version %d", ErrInvalidSnapshot, s.SchemaVersion)
	}
	if !c.hint.IsAny() && s.TypeHint != "" && s.TypeHint != anyName && s.TypeHint != c.hint.Name() {
		return fmt.Errorf("%w: type hint %q does not match %q", ErrInvalidSnapshot, s.TypeHint, c.hint.Name())
	}
	return nil
}

// apply copies the common snapshot fields. Callers hold the write lock.
func (c *core) apply(s Snapshot) {
	if s.ID != "" {
		c.id = s.ID
	}
	c.version = s.Version
	if !s.CreatedAt.IsZero() {
		c.createdAt = s.CreatedAt
	}
	if !s.UpdatedAt.IsZero() {
		c.updatedAt = s.UpdatedAt
	}
}

// decodeAll converts restored values to the hinted type.
func (c *core) decodeAll(values []any) ([]any, error) {
	out := make([]any, 0, len(values))
	for _, v := range values {
		d, err := c.hint.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func copyValues(values []any) []any {
	out := make([]any, len(values))
	copy(out, values)
	return out
}
