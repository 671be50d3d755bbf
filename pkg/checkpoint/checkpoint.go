// Package checkpoint persists graph snapshots as opaque, versioned payloads.
// A payload can be written to a blob store under a path, associated with a
// thread of a MemoryProvider, or both.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wehubfusion/Conflux/pkg/state"
)

// PayloadVersion is the layout version written into every payload.
const PayloadVersion = "1.0"

var (
	// ErrCheckpointNotFound is returned when no payload exists at the
	// requested location.
	ErrCheckpointNotFound = errors.New("no checkpoint found")

	// ErrUnsupportedVersion is returned for payloads written by an
	// incompatible layout.
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
)

// Checkpoint is the persisted payload. StateData is produced and consumed
// by the Target and is never interpreted here.
type Checkpoint struct {
	Version   string          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	StateData json.RawMessage `json:"state_data"`
}

// New wraps data in a payload stamped with the current version and time.
func New(data []byte) Checkpoint {
	return Checkpoint{
		Version:   PayloadVersion,
		CreatedAt: time.Now().UTC(),
		StateData: json.RawMessage(data),
	}
}

// Decode parses a payload and checks its version.
func Decode(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version != PayloadVersion {
		return Checkpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, cp.Version)
	}
	return cp, nil
}

// Encode serializes the payload.
func (c Checkpoint) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Target is anything whose state can be checkpointed. CheckpointID names
// the entity a thread-keyed payload is stored under.
type Target interface {
	CheckpointID() string
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

type stateTarget struct {
	gs *state.GraphState
}

// ForState adapts a GraphState into a Target keyed by its graph id.
func ForState(gs *state.GraphState) Target {
	return stateTarget{gs: gs}
}

func (t stateTarget) CheckpointID() string { return t.gs.GraphID() }

func (t stateTarget) MarshalState() ([]byte, error) {
	return json.Marshal(t.gs.Checkpoint())
}

func (t stateTarget) UnmarshalState(data []byte) error {
	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode graph state: %w", err)
	}
	return t.gs.Restore(snap, nil)
}
