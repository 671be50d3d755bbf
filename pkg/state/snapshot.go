package state

import (
	"fmt"
	"maps"

	"github.com/wehubfusion/Conflux/pkg/channel"
)

// SchemaVersion is the graph state snapshot layout version.
const SchemaVersion = 1

// NamedChannel pairs a channel snapshot with its name in the state.
type NamedChannel struct {
	Name     string           `json:"name"`
	Snapshot channel.Snapshot `json:"snapshot"`
}

// Snapshot is the serializable form of a GraphState.
type Snapshot struct {
	SchemaVersion int            `json:"schema_version"`
	Metadata      Metadata       `json:"metadata"`
	Channels      []NamedChannel `json:"channels"`
	GlobalState   map[string]any `json:"global_state"`
}

// Checkpoint captures the state, its channels in creation order and the
// global map.
func (s *GraphState) Checkpoint() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		SchemaVersion: SchemaVersion,
		Metadata:      s.meta,
		Channels:      make([]NamedChannel, 0, len(s.order)),
		GlobalState:   maps.Clone(s.global),
	}
	for _, name := range s.order {
		snap.Channels = append(snap.Channels, NamedChannel{Name: name, Snapshot: s.channels[name].Checkpoint()})
	}
	return snap
}

// Restore replaces the state with snap. Channels that exist under the same
// name and kind are restored in place; others are recreated. opts supplies
// per-name construction options for channels whose type hint or reducer
// cannot be recovered from the snapshot.
func (s *GraphState) Restore(snap Snapshot, opts map[string]channel.Options) error {
	if snap.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: unsupported state schema version %d", channel.ErrInvalidSnapshot, snap.SchemaVersion)
	}

	s.mu.RLock()
	existing := maps.Clone(s.channels)
	s.mu.RUnlock()

	channels := make(map[string]channel.Channel, len(snap.Channels))
	order := make([]string, 0, len(snap.Channels))
	for _, nc := range snap.Channels {
		ch, ok := existing[nc.Name]
		if ok && ch.Kind() == nc.Snapshot.Kind {
			if err := ch.Restore(nc.Snapshot); err != nil {
				return fmt.Errorf("restore channel %q: %w", nc.Name, err)
			}
		} else {
			created, err := channel.FromSnapshot(nc.Snapshot, opts[nc.Name])
			if err != nil {
				return fmt.Errorf("recreate channel %q: %w", nc.Name, err)
			}
			ch = created
		}
		channels[nc.Name] = ch
		order = append(order, nc.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = snap.Metadata
	s.channels = channels
	s.order = order
	s.global = maps.Clone(snap.GlobalState)
	if s.global == nil {
		s.global = make(map[string]any)
	}
	return nil
}
