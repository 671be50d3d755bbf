package node

import (
	"fmt"
	"maps"
	"slices"

	"github.com/wehubfusion/Conflux/pkg/channel"
	"github.com/wehubfusion/Conflux/pkg/state"
)

// SchemaVersion is the node snapshot layout version.
const SchemaVersion = 1

// Snapshot is the serializable form of a node.
type Snapshot struct {
	SchemaVersion  int                  `json:"schema_version"`
	Metadata       Metadata             `json:"metadata"`
	Config         map[string]any       `json:"config,omitempty"`
	History        []ExecutionRecord    `json:"history,omitempty"`
	InputChannels  []state.NamedChannel `json:"input_channels"`
	OutputChannels []state.NamedChannel `json:"output_channels"`
}

func (t *channelTable) checkpoint() []state.NamedChannel {
	out := make([]state.NamedChannel, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, state.NamedChannel{Name: name, Snapshot: t.channels[name].Checkpoint()})
	}
	return out
}

// restore rebuilds the table from snaps, reusing channels of the same kind.
func (t *channelTable) restore(snaps []state.NamedChannel) (channelTable, error) {
	next := newChannelTable()
	for _, nc := range snaps {
		opts := t.opts[nc.Name]
		ch, ok := t.channels[nc.Name]
		if ok && ch.Kind() == nc.Snapshot.Kind {
			if err := ch.Restore(nc.Snapshot); err != nil {
				return next, fmt.Errorf("restore channel %q: %w", nc.Name, err)
			}
		} else {
			created, err := channel.FromSnapshot(nc.Snapshot, opts)
			if err != nil {
				return next, fmt.Errorf("recreate channel %q: %w", nc.Name, err)
			}
			ch = created
		}
		next.channels[nc.Name] = ch
		next.order = append(next.order, nc.Name)
		next.opts[nc.Name] = opts
	}
	return next, nil
}

// Checkpoint captures metadata, configuration, history and channels.
func (b *Base) Checkpoint() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		SchemaVersion:  SchemaVersion,
		Metadata:       b.meta,
		Config:         maps.Clone(b.config),
		History:        slices.Clone(b.history),
		InputChannels:  b.inputs.checkpoint(),
		OutputChannels: b.outputs.checkpoint(),
	}
}

// Restore replaces the node with s. An in-flight status is not restored:
// a node checkpointed while RUNNING or PAUSED comes back IDLE.
func (b *Base) Restore(s Snapshot) error {
	if s.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: unsupported node schema version %d", channel.ErrInvalidSnapshot, s.SchemaVersion)
	}

	b.mu.Lock()
	if b.meta.Status.Busy() {
		b.mu.Unlock()
		return fmt.Errorf("restore node %s: %w: node is %s", b.meta.ID, ErrInvalidTransition, b.meta.Status)
	}
	inputs, err := b.inputs.restore(s.InputChannels)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	outputs, err := b.outputs.restore(s.OutputChannels)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	meta := s.Metadata
	if meta.Status != StatusCompleted && meta.Status != StatusFailed {
		meta.Status = StatusIdle
	}
	if meta.Type == "" {
		meta.Type = b.meta.Type
	}
	b.meta = meta
	b.inputs = inputs
	b.outputs = outputs
	b.config = maps.Clone(s.Config)
	if b.config == nil {
		b.config = make(map[string]any)
	}
	b.history = slices.Clone(s.History)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	listeners := slices.Clone(b.listeners)
	id := b.meta.ID
	b.mu.Unlock()

	notify(listeners, id)
	return nil
}
