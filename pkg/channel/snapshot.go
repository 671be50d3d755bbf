package channel

import "time"

// SchemaVersion is the channel snapshot layout version.
const SchemaVersion = 1

// Snapshot is the serializable state of a channel. Per-kind fields are
// left empty by variants that do not use them.
type Snapshot struct {
	SchemaVersion int       `json:"schema_version"`
	Kind          Kind      `json:"kind"`
	ID            string    `json:"id"`
	TypeHint      string    `json:"type_hint"`
	Version       uint64    `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Value is the single slot of last-value, shared-memory and broadcast
	// channels, or the reduced result of an aggregator.
	Value any `json:"value,omitempty"`

	// Values holds sequence entries, queued messages, broadcast history or
	// the aggregator window.
	Values []any `json:"values,omitempty"`

	// State is the shared-state mapping.
	State map[string]any `json:"state,omitempty"`

	MaxSize     int `json:"max_size,omitempty"`
	Capacity    int `json:"capacity,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
	WindowSize  int `json:"window_size,omitempty"`

	ContributorCount  int           `json:"contributor_count,omitempty"`
	Contributors      []string      `json:"contributors,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty"`
	FirstContribution *time.Time    `json:"first_contribution,omitempty"`
	Triggered         bool          `json:"triggered,omitempty"`

	Subscribers []string `json:"subscribers,omitempty"`
}

// Options configure a channel created through New or a Manager. Fields
// that do not apply to a kind are ignored.
type Options struct {
	TypeHint TypeHint

	// MaxSize bounds a value sequence; zero means unbounded.
	MaxSize int

	// Capacity bounds a message channel; zero means unbounded.
	Capacity int

	// ContributorCount is the number of distinct barrier contributors.
	ContributorCount int

	// Timeout is the barrier watchdog; zero disables it.
	Timeout time.Duration

	// HistorySize bounds broadcast history; zero means unbounded.
	HistorySize int

	// WindowSize bounds the aggregator window; zero means unbounded.
	WindowSize int

	// Reducer folds the aggregator window; nil means last value wins.
	Reducer Reducer
}

// Validate rejects negative sizes.
func (o Options) Validate() error {
	switch {
	case o.MaxSize < 0:
		return optionError("max size", o.MaxSize)
	case o.Capacity < 0:
		return optionError("capacity", o.Capacity)
	case o.ContributorCount < 0:
		return optionError("contributor count", o.ContributorCount)
	case o.Timeout < 0:
		return optionError("timeout", int(o.Timeout))
	case o.HistorySize < 0:
		return optionError("history size", o.HistorySize)
	case o.WindowSize < 0:
		return optionError("window size", o.WindowSize)
	}
	return nil
}

// OptionsFromSnapshot recovers construction options recorded in s. The
// reducer is not serialized and must be supplied by the caller.
func OptionsFromSnapshot(s Snapshot) Options {
	hint, ok := LookupTypeHint(s.TypeHint)
	if !ok {
		hint = AnyType
	}
	return Options{
		TypeHint:         hint,
		MaxSize:          s.MaxSize,
		Capacity:         s.Capacity,
		ContributorCount: s.ContributorCount,
		Timeout:          s.Timeout,
		HistorySize:      s.HistorySize,
		WindowSize:       s.WindowSize,
	}
}
