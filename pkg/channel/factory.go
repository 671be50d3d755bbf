package channel

import (
	"fmt"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

// Factory builds a channel of one kind.
type Factory func(id string, opts Options) (Channel, error)

// Builtins returns a factory for every built-in kind.
func Builtins() map[Kind]Factory {
	return map[Kind]Factory{
		KindLastValue: func(id string, opts Options) (Channel, error) {
			return NewLastValue(id, opts.TypeHint), nil
		},
		KindValueSequence: func(id string, opts Options) (Channel, error) {
			return NewValueSequence(id, opts.TypeHint, opts.MaxSize), nil
		},
		KindSharedState: func(id string, _ Options) (Channel, error) {
			return NewSharedState(id), nil
		},
		KindMessage: func(id string, opts Options) (Channel, error) {
			return NewMessageChannel(id, opts.TypeHint, opts.Capacity), nil
		},
		KindBarrier: func(id string, opts Options) (Channel, error) {
			return NewBarrier(id, opts.ContributorCount, opts.Timeout)
		},
		KindBroadcast: func(id string, opts Options) (Channel, error) {
			return NewBroadcast(id, opts.TypeHint, opts.HistorySize), nil
		},
		KindAggregator: func(id string, opts Options) (Channel, error) {
			return NewAggregator(id, opts.TypeHint, opts.WindowSize, opts.Reducer), nil
		},
		KindSharedMemory: func(id string, opts Options) (Channel, error) {
			return NewSharedMemory(id, opts.TypeHint), nil
		},
	}
}

var builtins = Builtins()

// New creates a built-in channel of the given kind.
func New(kind Kind, id string, opts Options) (Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	factory, ok := builtins[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return factory(id, opts)
}

// FromSnapshot recreates a built-in channel from s. opts supplies what a
// snapshot cannot carry, such as an aggregator reducer or a custom type
// hint; a zero Options uses the hint recorded in s when it is known.
func FromSnapshot(s Snapshot, opts Options) (Channel, error) {
	recovered := OptionsFromSnapshot(s)
	if opts.TypeHint.IsAny() {
		opts.TypeHint = recovered.TypeHint
	}
	recovered.TypeHint = opts.TypeHint
	recovered.Reducer = opts.Reducer
	if recovered.ContributorCount == 0 && s.Kind == KindBarrier {
		return nil, fmt.Errorf("%w: barrier without contributor count", ErrInvalidSnapshot)
	}
	ch, err := New(s.Kind, s.ID, recovered)
	if err != nil {
		return nil, err
	}
	if err := ch.Restore(s); err != nil {
		return nil, err
	}
	return ch, nil
}

// Clone returns an independent copy of ch under a new id.
func Clone(ch Channel, id string, opts Options) (Channel, error) {
	s := ch.Checkpoint()
	s.ID = id
	if opts.TypeHint.IsAny() {
		opts.TypeHint = ch.TypeHint()
	}
	if agg, ok := ch.(*Aggregator); ok && opts.Reducer == nil {
		opts.Reducer = agg.reducer
	}
	return FromSnapshot(s, opts)
}

func optionError(field string, value int) error {
	return cferrors.Validation(fmt.Sprintf("%s must not be negative", field), fmt.Errorf("%w: %s=%d", ErrInvalidOptions, field, value))
}
