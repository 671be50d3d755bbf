package channel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

func sumReducer(values []any) (any, error) {
	total := 0
	for _, v := range values {
		total += v.(int)
	}
	return total, nil
}

func TestLastValue(t *testing.T) {
	ch := NewLastValue("", TypeOf[int]())
	assert.NotEmpty(t, ch.ID())
	assert.Nil(t, ch.Get())
	assert.Equal(t, uint64(0), ch.Version())

	require.NoError(t, ch.Set(42))
	assert.Equal(t, 42, ch.Get())
	assert.Equal(t, uint64(1), ch.Version())

	err := ch.Set("not an int")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.True(t, cferrors.IsValidation(err))
	assert.Equal(t, 42, ch.Get())
	assert.Equal(t, uint64(1), ch.Version())
}

func TestTypeMismatchLeavesVersionUnchanged(t *testing.T) {
	barrier, err := NewBarrier("b", 2, 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		ch   Channel
	}{
		{"last value set", NewLastValue("", TypeOf[string]())},
		{"sequence append", NewValueSequence("", TypeOf[int](), 3)},
		{"shared state set", NewSharedState("")},
		{"message push", NewMessageChannel("", TypeOf[int](), 0)},
		{"barrier contribute", barrier},
		{"broadcast", NewBroadcast("", TypeOf[int](), 0)},
		{"aggregator contribute", NewAggregator("", TypeOf[int](), 0, nil)},
		{"shared memory", NewSharedMemory("", TypeOf[int]())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.ch.Version()
			bad := any(3.5)
			if _, ok := tt.ch.(*LastValue); ok {
				bad = 7
			}
			err := tt.ch.Set(bad)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTypeMismatch)
			assert.Equal(t, before, tt.ch.Version())
		})
	}

	seq := NewValueSequence("", TypeOf[int](), 0)
	require.Error(t, seq.Append("x"))
	msg := NewMessageChannel("", TypeOf[int](), 0)
	_, err = msg.Push("x")
	require.Error(t, err)
	agg := NewAggregator("", TypeOf[int](), 0, nil)
	require.Error(t, agg.Contribute("x"))
	assert.Zero(t, seq.Version()+msg.Version()+agg.Version())
}

func TestValueSequence(t *testing.T) {
	ch := NewValueSequence("", TypeOf[int](), 3)
	for i := 1; i <= 4; i++ {
		require.NoError(t, ch.Append(i))
	}
	assert.Equal(t, []any{2, 3, 4}, ch.Get())
	assert.Equal(t, uint64(4), ch.Version())

	require.NoError(t, ch.Set([]int{7, 8, 9, 10, 11}))
	assert.Equal(t, []any{9, 10, 11}, ch.Values())

	err := ch.Set([]any{1, "two"})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Equal(t, []any{9, 10, 11}, ch.Values())

	assert.ErrorIs(t, ch.Set(5), ErrTypeMismatch)
}

func TestSharedState(t *testing.T) {
	ch := NewSharedState("")
	require.NoError(t, ch.Set(map[string]any{"a": 1}))
	require.NoError(t, ch.Update(map[string]any{"b": 2}))
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, ch.Get())
	assert.Equal(t, uint64(2), ch.Version())

	got := ch.State()
	got["c"] = 3
	_, ok := ch.Lookup("c")
	assert.False(t, ok, "returned state must be a copy")

	assert.ErrorIs(t, ch.Set("nope"), ErrTypeMismatch)
	assert.ErrorIs(t, ch.Update(nil), ErrTypeMismatch)
	assert.Equal(t, uint64(2), ch.Version())
}

func TestMessageChannel(t *testing.T) {
	ch := NewMessageChannel("", TypeOf[string](), 2)

	free, bounded := ch.AvailableCapacity()
	assert.True(t, bounded)
	assert.Equal(t, 2, free)

	ok, err := ch.Push("a")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := ch.PushBatch([]any{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, ch.IsFull())

	ok, err = ch.Push("d")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, ch.Set("d"), ErrChannelFull)

	_, err = ch.PushBatch([]any{"x", 1})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	v, ok := ch.Pop()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, []any{"b"}, ch.PopBatch(5))

	_, ok = ch.Pop()
	assert.False(t, ok)
	assert.Empty(t, ch.PopBatch(1))

	unbounded := NewMessageChannel("", AnyType, 0)
	_, bounded = unbounded.AvailableCapacity()
	assert.False(t, bounded)
	assert.False(t, unbounded.IsFull())
}

func TestBroadcast(t *testing.T) {
	ch := NewBroadcast("", TypeOf[int](), 2)

	assert.True(t, ch.Subscribe("s1"))
	assert.False(t, ch.Subscribe("s1"))
	assert.True(t, ch.Subscribe("s2"))
	assert.Equal(t, 2, ch.SubscriberCount())
	assert.True(t, ch.Unsubscribe("s2"))
	assert.False(t, ch.Unsubscribe("s2"))
	assert.Equal(t, []string{"s1"}, ch.Subscribers())

	for i := 1; i <= 3; i++ {
		require.NoError(t, ch.Broadcast(i))
	}
	assert.Equal(t, 3, ch.Get())
	assert.Equal(t, []any{2, 3}, ch.History())

	ch.ClearHistory()
	assert.Empty(t, ch.History())
	assert.Equal(t, 3, ch.Get())
}

func TestAggregator(t *testing.T) {
	t.Run("sum over window", func(t *testing.T) {
		ch := NewAggregator("", TypeOf[int](), 2, sumReducer)
		for i := 1; i <= 3; i++ {
			require.NoError(t, ch.Contribute(i))
		}
		assert.Equal(t, 5, ch.Get())
		assert.Equal(t, []any{2, 3}, ch.Window())
	})

	t.Run("default keeps last value", func(t *testing.T) {
		ch := NewAggregator("", AnyType, 0, nil)
		require.NoError(t, ch.Contribute("a"))
		require.NoError(t, ch.Contribute("b"))
		assert.Equal(t, "b", ch.Get())
		assert.Len(t, ch.Window(), 2)
	})

	t.Run("reducer failure falls back to contribution", func(t *testing.T) {
		failing := func([]any) (any, error) { return nil, errors.New("boom") }
		ch := NewAggregator("", AnyType, 0, failing)
		require.NoError(t, ch.Contribute(9))
		assert.Equal(t, 9, ch.Get())

		panicking := func([]any) (any, error) { panic("bad reducer") }
		ch = NewAggregator("", AnyType, 0, panicking)
		require.NoError(t, ch.Contribute(4))
		assert.Equal(t, 4, ch.Get())
	})

	t.Run("set and clear", func(t *testing.T) {
		ch := NewAggregator("", TypeOf[int](), 0, sumReducer)
		require.NoError(t, ch.Contribute(1))
		require.NoError(t, ch.Contribute(2))
		require.NoError(t, ch.Set(10))
		assert.Equal(t, []any{10}, ch.Window())
		assert.Equal(t, 10, ch.Get())

		ch.Clear()
		assert.Nil(t, ch.Get())
		assert.Empty(t, ch.Window())
	})
}

func TestSharedMemoryClear(t *testing.T) {
	ch := NewSharedMemory("mem", TypeOf[string]())
	require.NoError(t, ch.Set("scratch"))
	ch.Clear()
	assert.Nil(t, ch.Get())
	assert.Equal(t, uint64(2), ch.Version())
	assert.Equal(t, KindSharedMemory, ch.Kind())
}

func TestCheckpointRoundTrip(t *testing.T) {
	barrier, err := NewBarrier("barrier", 3, 0)
	require.NoError(t, err)
	_, err = barrier.Contribute("a")
	require.NoError(t, err)

	seq := NewValueSequence("seq", TypeOf[int](), 2)
	require.NoError(t, seq.Append(1))
	require.NoError(t, seq.Append(2))

	state := NewSharedState("state")
	require.NoError(t, state.Set(map[string]any{"k": "v"}))

	msg := NewMessageChannel("msg", TypeOf[string](), 4)
	_, err = msg.PushBatch([]any{"x", "y"})
	require.NoError(t, err)

	bc := NewBroadcast("bc", TypeOf[int](), 3)
	bc.Subscribe("s")
	require.NoError(t, bc.Broadcast(5))

	agg := NewAggregator("agg", TypeOf[int](), 2, sumReducer)
	require.NoError(t, agg.Contribute(3))
	require.NoError(t, agg.Contribute(4))

	lv := NewLastValue("lv", TypeOf[float64]())
	require.NoError(t, lv.Set(1.5))

	sources := []Channel{barrier, seq, state, msg, bc, agg, lv}
	for _, src := range sources {
		t.Run(string(src.Kind()), func(t *testing.T) {
			snap := src.Checkpoint()

			raw, err := json.Marshal(snap)
			require.NoError(t, err)
			var decoded Snapshot
			require.NoError(t, json.Unmarshal(raw, &decoded))

			opts := Options{TypeHint: src.TypeHint()}
			if src.Kind() == KindAggregator {
				opts.Reducer = sumReducer
			}
			restored, err := FromSnapshot(decoded, opts)
			require.NoError(t, err)

			assert.Equal(t, src.ID(), restored.ID())
			assert.Equal(t, src.Version(), restored.Version())
			assert.Equal(t, src.Get(), restored.Get())
		})
	}

	restoredBarrier, err := FromSnapshot(barrier.Checkpoint(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, restoredBarrier.(*Barrier).Remaining())

	restoredBC, err := FromSnapshot(bc.Checkpoint(), Options{TypeHint: TypeOf[int]()})
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, restoredBC.(*Broadcast).Subscribers())
	assert.Equal(t, []any{5}, restoredBC.(*Broadcast).History())

	restoredMsg, err := FromSnapshot(msg.Checkpoint(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, restoredMsg.(*MessageChannel).Capacity())
}

func TestAggregatorRestoreKeepsResult(t *testing.T) {
	count := func(values []any) (any, error) { return len(values), nil }
	agg := NewAggregator("agg", TypeOf[int](), 0, count)
	require.NoError(t, agg.Contribute(7))
	require.NoError(t, agg.Set(10))
	require.Equal(t, 10, agg.Get())

	raw, err := json.Marshal(agg.Checkpoint())
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := NewAggregator("agg", TypeOf[int](), 0, count)
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, 10, restored.Get())
	assert.Equal(t, agg.Version(), restored.Version())

	require.NoError(t, restored.Contribute(3))
	assert.Equal(t, 2, restored.Get(), "the window still feeds the reducer")

	empty := NewAggregator("empty", TypeOf[int](), 0, count)
	other := NewAggregator("empty", TypeOf[int](), 0, count)
	require.NoError(t, other.Restore(empty.Checkpoint()))
	assert.Nil(t, other.Get())
}

func TestRestoreRejectsWrongKind(t *testing.T) {
	lv := NewLastValue("", TypeOf[int]())
	seq := NewValueSequence("", TypeOf[int](), 0)
	err := lv.Restore(seq.Checkpoint())
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	other := NewLastValue("", TypeOf[string]())
	assert.ErrorIs(t, lv.Restore(other.Checkpoint()), ErrInvalidSnapshot)
}

func TestInstancesDoNotShareState(t *testing.T) {
	a := NewValueSequence("", AnyType, 0)
	b := NewValueSequence("", AnyType, 0)
	require.NoError(t, a.Append(1))
	assert.Empty(t, b.Values())

	snap := a.Checkpoint()
	snap.Values[0] = "mutated"
	assert.Equal(t, []any{1}, a.Values())
}

func TestClone(t *testing.T) {
	src := NewAggregator("src", TypeOf[int](), 0, sumReducer)
	require.NoError(t, src.Contribute(2))
	require.NoError(t, src.Contribute(3))

	cloned, err := Clone(src, "copy", Options{})
	require.NoError(t, err)
	assert.Equal(t, "copy", cloned.ID())
	assert.Equal(t, 5, cloned.Get())

	require.NoError(t, cloned.(*Aggregator).Contribute(1))
	assert.Equal(t, 5, src.Get())
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(KindValueSequence, "", Options{MaxSize: -1})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New("unknown", "", Options{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = New(KindBarrier, "", Options{})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
