package channel

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManagerRegisterType(t *testing.T) {
	m := NewManager()
	factory := Builtins()[KindLastValue]

	require.NoError(t, m.RegisterType("LastValue", factory))
	err := m.RegisterType("lastvalue", factory)
	assert.ErrorIs(t, err, ErrTypeRegistered)
	assert.Error(t, m.RegisterType("", factory))
	assert.Error(t, m.RegisterType("nil-factory", nil))
	assert.Equal(t, []string{"LastValue"}, m.RegisteredTypes())
	assert.True(t, m.HasType("LASTVALUE"))
}

func TestManagerCreateChannel(t *testing.T) {
	m := NewManager(WithBuiltins(), WithLogger(zap.NewNop()))
	assert.Len(t, m.RegisteredTypes(), len(Builtins()))

	ch, err := m.CreateChannel(string(KindLastValue), "", Options{TypeHint: TypeOf[int]()})
	require.NoError(t, err)
	assert.NotEmpty(t, ch.ID())

	named, err := m.CreateChannel("value_sequence", "seq", Options{MaxSize: 2})
	require.NoError(t, err)
	assert.Equal(t, "seq", named.ID())

	_, err = m.CreateChannel("value_sequence", "seq", Options{})
	assert.ErrorIs(t, err, ErrChannelExists)

	_, err = m.CreateChannel("missing", "", Options{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	got, ok := m.GetChannel("seq")
	require.True(t, ok)
	assert.Same(t, named, got)
	assert.ElementsMatch(t, []string{ch.ID(), "seq"}, m.ActiveChannels())

	m.DeleteChannel("seq")
	m.DeleteChannel("seq")
	_, ok = m.GetChannel("seq")
	assert.False(t, ok)
}

func TestManagerMetricsAndHandlers(t *testing.T) {
	m := NewManager(WithBuiltins())
	ch, err := m.CreateChannel("last_value", "c1", Options{})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []error
	)
	require.NoError(t, m.RegisterErrorHandler(ch.ID(), func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, err)
	}))
	require.NoError(t, m.RegisterErrorHandler(ch.ID(), func(string, error) {
		panic("handler bug")
	}))
	assert.ErrorIs(t, m.RegisterErrorHandler("missing", func(string, error) {}), ErrChannelNotFound)

	require.NoError(t, m.UpdateMetrics("c1", nil))
	boom := errors.New("boom")
	m.SetDebugMode(true)
	require.NoError(t, m.UpdateMetrics("c1", boom))
	assert.ErrorIs(t, m.UpdateMetrics("missing", nil), ErrChannelNotFound)

	metrics, ok := m.Metrics("c1")
	require.True(t, ok)
	assert.Equal(t, int64(2), metrics.UpdateCount)
	assert.Equal(t, int64(1), metrics.ErrorCount)
	assert.False(t, metrics.LastUpdate.IsZero())
	assert.Equal(t, []error{boom}, seen)

	_, ok = m.Metrics("missing")
	assert.False(t, ok)
}

func TestManagerConcurrentMetrics(t *testing.T) {
	m := NewManager(WithBuiltins())
	_, err := m.CreateChannel("last_value", "hot", Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.UpdateMetrics("hot", nil)
		}()
	}
	wg.Wait()

	metrics, _ := m.Metrics("hot")
	assert.Equal(t, int64(50), metrics.UpdateCount)
}

func TestManagerClear(t *testing.T) {
	m := NewManager(WithBuiltins())
	_, err := m.CreateChannel("last_value", "a", Options{})
	require.NoError(t, err)

	m.Clear()
	assert.Empty(t, m.ActiveChannels())
	assert.NotEmpty(t, m.RegisteredTypes())
}
