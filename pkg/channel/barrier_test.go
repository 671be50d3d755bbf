package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

func TestBarrierTriggersOnce(t *testing.T) {
	b, err := NewBarrier("", 3, 0)
	require.NoError(t, err)

	steps := []struct {
		id        string
		triggered bool
		remaining int
	}{
		{"a", false, 2},
		{"a", false, 2},
		{"b", false, 1},
		{"c", true, 0},
		{"c", false, 0},
		{"d", false, 0},
	}
	for _, step := range steps {
		got, err := b.Contribute(step.id)
		require.NoError(t, err)
		assert.Equal(t, step.triggered, got, "contribute %s", step.id)
		assert.Equal(t, step.remaining, b.Remaining())
	}
	assert.True(t, b.IsTriggered())
	assert.Equal(t, []string{"a", "b", "c"}, b.Contributors())

	b.Reset()
	assert.False(t, b.IsTriggered())
	assert.Equal(t, 3, b.Remaining())
}

func TestBarrierRejectsNonPositiveCount(t *testing.T) {
	_, err := NewBarrier("", 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestBarrierConcurrentContributors(t *testing.T) {
	const n = 32
	b, err := NewBarrier("", n, 0)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		triggers int
	)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			for range 3 {
				ok, err := b.Contribute(id)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					triggers++
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, triggers)
	assert.True(t, b.IsTriggered())
}

func TestBarrierTimeoutResets(t *testing.T) {
	b, err := NewBarrier("", 2, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = b.Contribute("a")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Remaining())

	time.Sleep(40 * time.Millisecond)
	assert.False(t, b.IsTriggered())
	assert.Equal(t, 2, b.Remaining())
	assert.Empty(t, b.Contributors())

	ok, err := b.Contribute("b")
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBarrierTimeout)
	assert.True(t, cferrors.IsTimeout(err))
	assert.Equal(t, 2, b.Remaining(), "the contribution that observed the timeout is not recorded")

	ok, err = b.Contribute("a")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = b.Contribute("b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBarrierTriggeredRoundIgnoresTimeout(t *testing.T) {
	b, err := NewBarrier("", 1, 10*time.Millisecond)
	require.NoError(t, err)
	ok, err := b.Contribute("only")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.IsTriggered())
}

func TestBarrierCheckpointKeepsTimeout(t *testing.T) {
	b, err := NewBarrier("b1", 2, time.Minute)
	require.NoError(t, err)
	_, err = b.Contribute("x")
	require.NoError(t, err)

	restored, err := NewBarrier("other", 5, 0)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(b.Checkpoint()))

	assert.Equal(t, "b1", restored.ID())
	assert.Equal(t, 2, restored.ContributorCount())
	assert.Equal(t, time.Minute, restored.Timeout())
	assert.Equal(t, []string{"x"}, restored.Contributors())
	assert.Equal(t, b.Version(), restored.Version())
}
