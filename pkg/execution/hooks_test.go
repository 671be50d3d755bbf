package execution

import (
	"context"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

func TestLoggingHook(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := newHarness(t, WithHooks(NewLoggingHook(zap.New(core))))
	h.add(t, "n1", fail(cferrors.NodeError("n1", "flaky", nil)), ok(map[string]any{"out": 1}))

	require.NoError(t, h.mgr.ExecuteNode(context.Background(), "n1"))
	assert.Equal(t, 2, logs.FilterMessage("Executing node").Len())
	assert.Equal(t, 1, logs.FilterMessage("Node attempt failed").Len())

	done := logs.FilterMessage("Node executed").All()
	require.Len(t, done, 1)
	assert.Equal(t, "n1", done[0].ContextMap()["node_id"])
	assert.Equal(t, int64(2), done[0].ContextMap()["attempt"])
}

func TestSentryHookCapturesFailures(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	h := newHarness(t, WithHooks(NewSentryHook(hub)))
	h.add(t, "n1", fail(cferrors.NodeError("n1", "flaky", nil)), ok(nil))

	require.NoError(t, h.mgr.ExecuteNode(context.Background(), "n1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "n1", events[0].Tags["node_id"])
	assert.Equal(t, "1", events[0].Tags["attempt"])
	assert.Equal(t, cferrors.ErrorCodeNode, events[0].Tags["error_code"])
	assert.Equal(t, sentry.LevelWarning, events[0].Level)
}

func TestSentryLevel(t *testing.T) {
	assert.Equal(t, sentry.LevelWarning, sentryLevel(cferrors.Timeout("slow", nil)))
	assert.Equal(t, sentry.LevelFatal, sentryLevel(cferrors.Fatal("gave up", 3, 3, nil)))
	assert.Equal(t, sentry.LevelError, sentryLevel(cferrors.Validation("bad", nil)))
}
