package execution

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

// SentryHook reports failed attempts to Sentry and leaves a breadcrumb
// for each attempt so a captured failure shows what ran before it.
type SentryHook struct {
	hub *sentry.Hub
}

// NewSentryHook reports through hub, or through the current hub when hub is nil.
func NewSentryHook(hub *sentry.Hub) *SentryHook {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryHook{hub: hub}
}

// BeforeExecute implements Hook.
func (h *SentryHook) BeforeExecute(_ context.Context, a Attempt) {
	h.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category: "conflux.node",
		Message:  "execute " + a.NodeID,
		Level:    sentry.LevelInfo,
		Data: map[string]any{
			"node_type": a.NodeType,
			"attempt":   a.Number,
		},
	}, nil)
}

// AfterExecute implements Hook.
func (h *SentryHook) AfterExecute(context.Context, Attempt, map[string]any) {}

// OnError implements Hook.
func (h *SentryHook) OnError(_ context.Context, a Attempt, err error) {
	h.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("node_id", a.NodeID)
		scope.SetTag("node_type", a.NodeType)
		scope.SetTag("attempt", strconv.Itoa(a.Number))
		scope.SetTag("error_code", cferrors.CategorizeError(err))
		scope.SetLevel(sentryLevel(err))
		h.hub.CaptureException(err)
	})
}

func sentryLevel(err error) sentry.Level {
	switch cferrors.Classify(err) {
	case cferrors.KindRetryable, cferrors.KindTimeout:
		return sentry.LevelWarning
	case cferrors.KindFatal:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}
