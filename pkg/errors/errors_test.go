package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     Kind
	}{
		{"validation", Validation("bad", nil), ErrValidation, KindValidation},
		{"retryable", Retryable("X", "flaky", 1, 3, nil), ErrRetryable, KindRetryable},
		{"non-retryable", NonRetryable("X", "nope", nil), ErrNonRetryable, KindNonRetryable},
		{"fatal", Fatal("max retries (2) exceeded", 2, 2, nil), ErrFatal, KindFatal},
		{"timeout", Timeout("slow", nil), ErrTimeout, KindTimeout},
		{"node", NodeError("n1", "boom", nil), ErrRetryable, KindRetryable},
		{"state", StateError("boom", nil), ErrRetryable, KindRetryable},
		{"resource", ResourceError("db", "boom", nil), ErrRetryable, KindRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.kind, Classify(tt.err))

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, Classify(wrapped))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := NewError(KindNonRetryable, "IO", "write failed", cause)

	assert.Equal(t, "[IO] write failed: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[IO] write failed", NewError(KindNonRetryable, "IO", "write failed", nil).Error())
}

func TestNormalize(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, Normalize(nil))
	})

	t.Run("classified errors pass through", func(t *testing.T) {
		err := Retryable("X", "flaky", 0, 0, nil)
		assert.Same(t, err, Normalize(err))
	})

	t.Run("plain errors become unexpected non-retryable", func(t *testing.T) {
		cause := stdErrors.New("nil map write")
		err := Normalize(cause)
		require.Error(t, err)
		assert.Equal(t, KindNonRetryable, Classify(err))
		assert.ErrorIs(t, err, ErrUnexpected)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "unexpected error")
	})

	t.Run("context errors keep identity", func(t *testing.T) {
		err := Normalize(context.Canceled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, KindNonRetryable, Classify(err))
	})
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, "", CategorizeError(nil))
	assert.Equal(t, ErrorCodeNode, CategorizeError(NodeError("n", "x", nil)))
	assert.Equal(t, ErrorCodeTimeout, CategorizeError(context.DeadlineExceeded))
	assert.Equal(t, ErrorCodeCancelled, CategorizeError(context.Canceled))
	assert.Equal(t, ErrorCodeNotFound, CategorizeError(stdErrors.New("channel not found")))
	assert.Equal(t, ErrorCodeUnknown, CategorizeError(stdErrors.New("boom")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "retryable", KindRetryable.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
