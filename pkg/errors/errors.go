package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrValidation indicates a value or configuration was rejected at the call site
	ErrValidation = errors.New("validation failed")

	// ErrRetryable marks transient failures that may succeed on a later attempt
	ErrRetryable = errors.New("retryable error")

	// ErrNonRetryable marks failures that must not be retried
	ErrNonRetryable = errors.New("non-retryable error")

	// ErrFatal marks a failure synthesized after a retry budget was exhausted
	ErrFatal = errors.New("fatal error")

	// ErrUnexpected marks errors that did not match any known classification
	ErrUnexpected = errors.New("unexpected error")
)

// Kind is the classification used by the retry handler.
type Kind int

const (
	// KindUnknown is reported for errors that are not *Error values.
	KindUnknown Kind = iota
	KindValidation
	KindRetryable
	KindNonRetryable
	KindFatal
	KindTimeout
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRetryable:
		return "retryable"
	case KindNonRetryable:
		return "non_retryable"
	case KindFatal:
		return "fatal"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindRetryable:
		return ErrRetryable
	case KindNonRetryable:
		return ErrNonRetryable
	case KindFatal:
		return ErrFatal
	case KindTimeout:
		return ErrTimeout
	}
	return nil
}

// Error represents a structured engine error
type Error struct {
	// Kind drives retry classification
	Kind Kind

	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// RetryCount is the number of retries performed when the error was produced
	RetryCount int

	// MaxRetries is the retry budget attached to the error, zero if none
	MaxRetries int

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
// Unexpected errors additionally match ErrUnexpected.
func (e *Error) Is(target error) bool {
	if target == ErrUnexpected {
		return e.Code == ErrorCodeUnexpected
	}
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// NewError creates a new engine error
func NewError(kind Kind, code, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Validation creates a validation error.
func Validation(message string, err error) *Error {
	return NewError(KindValidation, ErrorCodeValidation, message, err)
}

// Retryable creates a retryable error carrying its retry budget.
func Retryable(code, message string, retryCount, maxRetries int, err error) *Error {
	e := NewError(KindRetryable, code, message, err)
	e.RetryCount = retryCount
	e.MaxRetries = maxRetries
	return e
}

// NonRetryable creates an error that fails its attempt immediately.
func NonRetryable(code, message string, err error) *Error {
	return NewError(KindNonRetryable, code, message, err)
}

// Fatal creates the error returned once a retry budget is exhausted.
func Fatal(message string, retryCount, maxRetries int, err error) *Error {
	e := NewError(KindFatal, ErrorCodeRetryExhausted, message, err)
	e.RetryCount = retryCount
	e.MaxRetries = maxRetries
	return e
}

// Timeout creates a timeout error.
func Timeout(message string, err error) *Error {
	return NewError(KindTimeout, ErrorCodeTimeout, message, err)
}

// NodeError is a retryable failure raised by a node.
func NodeError(nodeID, message string, err error) *Error {
	return Retryable(ErrorCodeNode, fmt.Sprintf("node %s: %s", nodeID, message), 0, 0, err)
}

// StateError is a retryable failure while reading or writing graph state.
func StateError(message string, err error) *Error {
	return Retryable(ErrorCodeState, message, 0, 0, err)
}

// ResourceError is a retryable failure acquiring an external resource.
func ResourceError(resource, message string, err error) *Error {
	return Retryable(ErrorCodeResource, fmt.Sprintf("resource %s: %s", resource, message), 0, 0, err)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRetryable checks if an error was explicitly marked retryable
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// IsFatal checks if an error is a fatal retry-exhaustion error
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Classify returns the kind of the outermost *Error in the chain.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsError returns the outermost *Error in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
