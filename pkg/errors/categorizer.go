package errors

import (
	"context"
	stdErrors "errors"
	"net"
	"strings"
)

// Error code constants
const (
	ErrorCodeUnknown        = "UNKNOWN_ERROR"
	ErrorCodeTimeout        = "TIMEOUT_ERROR"
	ErrorCodeNetwork        = "NETWORK_ERROR"
	ErrorCodeValidation     = "VALIDATION_ERROR"
	ErrorCodeNotFound       = "NOT_FOUND_ERROR"
	ErrorCodeInternal       = "INTERNAL_ERROR"
	ErrorCodeExecution      = "EXECUTION_ERROR"
	ErrorCodeNode           = "NODE_ERROR"
	ErrorCodeState          = "STATE_ERROR"
	ErrorCodeResource       = "RESOURCE_ERROR"
	ErrorCodeUnexpected     = "UNEXPECTED_ERROR"
	ErrorCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrorCodeCircuitBreaker = "CIRCUIT_BREAKER_ERROR"
	ErrorCodeCancelled      = "CANCELLED"
)

// CategorizeError maps an error to a standardized error code
func CategorizeError(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if stdErrors.As(err, &e) && e.Code != "" {
		return e.Code
	}

	if stdErrors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	if stdErrors.Is(err, context.Canceled) {
		return ErrorCodeCancelled
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCodeTimeout
		}
		return ErrorCodeNetwork
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "timed out") {
		return ErrorCodeTimeout
	}

	if strings.Contains(errMsg, "circuit breaker") {
		return ErrorCodeCircuitBreaker
	}

	if strings.Contains(errMsg, "not found") {
		return ErrorCodeNotFound
	}

	return ErrorCodeUnknown
}

// Unexpected wraps an unclassified error as non-retryable.
func Unexpected(err error) *Error {
	return NonRetryable(ErrorCodeUnexpected, "unexpected error", err)
}

// Normalize returns err unchanged when it already carries a Kind and
// wraps it with Unexpected otherwise. Context errors keep their identity
// but are reported as non-retryable.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if Classify(err) != KindUnknown {
		return err
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return NonRetryable(CategorizeError(err), "operation cancelled", err)
	}
	return Unexpected(err)
}
