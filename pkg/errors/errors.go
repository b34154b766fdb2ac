// Package errors provides the error taxonomy shared by the wsgate gateway.
// Every error that reaches a client is mapped onto a wire code through Code.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeInvalidMessage represents malformed or incomplete client messages
	ErrorTypeInvalidMessage ErrorType = "invalid_message"
	// ErrorTypeUnauthorized represents missing credentials or an insufficient role
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	// ErrorTypeRateLimited represents an exhausted rate-limit bucket
	ErrorTypeRateLimited ErrorType = "rate_limited"
	// ErrorTypeNotFound represents an unknown service, topic, action or entity
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeUpstream represents a failing feed source or health fetch
	ErrorTypeUpstream ErrorType = "upstream"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase represents database-related errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// Wire error codes sent to clients in ERROR envelopes.
const (
	CodeInvalidMessage = 4000
	CodeUnauthorized   = 4010
	CodeNotFound       = 4040
	CodeRateLimited    = 4290
	CodeInternal       = 5000
	CodeUpstream       = 5020
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap wraps an existing error with context
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	if se, ok := err.(*ServiceError); ok {
		return &ServiceError{
			Type:      errorType,
			Operation: operation,
			Message:   message,
			Cause:     se,
			Timestamp: time.Now(),
			Retryable: se.Retryable,
		}
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: isRetryableByDefault(err),
	}
}

// Unauthorized is shorthand for an UNAUTHORIZED rejection.
func Unauthorized(operation, message string) *ServiceError {
	return New(ErrorTypeUnauthorized, operation, message)
}

// NotFound is shorthand for a NOT_FOUND rejection.
func NotFound(operation, message string) *ServiceError {
	return New(ErrorTypeNotFound, operation, message)
}

// InvalidMessage is shorthand for an INVALID_MESSAGE rejection.
func InvalidMessage(operation, message string) *ServiceError {
	return New(ErrorTypeInvalidMessage, operation, message)
}

// RateLimited builds a RATE_LIMITED rejection carrying retry guidance.
func RateLimited(operation, message string, retryAfter time.Duration) *ServiceError {
	return New(ErrorTypeRateLimited, operation, message).
		WithContext("retry_after_ms", retryAfter.Milliseconds())
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeUpstream:
		return true
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type. The outermost
// ServiceError in the chain decides.
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]interface{} {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// Code maps an error onto the wire taxonomy. Infrastructure failures are
// reported as UPSTREAM_ERROR; anything unrecognised is INTERNAL_ERROR.
func Code(err error) (int, string) {
	var se *ServiceError
	if !errors.As(err, &se) {
		return CodeInternal, "INTERNAL_ERROR"
	}

	switch se.Type {
	case ErrorTypeInvalidMessage, ErrorTypeValidation:
		return CodeInvalidMessage, "INVALID_MESSAGE"
	case ErrorTypeUnauthorized:
		return CodeUnauthorized, "UNAUTHORIZED"
	case ErrorTypeRateLimited:
		return CodeRateLimited, "RATE_LIMITED"
	case ErrorTypeNotFound:
		return CodeNotFound, "NOT_FOUND"
	case ErrorTypeUpstream, ErrorTypeNetwork, ErrorTypeDatabase, ErrorTypeKafka, ErrorTypeTimeout:
		return CodeUpstream, "UPSTREAM_ERROR"
	default:
		return CodeInternal, "INTERNAL_ERROR"
	}
}

// ClientMessage returns the text safe to show a client. Internal errors are
// reduced to a generic message; their detail stays in the logs.
func ClientMessage(err error) string {
	var se *ServiceError
	if !errors.As(err, &se) || se.Type == ErrorTypeInternal {
		return "internal error"
	}
	return se.Message
}

// RetryAfter extracts retry guidance from a RATE_LIMITED error.
func RetryAfter(err error) (time.Duration, bool) {
	ctx := GetContext(err)
	if ctx == nil {
		return 0, false
	}
	ms, ok := ctx["retry_after_ms"].(int64)
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
