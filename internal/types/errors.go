package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for semant engine errors.
type ErrorCode string

// Workflow error codes
const (
	WORKFLOW_VALIDATION_FAILED  ErrorCode = "WORKFLOW_VALIDATION_FAILED"
	WORKFLOW_CYCLE_DETECTED     ErrorCode = "WORKFLOW_CYCLE_DETECTED"
	WORKFLOW_NOT_FOUND          ErrorCode = "WORKFLOW_NOT_FOUND"
	WORKFLOW_INVALID_TRANSITION ErrorCode = "WORKFLOW_INVALID_TRANSITION"
	STEP_NOT_FOUND              ErrorCode = "STEP_NOT_FOUND"
	STEP_INVALID_TRANSITION     ErrorCode = "STEP_INVALID_TRANSITION"
)

// Agent and registry error codes
const (
	AGENT_DUPLICATE    ErrorCode = "AGENT_DUPLICATE"
	AGENT_NOT_FOUND    ErrorCode = "AGENT_NOT_FOUND"
	AGENT_NONE_CAPABLE ErrorCode = "AGENT_NONE_CAPABLE"
	CAPABILITY_INVALID ErrorCode = "CAPABILITY_INVALID"
)

// Dispatch error codes
const (
	DISPATCH_FAILED  ErrorCode = "DISPATCH_FAILED"
	DISPATCH_TIMEOUT ErrorCode = "DISPATCH_TIMEOUT"
	EXECUTION_FAILED ErrorCode = "EXECUTION_FAILED"
)

// Review error codes
const (
	REVIEW_REJECTED ErrorCode = "REVIEW_REJECTED"
	REVIEW_DEADLINE ErrorCode = "REVIEW_DEADLINE"
)

// Persistence error codes
const (
	PERSISTENCE_FAILED  ErrorCode = "PERSISTENCE_FAILED"
	DB_OPEN_FAILED      ErrorCode = "DB_OPEN_FAILED"
	DB_MIGRATION_FAILED ErrorCode = "DB_MIGRATION_FAILED"
	DB_QUERY_FAILED     ErrorCode = "DB_QUERY_FAILED"
)

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_PARSE_FAILED      ErrorCode = "CONFIG_PARSE_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// SemantError represents a structured error with error code, message, and optional cause.
// It supports error wrapping and retryability hints for error handling logic.
//
// Retryability encodes the engine's error taxonomy: soft errors such as
// AGENT_NONE_CAPABLE and DISPATCH_TIMEOUT are retryable and counted toward
// the scheduler's retry budget; validation and transition errors are not.
type SemantError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *SemantError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
// This enables using errors.Is() and errors.As() with wrapped errors.
func (e *SemantError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
// Returns true if target is a SemantError with the same Code.
func (e *SemantError) Is(target error) bool {
	var semantErr *SemantError
	if errors.As(target, &semantErr) {
		return e.Code == semantErr.Code
	}
	return false
}

// NewError creates a new non-retryable SemantError with the given code and message.
func NewError(code ErrorCode, message string) *SemantError {
	return &SemantError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     nil,
	}
}

// NewRetryableError creates a new retryable SemantError with the given code and message.
// Use this for transient errors that may succeed on retry (e.g., dispatch timeouts,
// temporarily empty discovery results).
func NewRetryableError(code ErrorCode, message string) *SemantError {
	return &SemantError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     nil,
	}
}

// WrapError creates a new non-retryable SemantError that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *SemantError {
	return &SemantError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// WrapRetryableError creates a new retryable SemantError that wraps an existing error.
func WrapRetryableError(code ErrorCode, message string, cause error) *SemantError {
	return &SemantError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// IsRetryable reports whether err (or any error in its chain) is a
// SemantError marked retryable.
func IsRetryable(err error) bool {
	var semantErr *SemantError
	if errors.As(err, &semantErr) {
		return semantErr.Retryable
	}
	return false
}

// CodeOf returns the error code of err if it is a SemantError, or an
// empty code otherwise.
func CodeOf(err error) ErrorCode {
	var semantErr *SemantError
	if errors.As(err, &semantErr) {
		return semantErr.Code
	}
	return ""
}
