package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Transient error codes. These are retried with bounded exponential backoff.
const (
	ErrTimeout     ErrorCode = "TIMEOUT"
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	ErrUnavailable ErrorCode = "UNAVAILABLE"
)

// Fatal-local error codes. These abort the current stage only.
const (
	ErrSchemaViolation  ErrorCode = "SCHEMA_VIOLATION"
	ErrMalformedOutput  ErrorCode = "MALFORMED_OUTPUT"
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrDelegationCycle  ErrorCode = "DELEGATION_CYCLE"
	ErrDepthExceeded    ErrorCode = "DEPTH_EXCEEDED"
	ErrAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrNoConsensus      ErrorCode = "NO_CONSENSUS"
)

// Fatal-global error codes. These halt the enclosing workflow.
const (
	ErrGateBlocked   ErrorCode = "GATE_BLOCKED"
	ErrStageFailed   ErrorCode = "STAGE_FAILED"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error with a code, message and retryability marker.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	AgentID   string    `json:"agent_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewTimeoutError creates a retryable timeout error.
func NewTimeoutError(message string) *Error {
	return &Error{Code: ErrTimeout, Message: message, Retryable: true}
}

// NewRateLimitError creates a retryable rate-limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Code: ErrRateLimited, Message: message, Retryable: true}
}

// NewSchemaViolationError creates a fatal schema validation error.
func NewSchemaViolationError(message string) *Error {
	return &Error{Code: ErrSchemaViolation, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAgentID tags the error with the agent that produced it.
func (e *Error) WithAgentID(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// IsRetryable checks if an error anywhere in the chain is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain, or "" when the
// chain carries no structured error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether the error chain carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
