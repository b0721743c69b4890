package types

import "fmt"

// ErrorCode represents a unified error code across the control plane.
type ErrorCode string

// Authorization and structural limit error codes
const (
	ErrPermissionDenied    ErrorCode = "PERMISSION_DENIED"
	ErrDepthLimitExceeded  ErrorCode = "DEPTH_LIMIT_EXCEEDED"
	ErrFanoutLimitExceeded ErrorCode = "FANOUT_LIMIT_EXCEEDED"
	ErrResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"
)

// Lookup error codes
const (
	ErrAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	ErrHierarchyNotFound ErrorCode = "HIERARCHY_NOT_FOUND"
	ErrRoleNotFound      ErrorCode = "ROLE_NOT_FOUND"
	ErrNodeNotFound      ErrorCode = "NODE_NOT_FOUND"
)

// Delegation and communication error codes
const (
	ErrDelegationAuthorityExceeded ErrorCode = "DELEGATION_AUTHORITY_EXCEEDED"
	ErrMessageExpired              ErrorCode = "MESSAGE_EXPIRED"
	ErrRateLimited                 ErrorCode = "RATE_LIMITED"
	ErrChannelDenied               ErrorCode = "CHANNEL_DENIED"
	ErrEscalationAbandoned         ErrorCode = "ESCALATION_ABANDONED"
)

// Lifecycle and internal error codes
const (
	ErrHierarchyDegraded ErrorCode = "HIERARCHY_DEGRADED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
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

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
