package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// LLM error codes
const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	ErrModelInvocation     ErrorCode = "MODEL_INVOCATION"
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
)

// Tool error codes
const (
	ErrToolNotFound   ErrorCode = "TOOL_NOT_FOUND"
	ErrToolValidation ErrorCode = "TOOL_VALIDATION"
	ErrToolTimeout    ErrorCode = "TOOL_TIMEOUT"
	ErrToolExecution  ErrorCode = "TOOL_EXECUTION"
	ErrToolRateLimit  ErrorCode = "TOOL_RATE_LIMIT"
)

// Engine error codes
const (
	ErrThreadBusy        ErrorCode = "THREAD_BUSY"
	ErrPersistence       ErrorCode = "PERSISTENCE"
	ErrCheckpointCorrupt ErrorCode = "CHECKPOINT_CORRUPT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
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

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// NewThreadBusyError 构造同线程并发拒绝错误（调用方可稍后重试）。
func NewThreadBusyError(threadID string) *Error {
	return &Error{
		Code:      ErrThreadBusy,
		Message:   fmt.Sprintf("thread %s already has a run in flight", threadID),
		Retryable: true,
	}
}

// NewRateLimitError 构造限流错误（可重试）。
func NewRateLimitError(provider string) *Error {
	return &Error{
		Code:      ErrRateLimited,
		Message:   "rate limited by upstream",
		Retryable: true,
		Provider:  provider,
	}
}

// NewTimeoutError 构造上游超时错误（可重试）。
func NewTimeoutError(provider string) *Error {
	return &Error{
		Code:      ErrUpstreamTimeout,
		Message:   "upstream call timed out",
		Retryable: true,
		Provider:  provider,
	}
}
