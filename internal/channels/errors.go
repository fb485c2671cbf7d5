package channels

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a channel error for classification and monitoring.
type ErrorCode string

const (
	// ErrCodeConnection indicates a network or connection failure.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeLoggedOut indicates the platform session was explicitly ended:
	// logged out, unpaired device, revoked credentials. Never retried.
	ErrCodeLoggedOut ErrorCode = "LOGGED_OUT"

	// ErrCodeAuthentication indicates credentials were rejected.
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit indicates the platform throttled the operation.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeUnavailable indicates the platform is temporarily down.
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// ErrCodeNotFound indicates no channel owns the requested id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured channel error carrying a classification code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap lets errors.Is and errors.As reach the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error with the given code.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrLoggedOut creates a fatal logged-out error.
func ErrLoggedOut(message string, err error) *Error {
	return NewError(ErrCodeLoggedOut, message, err)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string, err error) *Error {
	return NewError(ErrCodeAuthentication, message, err)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

// ErrNotFound creates a not-found error.
func ErrNotFound(message string, err error) *Error {
	return NewError(ErrCodeNotFound, message, err)
}

// GetErrorCode extracts the ErrorCode from an error, defaulting to
// ErrCodeInternal for unclassified errors.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsFatal reports whether a disconnect or dial error must terminate the
// channel instead of being retried. Only explicit logged-out / unauthorized
// signals classify as fatal; everything else defaults to retryable, and the
// retry budget catches persistent failures.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch GetErrorCode(err) {
	case ErrCodeLoggedOut, ErrCodeAuthentication:
		return true
	}
	return false
}

// IsRetryable reports whether a send error represents a transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch GetErrorCode(err) {
	case ErrCodeConnection, ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	}
	return false
}
