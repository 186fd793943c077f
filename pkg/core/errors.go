package core

import (
	"errors"
	"fmt"
)

// Error is the typed error carried across the dispatch core.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	// RetryAfter is a hint in seconds for rate-limited callers.
	RetryAfter *int `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("%s: %s (call: %s)", e.Type, e.Message, e.CallID)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrStaleSession is returned when an operation is attempted against a
	// session state that no longer permits it. Recover by refreshing the
	// session view; never retried blindly.
	ErrStaleSession ErrorType = "stale_session_error"

	// ErrNotConnected is returned for commands issued while the channel is
	// not authenticated. The command is not queued.
	ErrNotConnected ErrorType = "not_connected_error"

	// ErrDuplicateRequest is returned when a second pending intervention of
	// the same kind exists for a call. Rejected locally.
	ErrDuplicateRequest ErrorType = "duplicate_request_error"

	// ErrTimeout is returned when no server acknowledgment arrives within
	// the request budget. Retry is a brand-new request.
	ErrTimeout ErrorType = "timeout_error"

	// ErrTransport covers channel-level disconnects; the reconnection policy
	// handles these transparently.
	ErrTransport ErrorType = "transport_error"

	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrInternal       ErrorType = "internal_error"
)

// NewStaleSessionError creates a stale session error for the given call.
func NewStaleSessionError(callID, message string) *Error {
	return &Error{
		Type:    ErrStaleSession,
		Message: message,
		CallID:  callID,
	}
}

// NewNotConnectedError creates a not connected error.
func NewNotConnectedError(message string) *Error {
	return &Error{
		Type:    ErrNotConnected,
		Message: message,
	}
}

// NewDuplicateRequestError creates a duplicate request error.
func NewDuplicateRequestError(callID, kind string) *Error {
	return &Error{
		Type:    ErrDuplicateRequest,
		Message: fmt.Sprintf("a %s request is already pending for this call", kind),
		CallID:  callID,
	}
}

// NewTimeoutError creates a timeout error for an unacknowledged request.
func NewTimeoutError(callID, requestID string) *Error {
	return &Error{
		Type:      ErrTimeout,
		Message:   "no acknowledgment received within the request budget",
		CallID:    callID,
		RequestID: requestID,
	}
}

// NewTransportError wraps a channel-level failure.
func NewTransportError(message string) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: message,
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *Error {
	return &Error{
		Type:    ErrInternal,
		Message: message,
	}
}

// IsType reports whether err is (or wraps) a dispatch *Error of the given type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

// IsRetryable reports whether err is (or wraps) a retryable dispatch *Error.
// Anything else, including non-dispatch errors, is not retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsRetryable()
}

// IsRetryable reports whether the operation may be retried as-is.
// Stale-session and duplicate failures require a state refresh first;
// transport failures are retried by the reconnection policy, not the caller.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrTimeout, ErrRateLimit:
		return true
	default:
		return false
	}
}
