// Package runtime hosts the per-bot event pipeline: inbound event
// normalization, plugin dispatch, command execution, and the outbound
// send layer shared by the QQ and Discord transports.
package runtime

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a runtime failure for monitoring and retry
// decisions.
type ErrorCode string

const (
	// ErrCodeConnection indicates a transport connection failure.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeTimeout indicates an RPC or send timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeRateLimit indicates the platform rate limited the call.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeMuted indicates the bot lacks permission to speak in the
	// target conversation.
	ErrCodeMuted ErrorCode = "MUTED"

	// ErrCodeDuplicate indicates an identical message was sent within
	// the dedup window.
	ErrCodeDuplicate ErrorCode = "DUPLICATE_SEND"

	// ErrCodeInvalidInput indicates a malformed event, action, or
	// message payload.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeNotConnected indicates no live transport for the bot.
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"

	// ErrCodeUpstream indicates the platform returned a failure status.
	ErrCodeUpstream ErrorCode = "UPSTREAM_ERROR"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured runtime error carrying a code and optional
// context for debugging.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext attaches a key-value pair to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeTimeout, ErrCodeRateLimit:
		return true
	default:
		return false
	}
}

// NewError creates a structured error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

// ErrMuted creates a muted error for a target conversation.
func ErrMuted(message string) *Error {
	return NewError(ErrCodeMuted, message, nil)
}

// ErrNotConnected creates a not-connected error for a bot.
func ErrNotConnected(botID string) *Error {
	return NewError(ErrCodeNotConnected, "bot has no live connection", nil).
		WithContext("bot_id", botID)
}

// ErrUpstream creates an upstream failure error.
func ErrUpstream(message string, err error) *Error {
	return NewError(ErrCodeUpstream, message, err)
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal when err is
// not a runtime error.
func CodeOf(err error) ErrorCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}
