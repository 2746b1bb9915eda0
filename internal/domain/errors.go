package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the link subsystem.
var (
	// ErrMalformedEnvelope marks an inbound frame that could not be decoded.
	// Only that frame is dropped.
	ErrMalformedEnvelope = fmt.Errorf("malformed envelope")
	// ErrHandlerFailure marks a subscriber that returned an error or panicked.
	ErrHandlerFailure = fmt.Errorf("handler failure")
	// ErrHeartbeatTimeout marks a probe that went unanswered for the configured timeout.
	ErrHeartbeatTimeout = fmt.Errorf("heartbeat: %w", ErrTimeout)
	// ErrTransportUnavailable is returned by sends attempted while disconnected.
	ErrTransportUnavailable = fmt.Errorf("transport unavailable")
	// ErrTransportClosed is returned once a transport has been closed for good.
	ErrTransportClosed = fmt.Errorf("transport closed")

	ErrConfigLoad = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Codec.Decode")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTransportUnavailable) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeMalformedEnvelope    ErrorCode = "MALFORMED_ENVELOPE"
	CodeHandlerFailure       ErrorCode = "HANDLER_FAILURE"
	CodeHeartbeatTimeout     ErrorCode = "HEARTBEAT_TIMEOUT"
	CodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	CodeTransportClosed      ErrorCode = "TRANSPORT_CLOSED"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
)

// errorCodes is checked in order, so specific sentinels come before the
// categories they wrap (ErrHeartbeatTimeout wraps ErrTimeout).
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrMalformedEnvelope, CodeMalformedEnvelope},
	{ErrHandlerFailure, CodeHandlerFailure},
	{ErrHeartbeatTimeout, CodeHeartbeatTimeout},
	{ErrTransportUnavailable, CodeTransportUnavailable},
	{ErrTransportClosed, CodeTransportClosed},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
