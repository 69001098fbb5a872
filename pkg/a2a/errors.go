package a2a

import (
	"errors"
	"fmt"
)

// ============================================================================
// JSON-RPC ERROR CODES
// Standard codes plus the A2A application range.
// ============================================================================

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeExecutionFailed       = -32001
	CodeInvalidSession        = -32002
	CodeTimeout               = -32003
	CodeRateLimited           = -32004
	CodeAgentUnavailable      = -32005
	CodeInvalidInput          = -32006
	CodeAuthRequired          = -32007
	CodeCapabilityUnsupported = -32008
)

// ErrMalformedEnvelope is returned when an inbound payload matches none of
// the recognized envelope shapes (result, error, SSE frame).
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Error is a JSON-RPC error object. It implements the error interface so
// protocol faults can flow through ordinary error returns.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the optional structured detail of an Error.
type ErrorData struct {
	ErrorType     string  `json:"error_type,omitempty"`
	RetryAfter    float64 `json:"retry_after,omitempty"` // seconds
	CorrelationID string  `json:"correlation_id,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Retryable reports whether the error signals a fault worth retrying.
// Timeouts, rate limits and unavailable agents are transient; the
// client-fault codes (invalid session, invalid input, auth, capability)
// and execution failures are terminal.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeTimeout, CodeRateLimited, CodeAgentUnavailable:
		return true
	}
	return false
}

// NewError builds an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}
