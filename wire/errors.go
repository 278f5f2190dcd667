package wire

import "errors"

// Canonical error codes carried in response frames and surfaced by the client.
const (
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeProtocolMismatch = "PROTOCOL_MISMATCH"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeDisconnected     = "DISCONNECTED"
)

// Error is a protocol-level error with a stable code.
// It is both the payload of response error frames and the error type
// returned by the client for connection and request failures.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Errorf builds an *Error with the given code and message.
func Errorf(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Code extracts the protocol error code from err, or "" when err does not
// wrap a *wire.Error.
func Code(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// IsCode reports whether err carries the given protocol error code.
func IsCode(err error, code string) bool {
	return Code(err) == code
}

// Fatal reports whether a handshake error should stop the reconnect loop.
// Version and credential mismatches are compatibility defects, not
// transient faults.
func Fatal(err error) bool {
	switch Code(err) {
	case CodeProtocolMismatch, CodeAuthFailed:
		return true
	}
	return false
}
