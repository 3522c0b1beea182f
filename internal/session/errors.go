package session

import (
	"errors"
	"fmt"
)

// Domain-specific errors for session operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when publishing without a usable session.
	// Callers get it immediately; nothing blocks waiting for a reconnect.
	ErrNotConnected = errors.New("session: not connected")

	// ErrConnectionFailed is matched by every *ConnectionFailure.
	ErrConnectionFailed = errors.New("session: connection failed")

	// ErrConnectionLost is recorded as the cause when a connection closes
	// without reporting why.
	ErrConnectionLost = errors.New("session: connection lost")

	// ErrClosed is returned by operations on a session closed by its owner.
	ErrClosed = errors.New("session: closed")

	// ErrPublishFailed wraps errors from the broker while publishing.
	ErrPublishFailed = errors.New("session: publish failed")

	// ErrInvalidState is matched by every *InvalidStateError.
	ErrInvalidState = errors.New("session: invalid state")
)

// ConnectionFailure is returned by Connect when the handshake fails.
type ConnectionFailure struct {
	Endpoint string
	Cause    error
}

// Error implements the error interface.
func (e *ConnectionFailure) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("session: connection failed: %v", e.Cause)
	}
	return fmt.Sprintf("session: connection to %s failed: %v", e.Endpoint, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ConnectionFailure) Unwrap() error { return e.Cause }

// Is reports whether target is ErrConnectionFailed.
func (e *ConnectionFailure) Is(target error) bool { return target == ErrConnectionFailed }

// InvalidStateError is returned when an operation is not allowed in the
// session's current state.
type InvalidStateError struct {
	Op    string
	State State
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session: %s not allowed in state %s", e.Op, e.State)
}

// Is reports whether target is ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
