package dispatch

import "errors"

var (
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("dispatch: nil handler")

	// ErrDuplicateHandler is returned when a stream already has a handler.
	ErrDuplicateHandler = errors.New("dispatch: handler already registered")

	// ErrNoHandlers is returned by Run when nothing is registered.
	ErrNoHandlers = errors.New("dispatch: no handlers registered")

	// errChannelClosed ends a consume pass when the broker closes deliveries.
	errChannelClosed = errors.New("dispatch: delivery channel closed")
)

// permanentError marks a failure that redelivery cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher dead-letters the message without
// retrying it. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
