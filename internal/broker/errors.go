package broker

import "errors"

var (
	// ErrClosed is returned by operations on a closed connection or channel.
	ErrClosed = errors.New("broker: closed")

	// ErrUnknownQueue is returned when consuming a queue that was never declared.
	ErrUnknownQueue = errors.New("broker: unknown queue")

	// ErrInvalidPattern is returned for malformed binding patterns.
	ErrInvalidPattern = errors.New("broker: invalid binding pattern")

	// ErrNoAcknowledger is returned when settling a delivery that has no acknowledger.
	ErrNoAcknowledger = errors.New("broker: delivery has no acknowledger")

	// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
	ErrAlreadySettled = errors.New("broker: delivery already settled")
)
