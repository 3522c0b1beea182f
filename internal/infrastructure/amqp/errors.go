package amqp

import "errors"

var (
	// ErrConnectionFailed is returned when the connection handshake fails.
	ErrConnectionFailed = errors.New("amqp: connection failed")

	// ErrConnectionLost is reported on NotifyClose when the broker drops the connection.
	ErrConnectionLost = errors.New("amqp: connection lost")

	// ErrPublishNacked is returned when the broker negatively confirms a publish.
	ErrPublishNacked = errors.New("amqp: publish not confirmed")
)
