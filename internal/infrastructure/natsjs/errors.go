package natsjs

import "errors"

var (
	// ErrConnectionFailed is returned when connecting or preparing the stream fails.
	ErrConnectionFailed = errors.New("natsjs: connection failed")

	// ErrConnectionLost is reported on NotifyClose when the server drops the connection.
	ErrConnectionLost = errors.New("natsjs: connection lost")
)
