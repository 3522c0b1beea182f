package redisstream

import "errors"

var (
	// ErrConnectionFailed is returned when the initial ping fails.
	ErrConnectionFailed = errors.New("redisstream: connection failed")

	// ErrConnectionLost is reported on NotifyClose when a heartbeat ping fails.
	ErrConnectionLost = errors.New("redisstream: connection lost")

	// ErrPublishOnly is returned by Consume on a channel opened with prefetch 0.
	ErrPublishOnly = errors.New("redisstream: channel is publish-only")
)
