package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when the connection handshake fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectionLost is reported on NotifyClose when the broker drops the connection.
	ErrConnectionLost = errors.New("mqtt: connection lost")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when the configured QoS cannot carry acknowledged delivery.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 1 or 2)")

	// ErrInvalidTopic is returned when a key or pattern cannot be expressed as an MQTT topic.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
