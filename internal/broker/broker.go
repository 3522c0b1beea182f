package broker

import (
	"context"
	"time"
)

// Dialer opens connections to one configured broker endpoint with one set of
// credentials.
type Dialer interface {
	// Dial performs the connection handshake. It must not retry internally.
	Dial(ctx context.Context) (Conn, error)

	// Endpoint returns a printable endpoint description without credentials.
	Endpoint() string
}

// Conn is one live broker connection.
type Conn interface {
	// Channel opens a sub-channel limited to prefetch unacknowledged deliveries.
	// A prefetch of zero means the channel is only used for publishing.
	Channel(prefetch int) (Channel, error)

	// NotifyClose returns a channel that receives at most one value and is then
	// closed. A non-nil error means the connection dropped unexpectedly; a nil
	// error (or a close without value) follows a deliberate Close.
	NotifyClose() <-chan error

	// Close shuts the connection down. Safe to call more than once.
	Close() error
}

// Channel is a flow-controlled sub-channel of a connection.
type Channel interface {
	// Declare creates the durable queue if needed and binds it to pattern.
	// Declaring an existing queue with the same binding is a no-op.
	Declare(ctx context.Context, queue, pattern string) error

	// Publish hands a message to the broker and returns once the broker has
	// accepted it.
	Publish(ctx context.Context, msg Publishing) error

	// Consume starts delivering messages from queue. The returned channel is
	// closed when ctx is cancelled, the channel is closed, or the connection
	// drops.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Close releases the channel. Unacknowledged deliveries return to the
	// broker for redelivery.
	Close() error
}

// Publishing is an outgoing message.
type Publishing struct {
	// Key is the routing key (a topic key).
	Key string

	// Body is the serialized message.
	Body []byte

	// ContentType describes Body, e.g. "application/json".
	ContentType string

	// MessageID is an optional broker-visible message identifier.
	MessageID string

	// Persistent asks the broker to store the message durably.
	Persistent bool

	// Headers carries optional string metadata.
	Headers map[string]string

	// Timestamp is the publish time. Zero means "now" to adapters that need one.
	Timestamp time.Time
}

// Acknowledger settles a single delivery.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is an incoming message awaiting acknowledgement.
type Delivery struct {
	// Queue the message was consumed from.
	Queue string

	// Key is the routing key the message was published with.
	Key string

	// Body is the raw message body.
	Body []byte

	// MessageID as set by the publisher, if the broker carries it.
	MessageID string

	// Headers carries publisher metadata, if the broker carries it.
	Headers map[string]string

	// Redelivered is true when the broker has delivered this message before.
	Redelivered bool

	// Acknowledger settles the delivery. Never nil for deliveries produced by
	// an adapter.
	Acknowledger Acknowledger
}

// Ack acknowledges the delivery.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Ack()
}

// Nack rejects the delivery, optionally returning it to the queue.
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Nack(requeue)
}
