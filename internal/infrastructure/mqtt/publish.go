package mqtt

import (
	"context"
	"fmt"

	"github.com/nerrad567/fleetbus/internal/broker"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends msg.Body on the topic derived from msg.Key at the configured
// QoS and returns once the broker has acknowledged it (PUBACK or PUBCOMP).
//
// Headers, MessageID and ContentType have no MQTT 3.1.1 equivalent and are
// not transmitted.
func (ch *channel) Publish(ctx context.Context, msg broker.Publishing) error {
	if len(msg.Body) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(msg.Body), maxPayloadSize)
	}
	topic, err := ToTopic(msg.Key)
	if err != nil {
		return err
	}

	c := ch.c
	c.mu.Lock()
	closed := ch.isClosedLocked()
	c.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}

	if err := wait(ctx, c.client.Publish(topic, c.qos, false, msg.Body)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}
