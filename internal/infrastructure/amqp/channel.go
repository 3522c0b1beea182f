package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/nerrad567/fleetbus/internal/broker"
)

type channel struct {
	ch       *amqp091.Channel
	exchange string
}

// Declare creates a durable queue and binds it to the exchange. Both
// operations are idempotent on RabbitMQ.
func (c *channel) Declare(ctx context.Context, queue, pattern string) error {
	if err := broker.ValidatePattern(pattern); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %q: %w", queue, mapErr(err))
	}
	if err := c.ch.QueueBind(queue, pattern, c.exchange, false, nil); err != nil {
		return fmt.Errorf("binding %q to %q: %w", queue, pattern, mapErr(err))
	}
	return nil
}

// Publish sends msg to the exchange and waits for the publisher confirm.
func (c *channel) Publish(ctx context.Context, msg broker.Publishing) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, c.exchange, msg.Key, false, false, toPublishing(msg))
	if err != nil {
		return mapErr(err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPublishNacked, msg.Key)
	}
	return nil
}

// Consume starts a manual-ack consumer on queue.
func (c *channel) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	ds, err := c.ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, mapErr(err)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for d := range ds {
			select {
			case out <- fromDelivery(queue, d):
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			}
		}
	}()
	return out, nil
}

func (c *channel) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
	}
	return nil
}

func toPublishing(msg broker.Publishing) amqp091.Publishing {
	p := amqp091.Publishing{
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageID,
		DeliveryMode: amqp091.Transient,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	}
	if msg.Persistent {
		p.DeliveryMode = amqp091.Persistent
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp091.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

func fromDelivery(queue string, d amqp091.Delivery) broker.Delivery {
	var headers map[string]string
	if len(d.Headers) > 0 {
		headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				headers[k] = s
				continue
			}
			headers[k] = fmt.Sprint(v)
		}
	}
	return broker.Delivery{
		Queue:        queue,
		Key:          d.RoutingKey,
		Body:         d.Body,
		MessageID:    d.MessageId,
		Headers:      headers,
		Redelivered:  d.Redelivered,
		Acknowledger: &acker{d: d},
	}
}

// acker settles a delivery once. A second ack on the same tag would close
// the channel with PRECONDITION_FAILED.
type acker struct {
	d       amqp091.Delivery
	settled atomic.Bool
}

func (a *acker) Ack() error {
	if !a.settled.CompareAndSwap(false, true) {
		return broker.ErrAlreadySettled
	}
	return mapErr(a.d.Ack(false))
}

func (a *acker) Nack(requeue bool) error {
	if !a.settled.CompareAndSwap(false, true) {
		return broker.ErrAlreadySettled
	}
	return mapErr(a.d.Nack(false, requeue))
}
