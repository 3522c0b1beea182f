package mqtt

import (
	"context"
	"fmt"
	"slices"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fleetbus/internal/broker"
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

type channel struct {
	c        *conn
	prefetch int
	done     chan struct{}

	// guarded by c.mu
	unacked  map[uint64]*delivery
	isClosed bool
}

func (ch *channel) isClosedLocked() bool { return ch.isClosed || ch.c.isClosed }

// closeLocked returns unacked deliveries to the front of their queues in
// delivery order.
func (ch *channel) closeLocked() {
	if ch.isClosed {
		return
	}
	ch.isClosed = true
	close(ch.done)

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	for i := len(tags) - 1; i >= 0; i-- {
		ch.unacked[tags[i]].requeueLocked()
	}
	clear(ch.unacked)
	delete(ch.c.channels, ch)
}

// Declare subscribes the shared group named queue to pattern. Repeating a
// declaration is a no-op.
func (ch *channel) Declare(ctx context.Context, queueName, pattern string) error {
	if err := broker.ValidatePattern(pattern); err != nil {
		return err
	}
	filter, err := SharedFilter(queueName, pattern)
	if err != nil {
		return err
	}

	c := ch.c
	c.mu.Lock()
	if ch.isClosedLocked() {
		c.mu.Unlock()
		return broker.ErrClosed
	}
	if q, ok := c.queues[queueName]; ok && slices.Contains(q.patterns, pattern) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	token := c.client.Subscribe(filter, c.qos, nil)
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		for _, rc := range st.Result() {
			if rc == subackFailure {
				return fmt.Errorf("%w: %s: refused by broker", ErrSubscribeFailed, filter)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[queueName]
	if !ok {
		q = &queue{name: queueName}
		c.queues[queueName] = q
		c.order = append(c.order, q)
	}
	if !slices.Contains(q.patterns, pattern) {
		q.patterns = append(q.patterns, pattern)
	}
	c.adoptLocked(q)
	c.broadcastLocked()
	return nil
}

// Consume delivers messages from a declared queue, holding at most prefetch
// unacknowledged deliveries on this channel.
func (ch *channel) Consume(ctx context.Context, queueName string) (<-chan broker.Delivery, error) {
	c := ch.c
	c.mu.Lock()
	if ch.isClosedLocked() {
		c.mu.Unlock()
		return nil, broker.ErrClosed
	}
	q, ok := c.queues[queueName]
	c.mu.Unlock()
	if !ok {
		return nil, broker.ErrUnknownQueue
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			d := ch.take(ctx, q)
			if d == nil {
				return
			}
			select {
			case out <- d.toBroker():
			case <-ctx.Done():
				_ = d.settle(true)
				return
			case <-ch.done:
				return
			}
		}
	}()
	return out, nil
}

// take waits for a pending message and the prefetch window to allow it.
func (ch *channel) take(ctx context.Context, q *queue) *delivery {
	c := ch.c
	for {
		c.mu.Lock()
		if ch.isClosedLocked() {
			c.mu.Unlock()
			return nil
		}
		if len(q.pending) > 0 && (ch.prefetch <= 0 || len(ch.unacked) < ch.prefetch) {
			m := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			c.nextTag++
			d := &delivery{tag: c.nextTag, q: q, m: m, ch: ch}
			ch.unacked[d.tag] = d
			c.mu.Unlock()
			return d
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		case <-ch.done:
			return nil
		}
	}
}

func (ch *channel) Close() error {
	c := ch.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.isClosed {
		return nil
	}
	ch.closeLocked()
	c.broadcastLocked()
	return nil
}

type delivery struct {
	tag uint64
	q   *queue
	m   *message
	ch  *channel
}

func (d *delivery) toBroker() broker.Delivery {
	return broker.Delivery{
		Queue:        d.q.name,
		Key:          d.m.key,
		Body:         d.m.msg.Payload(),
		Redelivered:  d.m.redelivered,
		Acknowledger: d,
	}
}

func (d *delivery) requeueLocked() {
	d.m.redelivered = true
	d.q.pending = append([]*message{d.m}, d.q.pending...)
}

// settle removes d from its channel. A requeue puts the message back at the
// front of its queue; anything else acknowledges it to the broker.
func (d *delivery) settle(requeue bool) error {
	c := d.ch.c
	c.mu.Lock()
	if d.ch.isClosedLocked() {
		c.mu.Unlock()
		return broker.ErrClosed
	}
	if _, ok := d.ch.unacked[d.tag]; !ok {
		c.mu.Unlock()
		return broker.ErrAlreadySettled
	}
	delete(d.ch.unacked, d.tag)
	if requeue {
		d.requeueLocked()
	}
	c.broadcastLocked()
	c.mu.Unlock()

	if !requeue {
		d.m.msg.Ack()
	}
	return nil
}

func (d *delivery) Ack() error              { return d.settle(false) }
func (d *delivery) Nack(requeue bool) error { return d.settle(requeue) }
