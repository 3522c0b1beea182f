package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/nerrad567/fleetbus/internal/broker"
)

type conn struct {
	b *Broker

	// channels and isClosed are guarded by b.mu.
	channels map[*channel]struct{}
	isClosed bool

	closed    chan error
	closeOnce sync.Once
}

func (c *conn) Channel(prefetch int) (broker.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.isClosed {
		return nil, broker.ErrClosed
	}
	ch := &channel{
		c:        c,
		prefetch: prefetch,
		unacked:  make(map[uint64]*delivery),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *conn) NotifyClose() <-chan error { return c.closed }

func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown closes every channel and reports cause on NotifyClose. A nil
// cause closes the notification channel without a value, as a graceful
// close does on a real broker.
func (c *conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.b.mu.Lock()
		c.isClosed = true
		for ch := range c.channels {
			ch.closeLocked()
		}
		delete(c.b.conns, c)
		c.b.broadcastLocked()
		c.b.mu.Unlock()

		if cause != nil {
			c.closed <- cause
		}
		close(c.closed)
	})
}

type channel struct {
	c        *conn
	prefetch int

	// guarded by c.b.mu
	unacked  map[uint64]*delivery
	isClosed bool
}

func (ch *channel) isClosedLocked() bool { return ch.isClosed || ch.c.isClosed }

// closeLocked returns unacked deliveries to their queues in delivery order.
func (ch *channel) closeLocked() {
	if ch.isClosed {
		return
	}
	ch.isClosed = true
	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	for i := len(tags) - 1; i >= 0; i-- {
		ch.c.b.returnLocked(ch.unacked[tags[i]])
	}
	clear(ch.unacked)
	delete(ch.c.channels, ch)
}

func (ch *channel) Declare(ctx context.Context, queue, pattern string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.closedNow() {
		return broker.ErrClosed
	}
	return ch.c.b.declare(queue, pattern)
}

func (ch *channel) Publish(ctx context.Context, p broker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.closedNow() {
		return broker.ErrClosed
	}
	ch.c.b.publish(p)
	return nil
}

func (ch *channel) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	b := ch.c.b
	b.mu.Lock()
	if ch.isClosedLocked() {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	if _, ok := b.queues[queue]; !ok {
		b.mu.Unlock()
		return nil, broker.ErrUnknownQueue
	}
	b.mu.Unlock()

	// Stop consuming when the channel closes even if ctx lives on.
	cctx, cancel := context.WithCancel(ctx)
	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		defer cancel()
		go ch.cancelOnClose(cctx, cancel)

		for {
			d := b.take(cctx, ch, queue)
			if d == nil {
				return
			}
			select {
			case out <- d.toBroker():
			case <-cctx.Done():
				_ = b.settle(d, true)
				return
			}
		}
	}()
	return out, nil
}

func (ch *channel) cancelOnClose(ctx context.Context, cancel context.CancelFunc) {
	for {
		b := ch.c.b
		b.mu.Lock()
		if ch.isClosedLocked() {
			b.mu.Unlock()
			cancel()
			return
		}
		wait := b.changed
		b.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
	}
}

func (ch *channel) Close() error {
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.isClosed {
		return nil
	}
	ch.closeLocked()
	b.broadcastLocked()
	return nil
}

func (ch *channel) closedNow() bool {
	ch.c.b.mu.Lock()
	defer ch.c.b.mu.Unlock()
	return ch.isClosedLocked()
}

type delivery struct {
	tag   uint64
	queue string
	msg   *message
	ch    *channel
}

func (d *delivery) toBroker() broker.Delivery {
	p := d.msg.pub
	return broker.Delivery{
		Queue:        d.queue,
		Key:          p.Key,
		Body:         p.Body,
		MessageID:    p.MessageID,
		Headers:      p.Headers,
		Redelivered:  d.msg.redelivered,
		Acknowledger: acker{d: d},
	}
}

type acker struct{ d *delivery }

func (a acker) Ack() error              { return a.d.ch.c.b.settle(a.d, false) }
func (a acker) Nack(requeue bool) error { return a.d.ch.c.b.settle(a.d, requeue) }
