package natsjs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nerrad567/fleetbus/internal/broker"
)

// Header names carrying broker.Publishing fields.
const (
	HeaderMessageID   = "Fleetbus-Message-Id"
	HeaderContentType = "Content-Type"
)

// fetchRetryDelay is the pause after a failed pull request.
const fetchRetryDelay = 250 * time.Millisecond

// channel is a set of consumers and a publisher sharing one prefetch window.
//
// Thread Safety:
//   - window holds one token per unacknowledged delivery.
//   - unacked and isClosed are guarded by mu.
type channel struct {
	c      *conn
	window chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	unacked  map[*acker]struct{}
	isClosed bool
}

// Declare creates the durable consumer for queue, or adds pattern to its
// filter subjects when the consumer already exists.
func (ch *channel) Declare(ctx context.Context, queue, pattern string) error {
	filter, err := FilterSubject(ch.c.stream, pattern)
	if err != nil {
		return err
	}
	if ch.closedNow() {
		return broker.ErrClosed
	}

	name := DurableName(queue)
	js := ch.c.js
	cons, err := js.Consumer(ctx, ch.c.stream, name)
	switch {
	case errors.Is(err, jetstream.ErrConsumerNotFound):
		_, err = js.CreateConsumer(ctx, ch.c.stream, jetstream.ConsumerConfig{
			Durable:        name,
			Description:    queue,
			FilterSubjects: []string{filter},
			AckPolicy:      jetstream.AckExplicitPolicy,
			DeliverPolicy:  jetstream.DeliverNewPolicy,
			AckWait:        ackWait,
			MaxDeliver:     -1,
		})
	case err != nil:
	default:
		cfg := cons.CachedInfo().Config
		filters := cfg.FilterSubjects
		if cfg.FilterSubject != "" {
			filters = append(filters, cfg.FilterSubject)
		}
		if slices.Contains(filters, filter) {
			return nil
		}
		cfg.FilterSubject = ""
		cfg.FilterSubjects = append(filters, filter)
		_, err = js.UpdateConsumer(ctx, ch.c.stream, cfg)
	}
	if err != nil {
		return fmt.Errorf("declaring consumer %q: %w", name, mapErr(err))
	}
	return nil
}

// Publish stores msg in the stream and returns once the server has
// acknowledged it.
func (ch *channel) Publish(ctx context.Context, msg broker.Publishing) error {
	if ch.closedNow() {
		return broker.ErrClosed
	}
	m := nats.NewMsg(Subject(ch.c.stream, msg.Key))
	m.Data = msg.Body
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.MessageID != "" {
		m.Header.Set(HeaderMessageID, msg.MessageID)
	}
	if msg.ContentType != "" {
		m.Header.Set(HeaderContentType, msg.ContentType)
	}
	if _, err := ch.c.js.PublishMsg(ctx, m); err != nil {
		return fmt.Errorf("publishing %q: %w", msg.Key, mapErr(err))
	}
	return nil
}

// Consume pulls from the durable consumer behind queue.
func (ch *channel) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	if ch.closedNow() {
		return nil, broker.ErrClosed
	}
	if ch.window == nil {
		return nil, fmt.Errorf("natsjs: consume on a publish-only channel")
	}
	cons, err := ch.c.js.Consumer(ctx, ch.c.stream, DurableName(queue))
	if err != nil {
		return nil, mapErr(err)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			n := ch.reserve(ctx)
			if n == 0 {
				return
			}
			batch, err := cons.Fetch(n, jetstream.FetchMaxWait(fetchWait))
			if err != nil {
				ch.release(n)
				if errors.Is(err, nats.ErrConnectionClosed) {
					return
				}
				select {
				case <-time.After(fetchRetryDelay):
					continue
				case <-ctx.Done():
					return
				case <-ch.done:
					return
				}
			}

			used := 0
			for m := range batch.Messages() {
				used++
				a := ch.track(m)
				if a == nil {
					_ = m.Nak()
					continue
				}
				select {
				case out <- ch.toDelivery(queue, m, a):
				case <-ctx.Done():
					_ = a.Nack(true)
				case <-ch.done:
				}
			}
			ch.release(n - used)
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out, nil
}

// reserve blocks until at least one window slot is free and takes every
// free slot. It returns 0 when ctx ends or the channel closes.
func (ch *channel) reserve(ctx context.Context) int {
	select {
	case ch.window <- struct{}{}:
	case <-ctx.Done():
		return 0
	case <-ch.done:
		return 0
	}
	n := 1
	for n < cap(ch.window) {
		select {
		case ch.window <- struct{}{}:
			n++
		default:
			return n
		}
	}
	return n
}

func (ch *channel) release(n int) {
	for range n {
		<-ch.window
	}
}

// track registers m as unacknowledged. It returns nil once the channel is
// closed.
func (ch *channel) track(m jetstream.Msg) *acker {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.isClosed {
		return nil
	}
	a := &acker{ch: ch, m: m}
	ch.unacked[a] = struct{}{}
	return a
}

// untrack removes a and frees its window slot. It reports false if a was
// already settled or returned by Close.
func (ch *channel) untrack(a *acker) bool {
	ch.mu.Lock()
	_, ok := ch.unacked[a]
	delete(ch.unacked, a)
	ch.mu.Unlock()
	if ok {
		ch.release(1)
	}
	return ok
}

func (ch *channel) toDelivery(queue string, m jetstream.Msg, a *acker) broker.Delivery {
	var headers map[string]string
	var id string
	for k, vs := range m.Headers() {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case HeaderMessageID:
			id = vs[0]
		case HeaderContentType:
		default:
			if headers == nil {
				headers = make(map[string]string)
			}
			headers[k] = vs[0]
		}
	}

	redelivered := false
	if meta, err := m.Metadata(); err == nil {
		redelivered = meta.NumDelivered > 1
	}

	return broker.Delivery{
		Queue:        queue,
		Key:          Key(ch.c.stream, m.Subject()),
		Body:         m.Data(),
		MessageID:    id,
		Headers:      headers,
		Redelivered:  redelivered,
		Acknowledger: a,
	}
}

func (ch *channel) closedNow() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.isClosed || ch.c.nc.IsClosed()
}

// Close NAKs every unacknowledged delivery so the server redelivers it at
// once instead of after the ack wait.
func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.isClosed {
		ch.mu.Unlock()
		return nil
	}
	ch.isClosed = true
	close(ch.done)
	pending := make([]*acker, 0, len(ch.unacked))
	for a := range ch.unacked {
		pending = append(pending, a)
	}
	clear(ch.unacked)
	ch.mu.Unlock()

	if ch.c.nc.IsClosed() {
		return nil
	}
	for _, a := range pending {
		a.settled.Store(true)
		_ = a.m.Nak()
	}
	return nil
}

type acker struct {
	ch      *channel
	m       jetstream.Msg
	settled atomic.Bool
}

func (a *acker) settle() error {
	if a.ch.closedNow() {
		return broker.ErrClosed
	}
	if !a.settled.CompareAndSwap(false, true) || !a.ch.untrack(a) {
		return broker.ErrAlreadySettled
	}
	return nil
}

func (a *acker) Ack() error {
	if err := a.settle(); err != nil {
		return err
	}
	return mapErr(a.m.Ack())
}

func (a *acker) Nack(requeue bool) error {
	if err := a.settle(); err != nil {
		return err
	}
	if requeue {
		return mapErr(a.m.Nak())
	}
	return mapErr(a.m.Term())
}
