package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/nerrad567/fleetbus/internal/broker"
)

var _ broker.Dialer = (*Broker)(nil)

// ErrConnectionDropped is the cause reported to connections cut by Drop.
var ErrConnectionDropped = errors.New("memory: connection dropped")

// Broker is an in-memory topic exchange. It also acts as the Dialer for its
// own connections.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	bindings map[string]map[string]struct{} // queue -> patterns
	conns    map[*conn]struct{}

	// changed is closed and replaced whenever queue or channel state changes,
	// waking consumers blocked in take.
	changed chan struct{}

	nextTag uint64

	dialErrs  []error
	published int
	dropped   int
}

type queue struct {
	name    string
	pending []*message
}

type message struct {
	pub         broker.Publishing
	redelivered bool
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{
		queues:   make(map[string]*queue),
		bindings: make(map[string]map[string]struct{}),
		conns:    make(map[*conn]struct{}),
		changed:  make(chan struct{}),
	}
}

// Endpoint implements broker.Dialer.
func (b *Broker) Endpoint() string { return "memory://local" }

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}

	c := &conn{
		b:        b,
		closed:   make(chan error, 1),
		channels: make(map[*channel]struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes the next n calls to Dial fail with err.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for range n {
		b.dialErrs = append(b.dialErrs, err)
	}
}

// Drop cuts every live connection as a network failure would. Unacknowledged
// deliveries return to their queues marked as redelivered.
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(ErrConnectionDropped)
	}
}

// Depth returns the number of ready messages in queue.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.pending)
	}
	return 0
}

// Unacked returns the number of deliveries from queue not yet settled.
func (b *Broker) Unacked(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		for ch := range c.channels {
			for _, d := range ch.unacked {
				if d.queue == queue {
					n++
				}
			}
		}
	}
	return n
}

// Queues returns the declared queues and the patterns bound to each.
func (b *Broker) Queues() map[string][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]string, len(b.bindings))
	for q, patterns := range b.bindings {
		for p := range patterns {
			out[q] = append(out[q], p)
		}
	}
	return out
}

// Stats returns how many publishes were routed to at least one queue and how
// many matched none.
func (b *Broker) Stats() (published, unroutable int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published, b.dropped
}

func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) declare(queueName, pattern string) error {
	if queueName == "" {
		return fmt.Errorf("%w: empty queue name", broker.ErrUnknownQueue)
	}
	if err := broker.ValidatePattern(pattern); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queueName]; !ok {
		b.queues[queueName] = &queue{name: queueName}
		b.bindings[queueName] = make(map[string]struct{})
	}
	b.bindings[queueName][pattern] = struct{}{}
	return nil
}

func (b *Broker) publish(p broker.Publishing) {
	p.Body = bytes.Clone(p.Body)
	p.Headers = maps.Clone(p.Headers)

	b.mu.Lock()
	defer b.mu.Unlock()

	routed := false
	for name, patterns := range b.bindings {
		for pattern := range patterns {
			if broker.Match(pattern, p.Key) {
				q := b.queues[name]
				q.pending = append(q.pending, &message{pub: p})
				routed = true
				break
			}
		}
	}
	if routed {
		b.published++
		b.broadcastLocked()
	} else {
		b.dropped++
	}
}

// take blocks until ch may receive another message from queueName and one is
// ready. It returns nil once ctx is done or the channel closes.
func (b *Broker) take(ctx context.Context, ch *channel, queueName string) *delivery {
	for {
		b.mu.Lock()
		if ch.isClosedLocked() {
			b.mu.Unlock()
			return nil
		}
		q := b.queues[queueName]
		if q != nil && len(q.pending) > 0 && (ch.prefetch == 0 || len(ch.unacked) < ch.prefetch) {
			m := q.pending[0]
			q.pending = q.pending[1:]
			b.nextTag++
			d := &delivery{tag: b.nextTag, queue: queueName, msg: m, ch: ch}
			ch.unacked[d.tag] = d
			b.mu.Unlock()
			return d
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil
		}
	}
}

// settle removes a delivery from its channel, putting it back at the head of
// its queue when requeue is set.
func (b *Broker) settle(d *delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := d.ch.unacked[d.tag]; !ok {
		if d.ch.isClosedLocked() {
			return broker.ErrClosed
		}
		return broker.ErrAlreadySettled
	}
	delete(d.ch.unacked, d.tag)
	if requeue {
		b.returnLocked(d)
	}
	b.broadcastLocked()
	return nil
}

func (b *Broker) returnLocked(d *delivery) {
	q := b.queues[d.queue]
	if q == nil {
		return
	}
	m := *d.msg
	m.redelivered = true
	q.pending = append([]*message{&m}, q.pending...)
}
