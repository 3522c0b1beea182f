package redisstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/fleetbus/internal/broker"
)

const (
	// blockWait bounds one XREADGROUP so closed channels are noticed.
	blockWait = 2 * time.Second

	// claimIdle is how long another consumer's pending entry must sit
	// before Consume takes it over.
	claimIdle = time.Minute

	claimBatch = 100

	readRetryDelay = 250 * time.Millisecond
)

// channel shares one prefetch window between its consumers.
//
// Thread Safety:
//   - window holds one token per unacknowledged delivery.
type channel struct {
	c      *conn
	window chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	isClosed bool
}

// Declare records the binding and creates the queue stream and its group.
func (ch *channel) Declare(ctx context.Context, queue, pattern string) error {
	if err := broker.ValidatePattern(pattern); err != nil {
		return err
	}
	if ch.closedNow() {
		return broker.ErrClosed
	}

	client, ns := ch.c.client, ch.c.ns
	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, ns.queues(), queue)
		pipe.SAdd(ctx, ns.bindings(queue), pattern)
		return nil
	})
	if err != nil {
		return fmt.Errorf("binding %q to %q: %w", queue, pattern, err)
	}

	err = client.XGroupCreateMkStream(ctx, ns.stream(queue), group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group for %q: %w", queue, err)
	}
	return nil
}

// Publish appends msg to every queue bound to its key in one transaction.
func (ch *channel) Publish(ctx context.Context, msg broker.Publishing) error {
	if ch.closedNow() {
		return broker.ErrClosed
	}
	targets, err := ch.route(ctx, msg.Key)
	if err != nil {
		return fmt.Errorf("routing %q: %w", msg.Key, err)
	}
	if len(targets) == 0 {
		return nil
	}

	values := encode(msg)
	_, err = ch.c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, q := range targets {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: ch.c.ns.stream(q), Values: values})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing %q: %w", msg.Key, err)
	}
	return nil
}

// route returns the queues whose bindings match key, sorted by name.
func (ch *channel) route(ctx context.Context, key string) ([]string, error) {
	client, ns := ch.c.client, ch.c.ns
	queues, err := client.SMembers(ctx, ns.queues()).Result()
	if err != nil || len(queues) == 0 {
		return nil, err
	}

	cmds := make(map[string]*redis.StringSliceCmd, len(queues))
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, q := range queues {
			cmds[q] = pipe.SMembers(ctx, ns.bindings(q))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var targets []string
	for q, cmd := range cmds {
		if slices.ContainsFunc(cmd.Val(), func(p string) bool { return broker.Match(p, key) }) {
			targets = append(targets, q)
		}
	}
	slices.Sort(targets)
	return targets, nil
}

// Consume replays this consumer's pending entries, then reads new ones.
func (ch *channel) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	if ch.closedNow() {
		return nil, broker.ErrClosed
	}
	if ch.window == nil {
		return nil, ErrPublishOnly
	}
	client, ns := ch.c.client, ch.c.ns
	declared, err := client.SIsMember(ctx, ns.queues(), queue).Result()
	if err != nil {
		return nil, err
	}
	if !declared {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnknownQueue, queue)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		ch.claim(ctx, queue)

		// cursor "0" pages through the pending list; ">" reads new entries.
		cursor := "0"
		for {
			n := ch.reserve(ctx)
			if n == 0 {
				return
			}
			msgs, err := ch.read(ctx, queue, cursor, n)
			if err != nil {
				ch.release(n)
				if ch.c.isClosed() || !ch.pause(ctx) {
					return
				}
				continue
			}

			history := cursor != ">"
			if history && len(msgs) == 0 {
				cursor = ">"
			}

			used := 0
			for _, m := range msgs {
				if history {
					cursor = m.ID
				}
				if m.Values == nil {
					// Pending entry whose message was already deleted.
					_ = client.XAck(ctx, ns.stream(queue), group, m.ID).Err()
					continue
				}
				used++
				d := decode(queue, m)
				d.Redelivered = d.Redelivered || history
				d.Acknowledger = &acker{ch: ch, stream: ns.stream(queue), id: m.ID, values: m.Values}

				select {
				case out <- d:
				case <-ctx.Done():
					_ = d.Nack(true)
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

func (ch *channel) read(ctx context.Context, queue, cursor string, count int) ([]redis.XMessage, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: ch.c.consumer,
		Streams:  []string{ch.c.ns.stream(queue), cursor},
		Count:    int64(count),
		Block:    blockWait,
	}
	if cursor != ">" {
		args.Block = -1
	}
	streams, err := ch.c.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil || len(streams) == 0 {
		return nil, err
	}
	return streams[0].Messages, nil
}

// claim moves long-idle entries of other consumers into this consumer's
// pending list, where the replay at the start of Consume picks them up.
// Failures are ignored; the entries stay with their owner.
func (ch *channel) claim(ctx context.Context, queue string) {
	start := "0-0"
	for {
		_, next, err := ch.c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   ch.c.ns.stream(queue),
			Group:    group,
			Consumer: ch.c.consumer,
			MinIdle:  claimIdle,
			Start:    start,
			Count:    claimBatch,
		}).Result()
		if err != nil || next == "0-0" || next == "" {
			return
		}
		start = next
	}
}

// pause waits before retrying a failed read. It reports false when the
// consumer should stop instead.
func (ch *channel) pause(ctx context.Context) bool {
	select {
	case <-time.After(readRetryDelay):
		return true
	case <-ctx.Done():
		return false
	case <-ch.done:
		return false
	}
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

func (ch *channel) closedNow() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.isClosed || ch.c.isClosed()
}

// Close stops the channel's consumers. Unacknowledged entries stay in the
// consumer's pending list and are replayed by the next Consume.
func (ch *channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.isClosed {
		ch.isClosed = true
		close(ch.done)
	}
	return nil
}

type acker struct {
	ch      *channel
	stream  string
	id      string
	values  map[string]any
	settled atomic.Bool
}

func (a *acker) settle(requeue bool) error {
	if a.ch.closedNow() {
		return broker.ErrClosed
	}
	if !a.settled.CompareAndSwap(false, true) {
		return broker.ErrAlreadySettled
	}
	defer a.ch.release(1)

	ctx := context.Background()
	_, err := a.ch.c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if requeue {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: a.stream, Values: requeued(a.values)})
		}
		pipe.XAck(ctx, a.stream, group, a.id)
		pipe.XDel(ctx, a.stream, a.id)
		return nil
	})
	return err
}

func (a *acker) Ack() error              { return a.settle(false) }
func (a *acker) Nack(requeue bool) error { return a.settle(requeue) }
