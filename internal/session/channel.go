package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/fleetbus/internal/broker"
)

// Channel is a consumer channel with its own flow-control budget.
type Channel struct {
	sess   *Session
	ch     broker.Channel
	budget *Budget

	satMu     sync.Mutex
	saturated bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// OpenChannel opens a consumer channel whose prefetch ceiling is budget.
// The session must be Ready or Degraded.
func (s *Session) OpenChannel(budget int) (*Channel, error) {
	s.mu.Lock()
	if !s.state.Connected() {
		st := s.state
		s.mu.Unlock()
		return nil, &InvalidStateError{Op: "open channel", State: st}
	}
	conn := s.conn
	s.mu.Unlock()

	b := NewBudget(budget)
	raw, err := conn.Channel(b.Limit())
	if err != nil {
		return nil, fmt.Errorf("session: opening channel: %w", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &Channel{
		sess:   s,
		ch:     raw,
		budget: b,
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	if !s.state.Connected() {
		st := s.state
		s.mu.Unlock()
		cancel()
		_ = raw.Close()
		return nil, &InvalidStateError{Op: "open channel", State: st}
	}
	s.channels[c] = struct{}{}
	s.mu.Unlock()

	return c, nil
}

// Consume starts delivery from queue. The returned channel is closed when
// ctx is done, the Channel is closed, or the connection goes away.
func (c *Channel) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	cctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	deliveries, err := c.ch.Consume(cctx, queue)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	go func() {
		<-cctx.Done()
		stop()
	}()
	return deliveries, nil
}

// Reserve takes a budget slot before a delivery is pulled, blocking while
// the budget is exhausted. The slot does not count as in flight until Hold.
func (c *Channel) Reserve(ctx context.Context) error {
	return c.budget.Reserve(ctx)
}

// Hold marks a reserved slot as holding the delivery just received.
func (c *Channel) Hold() {
	c.budget.Hold()
	c.syncSaturation()
}

// Unreserve returns a reserved slot when no delivery arrived for it.
func (c *Channel) Unreserve() {
	c.budget.Unreserve()
}

// Acquire reserves and holds a budget slot in one step.
func (c *Channel) Acquire(ctx context.Context) error {
	if err := c.budget.Acquire(ctx); err != nil {
		return err
	}
	c.syncSaturation()
	return nil
}

// Release returns a held slot once its delivery is settled or abandoned.
func (c *Channel) Release() {
	c.budget.Release()
	c.syncSaturation()
}

func (c *Channel) syncSaturation() {
	c.satMu.Lock()
	defer c.satMu.Unlock()
	now := c.budget.Saturated()
	if now == c.saturated {
		return
	}
	c.saturated = now
	if now {
		c.sess.adjustSaturation(1)
	} else {
		c.sess.adjustSaturation(-1)
	}
}

// Budget returns the channel's flow-control budget.
func (c *Channel) Budget() *Budget { return c.budget }

// Done is closed when the channel can no longer deliver.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// Close closes the channel. Unsettled deliveries are returned to the broker.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.satMu.Lock()
		if c.saturated {
			c.saturated = false
			c.sess.adjustSaturation(-1)
		}
		c.satMu.Unlock()
		c.sess.forget(c)
		if err := c.ch.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
