package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/deadletter"
	"github.com/nerrad567/fleetbus/internal/publisher"
	"github.com/nerrad567/fleetbus/internal/retry"
	"github.com/nerrad567/fleetbus/internal/session"
	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/supervisor"
	"github.com/nerrad567/fleetbus/internal/topic"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultPrefetch   = 10
	DefaultDedupeSize = 4096

	defaultRebindDelay = time.Second
)

// HeaderReason carries the dead-letter reason on dead-letter publishings.
const HeaderReason = "x-dead-letter-reason"

// Config holds dispatcher settings.
type Config struct {
	// Prefetch is the flow-control budget of every consumer channel.
	Prefetch int

	// MaxRetries is the retry ceiling passed to retry.Decide.
	MaxRetries int

	// Entity switches the dispatcher to per-entity queues: one queue per
	// category, receiving only messages addressed to this entity.
	Entity string

	// HandlerTimeout bounds each handler call. Zero means no limit.
	HandlerTimeout time.Duration

	// DedupeSize is the number of settled (id, attempt) pairs remembered to
	// recognise redelivered duplicates.
	DedupeSize int
}

// SessionSource hands out healthy sessions. *supervisor.Supervisor
// satisfies it.
type SessionSource interface {
	WaitHealthy(ctx context.Context) (*session.Session, error)
}

// Logger defines the logging interface for the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// subscription is one queue consumed by one loop.
type subscription struct {
	name    string
	streams []stream.Type
	bind    func(ctx context.Context, sess *session.Session) (topic.QueueHandle, error)
}

// Dispatcher consumes bound queues and settles every delivery.
type Dispatcher struct {
	source   SessionSource
	router   *topic.Router
	registry *Registry
	cfg      Config
	logger   Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	settled *lru.Cache[string, struct{}]

	delivered    atomic.Uint64
	acked        atomic.Uint64
	requeued     atomic.Uint64
	deadLettered atomic.Uint64
	poisoned     atomic.Uint64
	duplicates   atomic.Uint64
	panics       atomic.Uint64

	chMu     sync.Mutex
	channels map[string]*session.Channel
	peak     int
}

// New creates a Dispatcher for the handlers in registry.
func New(source SessionSource, router *topic.Router, registry *Registry, cfg Config) (*Dispatcher, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = retry.DefaultMaxRetries
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if cfg.Entity != "" {
		if err := topic.ValidateEntityID(cfg.Entity); err != nil {
			return nil, err
		}
	}

	settled, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedupe cache: %w", err)
	}

	return &Dispatcher{
		source:   source,
		router:   router,
		registry: registry,
		cfg:      cfg,
		logger:   noopLogger{},
		now:      time.Now,
		sleep:    sleepContext,
		settled:  settled,
		channels: make(map[string]*session.Channel),
	}, nil
}

// SetLogger sets the logger for delivery outcomes and loop events.
func (d *Dispatcher) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
}

// Run consumes every subscription until ctx is cancelled (returns nil) or the
// session source can no longer provide sessions (returns its error, e.g.
// supervisor.ErrGivenUp).
func (d *Dispatcher) Run(ctx context.Context) error {
	subs := d.subscriptions()
	if len(subs) == 0 {
		return ErrNoHandlers
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error { return d.loop(gctx, sub) })
	}
	return g.Wait()
}

func (d *Dispatcher) subscriptions() []subscription {
	if d.cfg.Entity == "" {
		var subs []subscription
		for _, t := range d.registry.Streams() {
			subs = append(subs, subscription{
				name:    string(t),
				streams: []stream.Type{t},
				bind: func(ctx context.Context, sess *session.Session) (topic.QueueHandle, error) {
					return d.router.Bind(ctx, sess, t)
				},
			})
		}
		return subs
	}

	var subs []subscription
	for _, category := range d.registry.Categories() {
		var streams []stream.Type
		for _, t := range d.registry.Streams() {
			if t.Category() == category {
				streams = append(streams, t)
			}
		}
		subs = append(subs, subscription{
			name:    d.cfg.Entity + "/" + category,
			streams: streams,
			bind: func(ctx context.Context, sess *session.Session) (topic.QueueHandle, error) {
				return d.router.BindEntity(ctx, sess, category, d.cfg.Entity)
			},
		})
	}
	return subs
}

// loop consumes one subscription across session replacements.
func (d *Dispatcher) loop(ctx context.Context, sub subscription) error {
	for {
		sess, err := d.source.WaitHealthy(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, supervisor.ErrStopped) {
				return nil
			}
			return fmt.Errorf("dispatch %s: %w", sub.name, err)
		}

		err = d.consume(ctx, sess, sub)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, errChannelClosed) {
			d.logger.Warn("consumer loop interrupted",
				"subscription", sub.name,
				"error", err,
			)
		}

		// Retry on the same session after a pause; a dropped session sends
		// us back to WaitHealthy for its replacement.
		if sess.State().Connected() {
			if err := d.sleep(ctx, defaultRebindDelay); err != nil {
				return nil
			}
		}
	}
}

// consume binds the subscription's queue on sess and processes deliveries
// until the channel closes or ctx ends.
func (d *Dispatcher) consume(ctx context.Context, sess *session.Session, sub subscription) error {
	h, err := sub.bind(ctx, sess)
	if err != nil {
		return err
	}

	ch, err := sess.OpenChannel(d.cfg.Prefetch)
	if err != nil {
		return err
	}
	d.track(sub.name, ch)

	cctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		_ = ch.Close()
		d.untrack(sub.name, ch)
	}()

	deliveries, err := ch.Consume(cctx, h.Name)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ch.Done():
			cancel()
		case <-cctx.Done():
		}
	}()

	d.logger.Info("consuming queue",
		"queue", h.Name,
		"pattern", h.Pattern,
		"prefetch", ch.Budget().Limit(),
		"generation", sess.Generation(),
	)

	lanes := newLanes(&wg, func(del broker.Delivery) {
		d.handle(cctx, sess, ch, h, sub, del)
	})

	for {
		// The budget slot is reserved before the next delivery is pulled.
		if err := ch.Reserve(cctx); err != nil {
			return nil
		}
		select {
		case del, ok := <-deliveries:
			if !ok {
				ch.Unreserve()
				return errChannelClosed
			}
			ch.Hold()
			d.delivered.Add(1)
			lanes.submit(laneKey(del), del)
		case <-cctx.Done():
			ch.Unreserve()
			return nil
		}
	}
}

func laneKey(del broker.Delivery) string {
	if _, entity, err := topic.Parse(del.Key); err == nil {
		return entity
	}
	return del.Key
}

// handle settles one delivery and releases its budget slot.
func (d *Dispatcher) handle(ctx context.Context, sess *session.Session, ch *session.Channel,
	h topic.QueueHandle, sub subscription, del broker.Delivery,
) {
	defer ch.Release()

	// Shutting down: leave it for redelivery.
	if ctx.Err() != nil {
		return
	}

	env, err := stream.DecodeEnvelope(del.Body)
	if err != nil {
		d.poison(ctx, sess, h, sub, del, err)
		return
	}
	if err := checkEnvelope(env, del.Key, sub.streams); err != nil {
		d.abandon(ctx, sess, h, del, env, err)
		return
	}

	id := settledKey(env)
	if d.settled.Contains(id) {
		d.duplicates.Add(1)
		d.logger.Debug("duplicate delivery acknowledged", "key", del.Key, "id", env.ID, "attempt", env.Attempt())
		d.ack(del, id)
		return
	}

	handler, ok := d.registry.Handler(env.Stream)
	if !ok {
		d.abandon(ctx, sess, h, del, env, fmt.Errorf("no handler for %s", env.Stream))
		return
	}

	err = d.invoke(ctx, handler, env)
	if err == nil {
		if d.ack(del, id) {
			d.acked.Add(1)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	d.fail(ctx, sess, h, del, env, err)
}

// checkEnvelope rejects envelopes that arrived on the wrong queue, under a
// key that does not match their content, or with an invalid payload.
func checkEnvelope(env stream.Envelope, key string, accepted []stream.Type) error {
	if !slices.Contains(accepted, env.Stream) {
		return fmt.Errorf("unexpected stream %s on this queue", env.Stream)
	}
	want, err := topic.KeyFor(env.Stream, env.EntityID)
	if err != nil {
		return err
	}
	if string(want) != key {
		return fmt.Errorf("routing key %q does not match envelope key %q", key, want)
	}
	if _, err := stream.Validate(env.Stream, env.Payload); err != nil {
		return err
	}
	return nil
}

func settledKey(env stream.Envelope) string {
	return env.ID + "/" + strconv.Itoa(env.Attempt())
}

// invoke calls h, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, env stream.Envelope) (err error) {
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("handler panic recovered",
				"stream", string(env.Stream),
				"entity", env.EntityID,
				"id", env.ID,
				"panic", r,
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}

// fail applies the retry policy to a handler failure.
func (d *Dispatcher) fail(ctx context.Context, sess *session.Session, h topic.QueueHandle,
	del broker.Delivery, env stream.Envelope, cause error,
) {
	count := env.Attempt() + 1
	decision := retry.Decide(count, d.cfg.MaxRetries)
	if IsPermanent(cause) {
		decision = retry.Abandon(count)
	}

	next, err := env.Escalate(decision)
	if err != nil {
		d.logger.Error("escalating envelope", "id", env.ID, "error", err)
		_ = del.Nack(true)
		return
	}

	switch decision.Action() {
	case retry.Requeue:
		msg, err := publisher.Encode(next)
		if err == nil {
			err = sess.Publish(ctx, msg)
		}
		if err != nil {
			d.logger.Error("requeue failed, returning delivery to broker",
				"key", del.Key,
				"id", env.ID,
				"error", err,
			)
			_ = del.Nack(true)
			return
		}
		if d.ack(del, settledKey(env)) {
			d.requeued.Add(1)
		}
		d.logger.Debug("message requeued",
			"key", del.Key,
			"id", env.ID,
			"attempt", next.Attempt(),
			"error", cause,
		)

	case retry.DeadLetter:
		rec := deadletter.NewRecord(next, cause.Error(), h.Name, del.Key, d.now())
		d.deadLetter(ctx, sess, del, rec, settledKey(env))
	}
}

// abandon dead-letters a decoded envelope that can never be processed.
func (d *Dispatcher) abandon(ctx context.Context, sess *session.Session, h topic.QueueHandle,
	del broker.Delivery, env stream.Envelope, cause error,
) {
	next, err := env.Escalate(retry.Abandon(env.Attempt() + 1))
	if err != nil {
		next = env
	}
	d.poisoned.Add(1)
	rec := deadletter.NewRecord(next, "rejected: "+cause.Error(), h.Name, del.Key, d.now())
	d.deadLetter(ctx, sess, del, rec, settledKey(env))
}

// poison dead-letters a delivery whose body is not an envelope.
func (d *Dispatcher) poison(ctx context.Context, sess *session.Session, h topic.QueueHandle,
	sub subscription, del broker.Delivery, cause error,
) {
	st := sub.streams[0]
	if parsed, _, err := topic.Parse(del.Key); err == nil {
		st = parsed
	}
	d.poisoned.Add(1)
	rec := deadletter.NewPoisonRecord(st, del.Body, "undecodable: "+cause.Error(), h.Name, del.Key, d.now())
	d.deadLetter(ctx, sess, del, rec, "")
}

func (d *Dispatcher) deadLetter(ctx context.Context, sess *session.Session, del broker.Delivery,
	rec deadletter.Record, id string,
) {
	body, err := rec.Encode()
	if err == nil {
		err = sess.Publish(ctx, broker.Publishing{
			Key:         string(rec.RouteKey()),
			Body:        body,
			ContentType: publisher.ContentType,
			MessageID:   rec.ID,
			Persistent:  true,
			Timestamp:   rec.FailedAt,
			Headers:     map[string]string{HeaderReason: rec.Reason},
		})
	}
	if err != nil {
		d.logger.Error("dead-letter publish failed, returning delivery to broker",
			"key", del.Key,
			"error", err,
		)
		_ = del.Nack(true)
		return
	}

	if d.ack(del, id) {
		d.deadLettered.Add(1)
	}
	d.logger.Warn("message dead-lettered",
		"key", del.Key,
		"queue", rec.SourceQueue,
		"attempts", rec.Attempts,
		"reason", rec.Reason,
		"record", rec.ID,
	)
}

// ack acknowledges del and remembers id as settled.
func (d *Dispatcher) ack(del broker.Delivery, id string) bool {
	if err := del.Ack(); err != nil {
		d.logger.Warn("ack failed", "key", del.Key, "error", err)
		return false
	}
	if id != "" {
		d.settled.Add(id, struct{}{})
	}
	return true
}

func (d *Dispatcher) track(name string, ch *session.Channel) {
	d.chMu.Lock()
	d.channels[name] = ch
	d.chMu.Unlock()
}

func (d *Dispatcher) untrack(name string, ch *session.Channel) {
	d.chMu.Lock()
	defer d.chMu.Unlock()
	d.peak = max(d.peak, ch.Budget().Peak())
	if d.channels[name] == ch {
		delete(d.channels, name)
	}
}

// Stats holds dispatcher counters.
type Stats struct {
	Delivered    uint64 `json:"delivered"`
	Acked        uint64 `json:"acked"`
	Requeued     uint64 `json:"requeued"`
	DeadLettered uint64 `json:"dead_lettered"`
	Poisoned     uint64 `json:"poisoned"`
	Duplicates   uint64 `json:"duplicates"`
	Panics       uint64 `json:"panics"`

	// InFlight is the number of deliveries currently held across channels;
	// Peak is the highest count any single channel has held.
	InFlight int `json:"in_flight"`
	Peak     int `json:"peak"`
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Delivered:    d.delivered.Load(),
		Acked:        d.acked.Load(),
		Requeued:     d.requeued.Load(),
		DeadLettered: d.deadLettered.Load(),
		Poisoned:     d.poisoned.Load(),
		Duplicates:   d.duplicates.Load(),
		Panics:       d.panics.Load(),
	}

	d.chMu.Lock()
	defer d.chMu.Unlock()
	s.Peak = d.peak
	for _, ch := range d.channels {
		s.InFlight += ch.Budget().InFlight()
		s.Peak = max(s.Peak, ch.Budget().Peak())
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
