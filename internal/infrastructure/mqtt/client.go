package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
)

// Dialer opens MQTT connections for one configured broker and client ID.
//
// Thread Safety:
//   - Dial may be called from multiple goroutines, but two live connections
//     with the same client ID evict each other at the broker.
type Dialer struct {
	cfg       config.BrokerConfig
	sess      config.SessionConfig
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
	logger    Logger
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// New returns a Dialer for the MQTT broker described by cfg.
func New(cfg config.BrokerConfig, sess config.SessionConfig) *Dialer {
	return &Dialer{
		cfg:       cfg,
		sess:      sess,
		newClient: pahomqtt.NewClient,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger used by connections dialled after the call.
func (d *Dialer) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
}

// Endpoint returns the broker URL. Credentials are never part of it.
func (d *Dialer) Endpoint() string {
	return brokerURL(d.cfg)
}

// Dial performs one MQTT connect handshake. It never retries.
func (d *Dialer) Dial(ctx context.Context) (broker.Conn, error) {
	if d.cfg.QoS < 1 || d.cfg.QoS > 2 {
		return nil, ErrInvalidQoS
	}

	c := newConn(byte(d.cfg.QoS), d.logger)
	opts := buildClientOptions(d.cfg, d.sess)
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		c.route(m)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	})

	c.client = d.newClient(opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, d.Endpoint(), err)
	}
	return c, nil
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, t pahomqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// message is one received PUBLISH awaiting acknowledgement.
type message struct {
	msg         pahomqtt.Message
	key         string
	redelivered bool
}

// queue is the local buffer behind one shared subscription group.
type queue struct {
	name     string
	patterns []string
	pending  []*message
}

func (q *queue) matches(key string) bool {
	for _, p := range q.patterns {
		if broker.Match(p, key) {
			return true
		}
	}
	return false
}

// conn is one live MQTT connection.
//
// Thread Safety:
//   - All fields below mu are guarded by it.
//   - changed is closed and replaced on every state change; waiters select on it.
type conn struct {
	client pahomqtt.Client
	qos    byte
	logger Logger

	mu       sync.Mutex
	queues   map[string]*queue
	order    []*queue
	orphans  []*message
	channels map[*channel]struct{}
	nextTag  uint64
	isClosed bool
	changed  chan struct{}

	closed    chan error
	closeOnce sync.Once
}

func newConn(qos byte, logger Logger) *conn {
	return &conn{
		qos:      qos,
		logger:   logger,
		queues:   make(map[string]*queue),
		channels: make(map[*channel]struct{}),
		changed:  make(chan struct{}),
		closed:   make(chan error, 1),
	}
}

func (c *conn) Channel(prefetch int) (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return nil, broker.ErrClosed
	}
	ch := &channel{
		c:        c,
		prefetch: prefetch,
		unacked:  make(map[uint64]*delivery),
		done:     make(chan struct{}),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *conn) NotifyClose() <-chan error { return c.closed }

func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown closes every channel, disconnects and reports cause on
// NotifyClose. A nil cause closes the notification channel without a value.
func (c *conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.isClosed = true
		for ch := range c.channels {
			ch.closeLocked()
		}
		c.broadcastLocked()
		c.mu.Unlock()

		if c.client != nil {
			c.client.Disconnect(defaultDisconnectQuiesce)
		}
		if cause != nil {
			c.closed <- cause
		}
		close(c.closed)
	})
}

func (c *conn) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// route files an incoming message under the first declared queue whose
// patterns match its key. Messages for queues not declared yet are held
// until a matching Declare.
func (c *conn) route(m pahomqtt.Message) {
	msg := &message{msg: m, key: FromTopic(m.Topic()), redelivered: m.Duplicate()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return
	}
	for _, q := range c.order {
		if q.matches(msg.key) {
			q.pending = append(q.pending, msg)
			c.broadcastLocked()
			return
		}
	}
	c.logger.Debug("mqtt message held for undeclared queue", "topic", m.Topic())
	c.orphans = append(c.orphans, msg)
}

// adoptLocked moves held messages that q now matches into q.
func (c *conn) adoptLocked(q *queue) {
	kept := c.orphans[:0]
	for _, m := range c.orphans {
		if q.matches(m.key) {
			q.pending = append(q.pending, m)
			continue
		}
		kept = append(kept, m)
	}
	clear(c.orphans[len(kept):])
	c.orphans = kept
}
