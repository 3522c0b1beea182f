package redisstream

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultHeartbeat      = 10 * time.Second
	defaultConsumer       = "fleetbus"
)

// Dialer opens Redis connections for one URL and namespace.
type Dialer struct {
	url       string
	ns        keyspace
	consumer  string
	username  string
	password  string
	timeout   time.Duration
	heartbeat time.Duration
}

// New returns a Dialer for cfg.URL. cfg.Exchange is the key namespace and
// cfg.ClientID the consumer name inside each group.
func New(cfg config.BrokerConfig, sess config.SessionConfig) *Dialer {
	d := &Dialer{
		url:       cfg.URL,
		ns:        keyspace(cfg.Exchange),
		consumer:  cfg.ClientID,
		username:  cfg.Username,
		password:  cfg.Password,
		timeout:   sess.ConnectTimeout,
		heartbeat: sess.Heartbeat,
	}
	if d.consumer == "" {
		d.consumer = defaultConsumer
	}
	if d.timeout <= 0 {
		d.timeout = defaultConnectTimeout
	}
	if d.heartbeat <= 0 {
		d.heartbeat = defaultHeartbeat
	}
	return d
}

// Endpoint returns the server URL with user information removed.
func (d *Dialer) Endpoint() string {
	u, err := url.Parse(d.url)
	if err != nil {
		return "redis://<invalid url>"
	}
	u.User = nil
	return u.String()
}

// Dial creates a client and verifies it with one PING. It never retries.
func (d *Dialer) Dial(ctx context.Context) (broker.Conn, error) {
	opts, err := redis.ParseURL(d.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if d.username != "" {
		opts.Username = d.username
	}
	if d.password != "" {
		opts.Password = d.password
	}
	opts.DialTimeout = d.timeout
	opts.MaxRetries = -1

	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, d.Endpoint(), err)
	}

	c := &conn{
		client:   client,
		ns:       d.ns,
		consumer: d.consumer,
		closed:   make(chan error, 1),
		done:     make(chan struct{}),
	}
	go c.watch(d.heartbeat)
	return c, nil
}

// conn is one Redis client pool plus its heartbeat.
type conn struct {
	client   *redis.Client
	ns       keyspace
	consumer string

	closed    chan error
	done      chan struct{}
	closeOnce sync.Once
}

// watch pings every interval until the first failure or Close.
func (c *conn) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := c.client.Ping(ctx).Err()
		cancel()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
	}
}

func (c *conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.client.Close()
		if cause != nil {
			c.closed <- cause
		}
		close(c.closed)
	})
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) Channel(prefetch int) (broker.Channel, error) {
	if c.isClosed() {
		return nil, broker.ErrClosed
	}
	ch := &channel{c: c, done: make(chan struct{})}
	if prefetch > 0 {
		ch.window = make(chan struct{}, prefetch)
	}
	return ch, nil
}

func (c *conn) NotifyClose() <-chan error { return c.closed }

func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}
