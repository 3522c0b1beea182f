package natsjs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// ackWait is how long the server waits for an ack before redelivering.
	// Handlers are bounded by dispatch.handler_timeout, which should stay
	// below it.
	ackWait = time.Minute

	// fetchWait bounds one pull request so closed channels are noticed.
	fetchWait = 2 * time.Second
)

// Dialer opens NATS connections and makes sure the fleet stream exists.
type Dialer struct {
	url       string
	name      string
	stream    string
	username  string
	password  string
	timeout   time.Duration
	heartbeat time.Duration
}

// New returns a Dialer for cfg.URL using cfg.Exchange as stream name and
// subject prefix.
func New(cfg config.BrokerConfig, sess config.SessionConfig) *Dialer {
	d := &Dialer{
		url:       cfg.URL,
		name:      cfg.ClientID,
		stream:    cfg.Exchange,
		username:  cfg.Username,
		password:  cfg.Password,
		timeout:   sess.ConnectTimeout,
		heartbeat: sess.Heartbeat,
	}
	if d.timeout <= 0 {
		d.timeout = defaultConnectTimeout
	}
	return d
}

// Endpoint returns the server URL with user information removed.
func (d *Dialer) Endpoint() string {
	u, err := url.Parse(d.url)
	if err != nil {
		return "nats://<invalid url>"
	}
	u.User = nil
	return u.String()
}

// StreamConfig returns the stream definition the Dialer maintains.
func (d *Dialer) StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        d.stream,
		Description: "fleetbus telemetry and control",
		Subjects:    []string{d.stream + ".>"},
		Retention:   jetstream.InterestPolicy,
		Storage:     jetstream.FileStorage,
	}
}

// Dial connects once, without automatic reconnection, and creates or updates
// the stream.
func (d *Dialer) Dial(ctx context.Context) (broker.Conn, error) {
	c := &conn{
		stream: d.stream,
		closed: make(chan error, 1),
	}

	opts := []nats.Option{
		nats.Name(d.name),
		nats.Timeout(d.timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { c.lost(err) }),
		nats.ClosedHandler(func(_ *nats.Conn) { c.lost(nil) }),
	}
	if d.heartbeat > 0 {
		opts = append(opts, nats.PingInterval(d.heartbeat), nats.MaxPingsOutstanding(2))
	}
	if d.username != "" {
		opts = append(opts, nats.UserInfo(d.username, d.password))
	}

	nc, err := nats.Connect(d.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, d.Endpoint(), err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: initializing jetstream: %w", ErrConnectionFailed, err)
	}

	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(sctx, d.StreamConfig()); err != nil {
		c.deliberate.Store(true)
		nc.Close()
		return nil, fmt.Errorf("%w: stream %q: %w", ErrConnectionFailed, d.stream, err)
	}

	c.nc = nc
	c.js = js
	return c, nil
}

// conn is one live NATS connection.
type conn struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string

	closed     chan error
	closeOnce  sync.Once
	deliberate atomic.Bool
}

// lost reports the end of the connection once. Deliberate closes close the
// notification channel without a value.
func (c *conn) lost(err error) {
	c.closeOnce.Do(func() {
		if !c.deliberate.Load() {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			c.closed <- fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		close(c.closed)
	})
}

func (c *conn) Channel(prefetch int) (broker.Channel, error) {
	if c.nc.IsClosed() {
		return nil, broker.ErrClosed
	}
	ch := &channel{
		c:       c,
		unacked: make(map[*acker]struct{}),
		done:    make(chan struct{}),
	}
	if prefetch > 0 {
		ch.window = make(chan struct{}, prefetch)
	}
	return ch, nil
}

func (c *conn) NotifyClose() <-chan error { return c.closed }

func (c *conn) Close() error {
	c.deliberate.Store(true)
	c.nc.Close()
	c.lost(nil)
	return nil
}

// mapErr translates nats errors into broker sentinels where one exists.
func mapErr(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed):
		return fmt.Errorf("%w: %w", broker.ErrClosed, err)
	case errors.Is(err, jetstream.ErrConsumerNotFound):
		return fmt.Errorf("%w: %w", broker.ErrUnknownQueue, err)
	}
	return err
}
