package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
)

const (
	// defaultConnectTimeout bounds the TCP dial and handshake when unset.
	defaultConnectTimeout = 10 * time.Second

	// defaultHeartbeat matches the RabbitMQ client default.
	defaultHeartbeat = 10 * time.Second

	locale = "en_US"
)

// Dialer opens AMQP connections to one broker URL.
type Dialer struct {
	url       string
	exchange  string
	timeout   time.Duration
	heartbeat time.Duration
}

// New returns a Dialer for cfg.URL that routes through the topic exchange
// cfg.Exchange.
func New(cfg config.BrokerConfig, sess config.SessionConfig) *Dialer {
	d := &Dialer{
		url:       cfg.URL,
		exchange:  cfg.Exchange,
		timeout:   sess.ConnectTimeout,
		heartbeat: sess.Heartbeat,
	}
	if d.timeout <= 0 {
		d.timeout = defaultConnectTimeout
	}
	if d.heartbeat <= 0 {
		d.heartbeat = defaultHeartbeat
	}
	return d
}

// Endpoint returns the broker URL with user information removed.
func (d *Dialer) Endpoint() string {
	return redact(d.url)
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://<invalid url>"
	}
	u.User = nil
	return u.String()
}

// Dial performs one connection handshake and declares the exchange. It never
// retries.
func (d *Dialer) Dial(ctx context.Context) (broker.Conn, error) {
	stop := func() bool { return true }
	cfg := amqp091.Config{
		Heartbeat: d.heartbeat,
		Locale:    locale,
		Dial: func(network, addr string) (net.Conn, error) {
			nd := net.Dialer{Timeout: d.timeout}
			nc, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Bound the handshake; amqp091 clears the deadline once the
			// connection is open.
			deadline := time.Now().Add(d.timeout)
			if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
				deadline = dl
			}
			if err := nc.SetDeadline(deadline); err != nil {
				nc.Close()
				return nil, err
			}
			stop = context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })
			return nc, nil
		},
	}

	ac, err := amqp091.DialConfig(d.url, cfg)
	if !stop() && err == nil {
		ac.Close()
		err = ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, d.Endpoint(), err)
	}

	if err := declareExchange(ac, d.exchange); err != nil {
		ac.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, d.Endpoint(), err)
	}
	return newConn(ac, d.exchange), nil
}

func declareExchange(ac *amqp091.Connection, exchange string) error {
	ch, err := ac.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}
	return nil
}

// conn is one live AMQP connection.
type conn struct {
	ac       *amqp091.Connection
	exchange string
	closed   chan error
}

func newConn(ac *amqp091.Connection, exchange string) *conn {
	c := &conn{
		ac:       ac,
		exchange: exchange,
		closed:   make(chan error, 1),
	}
	go c.watch(ac.NotifyClose(make(chan *amqp091.Error, 1)))
	return c
}

// watch forwards the first close event. amqp091 closes the channel without
// a value after a deliberate Close.
func (c *conn) watch(notify <-chan *amqp091.Error) {
	if e, ok := <-notify; ok && e != nil {
		c.closed <- fmt.Errorf("%w: %w", ErrConnectionLost, e)
	}
	close(c.closed)
}

func (c *conn) Channel(prefetch int) (broker.Channel, error) {
	ch, err := c.ac.Channel()
	if err != nil {
		return nil, mapErr(err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, mapErr(err)
		}
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, mapErr(err)
	}
	return &channel{ch: ch, exchange: c.exchange}, nil
}

func (c *conn) NotifyClose() <-chan error { return c.closed }

func (c *conn) Close() error {
	if err := c.ac.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
	}
	return nil
}

// mapErr translates amqp091 errors into broker sentinels where one exists.
func mapErr(err error) error {
	var ae *amqp091.Error
	switch {
	case errors.Is(err, amqp091.ErrClosed):
		return fmt.Errorf("%w: %w", broker.ErrClosed, err)
	case errors.As(err, &ae) && ae.Code == amqp091.NotFound:
		return fmt.Errorf("%w: %w", broker.ErrUnknownQueue, err)
	}
	return err
}
