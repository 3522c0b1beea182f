package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/fleetbus/internal/broker"
)

// DefaultConnectTimeout bounds a handshake when Config leaves it unset.
const DefaultConnectTimeout = 10 * time.Second

// Config holds per-session settings.
type Config struct {
	// ConnectTimeout bounds a single handshake.
	ConnectTimeout time.Duration

	// Generation identifies this session among its predecessors. Queue
	// bindings remembered for one generation are redeclared on the next.
	Generation uint64
}

// Session owns one broker connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Session struct {
	dialer broker.Dialer
	cfg    Config

	mu       sync.Mutex
	state    State
	conn     broker.Conn
	err      error
	used     bool
	channels map[*Channel]struct{}

	// saturated counts channels whose budget is exhausted.
	saturated int

	pubMu sync.Mutex
	pub   broker.Channel

	ready     chan struct{}
	lost      chan struct{}
	lostOnce  sync.Once
	readyOnce sync.Once

	// ctx is cancelled when the connection goes away for any reason.
	ctx    context.Context
	cancel context.CancelFunc

	observer Observer
	logger   Logger
}

// New creates a Disconnected session that will dial through dialer.
func New(dialer broker.Dialer, cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		dialer:   dialer,
		cfg:      cfg,
		state:    Disconnected,
		channels: make(map[*Channel]struct{}),
		ready:    make(chan struct{}),
		lost:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for state transitions and connection events.
// Must be called before Connect.
func (s *Session) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// SetObserver registers fn to be told about every state transition.
// Must be called before Connect.
func (s *Session) SetObserver(fn Observer) {
	s.observer = fn
}

// Connect performs a single handshake with the broker.
//
// On success the session is Ready and the Ready channel is closed. On failure
// the session stays Disconnected and a *ConnectionFailure is returned; a
// session that never reached Ready may be connected again, but one that has
// (or has been closed) returns *InvalidStateError.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected || s.used {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "connect", State: st}
	}
	s.transitionLocked(Connecting)
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	endpoint := s.dialer.Endpoint()
	conn, err := s.dialer.Dial(dialCtx)
	if err != nil {
		s.failConnect(err)
		return &ConnectionFailure{Endpoint: endpoint, Cause: err}
	}

	pub, err := conn.Channel(0)
	if err != nil {
		_ = conn.Close()
		s.failConnect(err)
		return &ConnectionFailure{Endpoint: endpoint, Cause: fmt.Errorf("opening publish channel: %w", err)}
	}

	s.mu.Lock()
	if s.state != Connecting {
		// Closed while the handshake was in flight.
		s.err = ErrClosed
		s.transitionLocked(Disconnected)
		s.mu.Unlock()
		_ = pub.Close()
		_ = conn.Close()
		return &ConnectionFailure{Endpoint: endpoint, Cause: ErrClosed}
	}
	s.conn = conn
	s.used = true
	s.pubMu.Lock()
	s.pub = pub
	s.pubMu.Unlock()
	s.transitionLocked(Ready)
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("broker session ready", "endpoint", endpoint, "generation", s.cfg.Generation)

	go s.watch(conn.NotifyClose())
	return nil
}

func (s *Session) failConnect(err error) {
	s.mu.Lock()
	s.err = err
	if s.state == Connecting || s.state == Closing {
		s.transitionLocked(Disconnected)
	}
	s.mu.Unlock()
	s.logger.Warn("broker handshake failed", "endpoint", s.dialer.Endpoint(), "error", err)
}

// watch waits for the connection to end and records an unexpected drop.
func (s *Session) watch(closed <-chan error) {
	select {
	case err, ok := <-closed:
		if !ok || err == nil {
			err = ErrConnectionLost
		}
		s.markLost(err)
	case <-s.ctx.Done():
	}
}

func (s *Session) markLost(cause error) {
	s.mu.Lock()
	if !s.state.Connected() {
		s.mu.Unlock()
		return
	}
	s.err = cause
	s.transitionLocked(Disconnected)
	s.mu.Unlock()

	s.cancel()
	s.lostOnce.Do(func() { close(s.lost) })
	s.logger.Warn("broker connection lost", "endpoint", s.dialer.Endpoint(), "error", cause)
}

// Close tears the connection down. Deliveries still being processed are left
// unacknowledged so the broker redelivers them. Close is idempotent and a
// no-op when the session is already Disconnected or Closing.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case Disconnected, Closing:
		s.used = true
		s.mu.Unlock()
		s.cancel()
		return nil
	case Connecting:
		s.transitionLocked(Closing)
		s.used = true
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.transitionLocked(Closing)
	conn := s.conn
	channels := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	s.cancel()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.pubMu.Lock()
	if s.pub != nil {
		if err := s.pub.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
			errs = append(errs, err)
		}
		s.pub = nil
	}
	s.pubMu.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.err = ErrClosed
	s.transitionLocked(Disconnected)
	s.mu.Unlock()

	s.logger.Info("broker session closed", "endpoint", s.dialer.Endpoint())
	return errors.Join(errs...)
}

// Publish hands p to the broker over the publish channel and returns once the
// broker has accepted it. Publishing is allowed while Ready or Degraded;
// otherwise ErrNotConnected is returned immediately.
func (s *Session) Publish(ctx context.Context, p broker.Publishing) error {
	err := s.withPublishChannel(func(ch broker.Channel) error {
		return ch.Publish(ctx, p)
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, p.Key, err)
	}
	return err
}

// Declare declares a durable queue bound to pattern. It satisfies
// topic.Declarer together with Generation.
func (s *Session) Declare(ctx context.Context, queue, pattern string) error {
	return s.withPublishChannel(func(ch broker.Channel) error {
		return ch.Declare(ctx, queue, pattern)
	})
}

// withPublishChannel runs op on the publish channel. A broker may close that
// channel on its own while the connection stays up; op is then retried once
// on a fresh channel. If no channel can be opened the connection is treated
// as dropped.
func (s *Session) withPublishChannel(op func(broker.Channel) error) error {
	if !s.State().Connected() {
		return ErrNotConnected
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.pub == nil {
		return ErrNotConnected
	}
	err := op(s.pub)
	if !errors.Is(err, broker.ErrClosed) {
		return err
	}
	if rerr := s.reopenPublishChannelLocked(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return op(s.pub)
}

// reopenPublishChannelLocked replaces a publish channel the broker closed.
// s.pubMu must be held.
func (s *Session) reopenPublishChannelLocked() error {
	s.mu.Lock()
	if !s.state.Connected() {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	pub, err := conn.Channel(0)
	if err != nil {
		s.markLost(fmt.Errorf("%w: reopening publish channel: %w", ErrConnectionLost, err))
		_ = s.pub.Close()
		s.pub = nil
		_ = conn.Close()
		return ErrNotConnected
	}
	_ = s.pub.Close()
	s.pub = pub
	s.logger.Warn("publish channel closed by broker, reopened", "endpoint", s.dialer.Endpoint())
	return nil
}

// Generation returns the generation this session was created with.
func (s *Session) Generation() uint64 { return s.cfg.Generation }

// Endpoint returns the broker endpoint, without credentials.
func (s *Session) Endpoint() string { return s.dialer.Endpoint() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready is closed once the session first reaches Ready.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Lost is closed exactly once when an established connection drops. It is
// not closed by Close.
func (s *Session) Lost() <-chan struct{} { return s.lost }

// Done is closed when the connection is gone, whether dropped or closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns the cause of the last failure, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// HealthCheck reports whether the session can carry traffic.
func (s *Session) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("session health check: %w", ctx.Err())
	default:
	}
	if st := s.State(); !st.Connected() {
		return fmt.Errorf("%w: state %s", ErrNotConnected, st)
	}
	return nil
}

// transitionLocked moves to next and notifies the observer. s.mu must be held.
func (s *Session) transitionLocked(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.logger.Debug("broker session state changed",
		"from", prev.String(),
		"to", next.String(),
		"generation", s.cfg.Generation,
	)
	if s.observer != nil {
		s.observer(prev, next)
	}
}

// adjustSaturation is called by channels as their budget fills and drains.
func (s *Session) adjustSaturation(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saturated += delta
	switch {
	case s.saturated > 0 && s.state == Ready:
		s.transitionLocked(Degraded)
	case s.saturated <= 0 && s.state == Degraded:
		s.transitionLocked(Ready)
	}
}

func (s *Session) forget(ch *Channel) {
	s.mu.Lock()
	delete(s.channels, ch)
	s.mu.Unlock()
}
