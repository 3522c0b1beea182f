package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/session"
)

// Status represents the supervisor state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusAttempting Status = "attempting"
	StatusHealthy    Status = "healthy"
	StatusGivenUp    Status = "given_up"
	StatusStopped    Status = "stopped"
)

// Config holds supervisor configuration.
type Config struct {
	Backoff Backoff

	// ConnectTimeout bounds each handshake.
	ConnectTimeout time.Duration
}

// Logger defines the logging interface for the supervisor.
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

// Supervisor manages the lifecycle of broker sessions.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Start and Run are meant to be called once each, from one goroutine.
type Supervisor struct {
	dialer broker.Dialer
	config Config
	logger Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand

	mu           sync.RWMutex
	status       Status
	current      *session.Session
	generation   uint64
	attempts     int
	reconnects   int
	lastError    error
	healthySince time.Time

	// healthy is closed while a healthy session exists and replaced when it
	// is lost. terminal is closed on GivenUp or Stopped.
	healthy  chan struct{}
	terminal chan struct{}

	onStatus func(from, to Status)
}

// New creates an idle Supervisor dialing through dialer.
func New(dialer broker.Dialer, cfg Config) *Supervisor {
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = DefaultBackoff().MaxAttempts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = session.DefaultConnectTimeout
	}
	return &Supervisor{
		dialer:   dialer,
		config:   cfg,
		logger:   noopLogger{},
		sleep:    sleepContext,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
		status:   StatusIdle,
		healthy:  make(chan struct{}),
		terminal: make(chan struct{}),
	}
}

// SetLogger sets the logger for the supervisor and the sessions it creates.
func (s *Supervisor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// SetOnStatusChange registers a callback invoked after every status change.
func (s *Supervisor) SetOnStatusChange(fn func(from, to Status)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// Start performs the initial connection. The first attempt is immediate;
// failures back off exactly as reconnection does. It returns an error
// wrapping ErrGivenUp if every attempt fails.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()
	s.setStatus(StatusAttempting)

	s.logger.Info("connecting to broker", "endpoint", s.dialer.Endpoint())
	return s.connect(ctx, true)
}

// Run watches the current session and reconnects after every drop until ctx
// is cancelled (returns nil) or attempts are exhausted (returns ErrGivenUp).
// Run calls Start if it has not been called.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Status() == StatusIdle {
		if err := s.Start(ctx); err != nil {
			if ctx.Err() != nil {
				s.stop()
				return nil
			}
			return err
		}
	}

	for {
		s.mu.RLock()
		cur := s.current
		status := s.status
		s.mu.RUnlock()

		switch status {
		case StatusGivenUp:
			return fmt.Errorf("%w: %w", ErrGivenUp, s.LastError())
		case StatusStopped:
			return nil
		}

		select {
		case <-ctx.Done():
			s.stop()
			return nil

		case <-cur.Lost():
			s.logger.Warn("broker session lost, reconnecting",
				"endpoint", s.dialer.Endpoint(),
				"generation", cur.Generation(),
				"error", cur.Err(),
			)
			s.markLost(cur.Err())

			if err := s.connect(ctx, false); err != nil {
				if errors.Is(err, ErrGivenUp) {
					return err
				}
				s.stop()
				return nil
			}

			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
		}
	}
}

// connect runs attempts until one succeeds, ctx ends, or MaxAttempts
// consecutive attempts have failed.
func (s *Supervisor) connect(ctx context.Context, initial bool) error {
	b := s.config.Backoff
	for attempt := 1; ; attempt++ {
		var delay time.Duration
		switch {
		case !initial:
			delay = b.Delay(attempt, s.rng)
		case attempt > 1:
			delay = b.Delay(attempt-1, s.rng)
		}
		if delay > 0 {
			s.logger.Debug("waiting before broker connection attempt",
				"attempt", attempt,
				"delay", delay,
			)
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
		}

		s.mu.Lock()
		s.attempts = attempt
		s.generation++
		gen := s.generation
		s.mu.Unlock()

		sess := session.New(s.dialer, session.Config{
			ConnectTimeout: s.config.ConnectTimeout,
			Generation:     gen,
		})
		sess.SetLogger(s.logger)

		err := sess.Connect(ctx)
		if err == nil {
			s.becomeHealthy(sess)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
		s.logger.Warn("broker connection attempt failed",
			"attempt", attempt,
			"max_attempts", b.MaxAttempts,
			"error", err,
		)

		if attempt >= b.MaxAttempts {
			s.giveUp()
			s.logger.Error("giving up on broker connection",
				"endpoint", s.dialer.Endpoint(),
				"attempts", attempt,
				"error", err,
			)
			return fmt.Errorf("%w after %d attempts: %w", ErrGivenUp, attempt, err)
		}
	}
}

func (s *Supervisor) becomeHealthy(sess *session.Session) {
	s.mu.Lock()
	s.current = sess
	s.attempts = 0
	s.lastError = nil
	s.healthySince = time.Now()
	close(s.healthy)
	s.mu.Unlock()

	s.setStatus(StatusHealthy)
	s.logger.Info("broker session healthy",
		"endpoint", s.dialer.Endpoint(),
		"generation", sess.Generation(),
	)
}

func (s *Supervisor) markLost(cause error) {
	s.mu.Lock()
	s.lastError = cause
	s.healthy = make(chan struct{})
	s.mu.Unlock()
	s.setStatus(StatusAttempting)
}

func (s *Supervisor) giveUp() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	if s.setStatus(StatusGivenUp) {
		close(s.terminal)
	}
}

// stop closes the current session and enters StatusStopped.
func (s *Supervisor) stop() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur != nil {
		if err := cur.Close(); err != nil {
			s.logger.Warn("error closing broker session", "error", err)
		}
	}
	if s.setStatus(StatusStopped) {
		close(s.terminal)
	}
}

// Close shuts the supervisor down. It is safe to call after Run returned.
func (s *Supervisor) Close() error {
	switch s.Status() {
	case StatusStopped, StatusGivenUp:
		return nil
	}
	s.stop()
	return nil
}

// setStatus changes status and reports whether it changed. Terminal states
// are never left.
func (s *Supervisor) setStatus(next Status) bool {
	s.mu.Lock()
	prev := s.status
	if prev == next || prev == StatusGivenUp || prev == StatusStopped {
		s.mu.Unlock()
		return false
	}
	s.status = next
	fn := s.onStatus
	s.mu.Unlock()

	s.logger.Debug("supervisor status changed", "from", string(prev), "to", string(next))
	if fn != nil {
		fn(prev, next)
	}
	return true
}

// Session returns the current healthy session. While the supervisor is
// attempting, given up, or stopped it returns session.ErrNotConnected at once.
func (s *Supervisor) Session() (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusHealthy || s.current == nil {
		return nil, session.ErrNotConnected
	}
	return s.current, nil
}

// WaitHealthy blocks until a healthy session exists and returns it. It
// returns ErrGivenUp or ErrStopped once the supervisor reaches a terminal
// state, or ctx.Err() when ctx ends first.
func (s *Supervisor) WaitHealthy(ctx context.Context) (*session.Session, error) {
	for {
		s.mu.RLock()
		status, cur := s.status, s.current
		healthy, terminal := s.healthy, s.terminal
		s.mu.RUnlock()

		switch status {
		case StatusHealthy:
			if cur != nil && cur.State().Connected() {
				return cur, nil
			}
		case StatusGivenUp:
			return nil, ErrGivenUp
		case StatusStopped:
			return nil, ErrStopped
		}

		var poll <-chan time.Time
		if status == StatusHealthy {
			// The session dropped and Run has not switched to attempting yet.
			healthy = nil
			poll = time.After(waitPoll)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-healthy:
		case <-terminal:
		case <-poll:
		}
	}
}

// waitPoll bounds how long WaitHealthy sleeps between state checks when the
// healthy session has dropped but Run has not yet switched to attempting.
const waitPoll = 50 * time.Millisecond

// HealthCheck verifies a healthy session exists.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("supervisor health check: %w", ctx.Err())
	default:
	}
	sess, err := s.Session()
	if err != nil {
		return fmt.Errorf("supervisor %s: %w", s.Status(), err)
	}
	return sess.HealthCheck(ctx)
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the most recent connection error, or nil.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Stats holds supervisor statistics.
type Stats struct {
	Status     Status        `json:"status"`
	Endpoint   string        `json:"endpoint"`
	Generation uint64        `json:"generation"`
	Attempts   int           `json:"attempts"`
	Reconnects int           `json:"reconnects"`
	Uptime     time.Duration `json:"uptime,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// Stats returns current statistics.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Status:     s.status,
		Endpoint:   s.dialer.Endpoint(),
		Generation: s.generation,
		Attempts:   s.attempts,
		Reconnects: s.reconnects,
	}
	if s.status == StatusHealthy {
		stats.Uptime = time.Since(s.healthySince)
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
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
