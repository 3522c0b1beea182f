package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/infrastructure/memory"
)

type transitions struct {
	mu  sync.Mutex
	got []State
}

func (tr *transitions) observe(_, to State) {
	tr.mu.Lock()
	tr.got = append(tr.got, to)
	tr.mu.Unlock()
}

func (tr *transitions) list() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.got...)
}

func connected(t *testing.T) (*memory.Broker, *Session) {
	t.Helper()
	b := memory.New()
	s := New(b, Config{Generation: 1})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return b, s
}

func TestSession_ConnectReady(t *testing.T) {
	b := memory.New()
	s := New(b, Config{})
	tr := &transitions{}
	s.SetObserver(tr.observe)

	if s.State() != Disconnected {
		t.Fatalf("initial State() = %v, want disconnected", s.State())
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Close()

	select {
	case <-s.Ready():
	default:
		t.Error("Ready() not closed after Connect")
	}
	want := []State{Connecting, Ready}
	if got := tr.list(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	b := memory.New()
	refused := errors.New("connection refused")
	b.FailDials(1, refused)
	s := New(b, Config{})

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	var cf *ConnectionFailure
	if !errors.As(err, &cf) || !errors.Is(cf.Cause, refused) {
		t.Errorf("Connect() error = %#v, want ConnectionFailure wrapping cause", err)
	}
	if s.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}

	// A session that never reached Ready may try again.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	_ = s.Close()
}

func TestSession_NotReusableAfterReady(t *testing.T) {
	b, s := connected(t)
	b.Drop()
	waitClosed(t, s.Lost())

	err := s.Connect(context.Background())
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("Connect() after drop error = %v, want InvalidStateError", err)
	}
}

func TestSession_PublishWhileNotReady(t *testing.T) {
	s := New(memory.New(), Config{})
	err := s.Publish(context.Background(), broker.Publishing{Key: "realtime.location.VH-1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if _, err := s.OpenChannel(1); !errors.Is(err, ErrInvalidState) {
		t.Errorf("OpenChannel() error = %v, want ErrInvalidState", err)
	}
}

func TestSession_LostSignalledOnce(t *testing.T) {
	b, s := connected(t)
	tr := &transitions{}
	// Observer is only read under the lock; setting it after Connect is safe
	// in this test because nothing else is transitioning.
	s.mu.Lock()
	s.observer = tr.observe
	s.mu.Unlock()

	b.Drop()
	waitClosed(t, s.Lost())
	waitClosed(t, s.Done())

	if s.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	if !errors.Is(s.Err(), memory.ErrConnectionDropped) {
		t.Errorf("Err() = %v, want ErrConnectionDropped", s.Err())
	}
	if err := s.Publish(context.Background(), broker.Publishing{Key: "k"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after drop error = %v, want ErrNotConnected", err)
	}
	if got := tr.list(); len(got) != 1 || got[0] != Disconnected {
		t.Errorf("transitions = %v, want [disconnected]", got)
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	_, s := connected(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	select {
	case <-s.Lost():
		t.Error("Close() signalled Lost")
	default:
	}
	if !errors.Is(s.Err(), ErrClosed) {
		t.Errorf("Err() = %v, want ErrClosed", s.Err())
	}
}

func TestSession_PublishConsumeRoundTrip(t *testing.T) {
	_, s := connected(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Declare(ctx, "fleet.realtime.location", "realtime.location.*"); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}
	ch, err := s.OpenChannel(4)
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	deliveries, err := ch.Consume(ctx, "fleet.realtime.location")
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if err := s.Publish(ctx, broker.Publishing{Key: "realtime.location.VH-1", Body: []byte(`{}`), Persistent: true}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case d := <-deliveries:
		if d.Key != "realtime.location.VH-1" {
			t.Errorf("Key = %q", d.Key)
		}
		_ = d.Ack()
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
}

func TestSession_CloseEndsConsumers(t *testing.T) {
	_, s := connected(t)
	ctx := context.Background()
	_ = s.Declare(ctx, "q", "report.*.*")
	ch, _ := s.OpenChannel(1)
	deliveries, err := ch.Consume(ctx, "q")
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	_ = s.Close()

	select {
	case _, ok := <-deliveries:
		if ok {
			t.Error("unexpected delivery")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consume channel not closed after session Close")
	}
}

func TestSession_SaturationDegrades(t *testing.T) {
	_, s := connected(t)
	ch, err := s.OpenChannel(2)
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	ctx := context.Background()

	_ = ch.Acquire(ctx)
	if s.State() != Ready {
		t.Errorf("State() = %v after 1/2, want ready", s.State())
	}
	_ = ch.Acquire(ctx)
	if s.State() != Degraded {
		t.Errorf("State() = %v after 2/2, want degraded", s.State())
	}

	// Publishing continues while degraded.
	if err := s.Publish(ctx, broker.Publishing{Key: "realtime.battery.VH-1"}); err != nil {
		t.Errorf("Publish() while degraded error = %v", err)
	}

	ch.Release()
	if s.State() != Ready {
		t.Errorf("State() = %v after release, want ready", s.State())
	}
	ch.Release()
}

func TestSession_ReservedSlotKeepsReady(t *testing.T) {
	_, s := connected(t)
	ch, err := s.OpenChannel(1)
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	ctx := context.Background()

	if err := ch.Reserve(ctx); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if s.State() != Ready {
		t.Errorf("State() = %v with a reserved slot, want ready", s.State())
	}

	ch.Hold()
	if s.State() != Degraded {
		t.Errorf("State() = %v with the only slot held, want degraded", s.State())
	}
	ch.Release()
	if s.State() != Ready {
		t.Errorf("State() = %v after release, want ready", s.State())
	}

	if err := ch.Reserve(ctx); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	ch.Unreserve()
	if got := ch.Budget().InFlight(); got != 0 {
		t.Errorf("InFlight() = %d after Unreserve, want 0", got)
	}
}

func TestSession_DegradedStillCarriesTraffic(t *testing.T) {
	b, s := connected(t)
	ctx := context.Background()
	ch, err := s.OpenChannel(1)
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	if err := ch.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer ch.Release()
	if s.State() != Degraded {
		t.Fatalf("State() = %v, want degraded", s.State())
	}

	if err := s.Declare(ctx, "q.battery", "realtime.battery.*"); err != nil {
		t.Errorf("Declare() while degraded error = %v", err)
	}
	if err := s.Publish(ctx, broker.Publishing{Key: "realtime.battery.VH-1"}); err != nil {
		t.Errorf("Publish() while degraded error = %v", err)
	}
	if b.Depth("q.battery") != 1 {
		t.Errorf("Depth() = %d, want 1", b.Depth("q.battery"))
	}
	other, err := s.OpenChannel(1)
	if err != nil {
		t.Errorf("OpenChannel() while degraded error = %v", err)
	} else {
		_ = other.Close()
	}

	_ = s.Close()
	if err := s.Publish(ctx, broker.Publishing{Key: "realtime.battery.VH-1"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}
	if _, err := s.OpenChannel(1); !errors.Is(err, ErrInvalidState) {
		t.Errorf("OpenChannel() after Close error = %v, want ErrInvalidState", err)
	}
}

func TestSession_PublishChannelReopened(t *testing.T) {
	b, s := connected(t)
	ctx := context.Background()
	if err := s.Declare(ctx, "q.status", "realtime.status.*"); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	// The broker closes the publish channel but keeps the connection.
	s.pubMu.Lock()
	_ = s.pub.Close()
	s.pubMu.Unlock()

	if err := s.Publish(ctx, broker.Publishing{Key: "realtime.status.VH-1"}); err != nil {
		t.Fatalf("Publish() after channel close error = %v", err)
	}
	if b.Depth("q.status") != 1 {
		t.Errorf("Depth() = %d, want 1", b.Depth("q.status"))
	}
	if s.State() != Ready {
		t.Errorf("State() = %v, want ready", s.State())
	}

	s.pubMu.Lock()
	_ = s.pub.Close()
	s.pubMu.Unlock()
	if err := s.Declare(ctx, "q.status", "realtime.status.*"); err != nil {
		t.Errorf("Declare() after channel close error = %v", err)
	}
}

// channelFailingDialer dials the memory broker but can refuse new channels
// while the connection stays up.
type channelFailingDialer struct {
	*memory.Broker
	refuse atomic.Bool
}

type channelFailingConn struct {
	broker.Conn
	d *channelFailingDialer
}

func (d *channelFailingDialer) Dial(ctx context.Context) (broker.Conn, error) {
	c, err := d.Broker.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return channelFailingConn{Conn: c, d: d}, nil
}

func (c channelFailingConn) Channel(prefetch int) (broker.Channel, error) {
	if c.d.refuse.Load() {
		return nil, errors.New("channel limit reached")
	}
	return c.Conn.Channel(prefetch)
}

func TestSession_PublishChannelUnrecoverableDrops(t *testing.T) {
	d := &channelFailingDialer{Broker: memory.New()}
	s := New(d, Config{Generation: 1})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Close()

	d.refuse.Store(true)
	s.pubMu.Lock()
	_ = s.pub.Close()
	s.pubMu.Unlock()

	err := s.Publish(context.Background(), broker.Publishing{Key: "realtime.status.VH-1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	waitClosed(t, s.Lost())
	if s.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	if !errors.Is(s.Err(), ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", s.Err())
	}
}

func waitClosed(t *testing.T, c <-chan struct{}) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}
