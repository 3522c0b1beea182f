package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/fleetbus/internal/broker"
)

func setup(t *testing.T, prefetch int) (*Broker, broker.Conn, broker.Channel) {
	t.Helper()
	b := New()
	c, err := b.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	ch, err := c.Channel(prefetch)
	if err != nil {
		t.Fatalf("Channel() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return b, c, ch
}

func receive(t *testing.T, deliveries <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return broker.Delivery{}
}

func TestBroker_TopicRouting(t *testing.T) {
	b, _, ch := setup(t, 10)
	ctx := context.Background()

	if err := ch.Declare(ctx, "q.location", "realtime.location.*"); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}
	if err := ch.Declare(ctx, "q.vh1", "#.VH-1"); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	for _, key := range []string{"realtime.location.VH-1", "realtime.location.VH-2", "realtime.battery.VH-1", "report.performance.VH-3"} {
		if err := ch.Publish(ctx, broker.Publishing{Key: key, Body: []byte(key)}); err != nil {
			t.Fatalf("Publish(%s) error = %v", key, err)
		}
	}

	if got := b.Depth("q.location"); got != 2 {
		t.Errorf("Depth(q.location) = %d, want 2", got)
	}
	if got := b.Depth("q.vh1"); got != 2 {
		t.Errorf("Depth(q.vh1) = %d, want 2", got)
	}
	if published, unroutable := b.Stats(); published != 3 || unroutable != 1 {
		t.Errorf("Stats() = %d, %d, want 3, 1", published, unroutable)
	}
}

func TestBroker_FIFOAndAck(t *testing.T) {
	b, _, ch := setup(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = ch.Declare(ctx, "q", "realtime.*.*")
	for _, key := range []string{"realtime.location.A", "realtime.location.B", "realtime.location.C"} {
		_ = ch.Publish(ctx, broker.Publishing{Key: key})
	}

	deliveries, err := ch.Consume(ctx, "q")
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	for _, want := range []string{"realtime.location.A", "realtime.location.B", "realtime.location.C"} {
		d := receive(t, deliveries)
		if d.Key != want {
			t.Errorf("Key = %q, want %q", d.Key, want)
		}
		if err := d.Ack(); err != nil {
			t.Errorf("Ack() error = %v", err)
		}
		if err := d.Ack(); !errors.Is(err, broker.ErrAlreadySettled) {
			t.Errorf("second Ack() error = %v, want ErrAlreadySettled", err)
		}
	}
	if b.Depth("q") != 0 || b.Unacked("q") != 0 {
		t.Errorf("Depth = %d, Unacked = %d, want 0, 0", b.Depth("q"), b.Unacked("q"))
	}
}

func TestBroker_PrefetchLimit(t *testing.T) {
	b, _, ch := setup(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = ch.Declare(ctx, "q", "report.*.*")
	for range 5 {
		_ = ch.Publish(ctx, broker.Publishing{Key: "report.performance.VH-1"})
	}

	deliveries, _ := ch.Consume(ctx, "q")
	first := receive(t, deliveries)
	receive(t, deliveries)

	select {
	case <-deliveries:
		t.Fatal("received a third delivery beyond prefetch")
	case <-time.After(50 * time.Millisecond):
	}
	if got := b.Unacked("q"); got != 2 {
		t.Errorf("Unacked = %d, want 2", got)
	}

	_ = first.Ack()
	receive(t, deliveries)
}

func TestBroker_NackRequeueRedelivers(t *testing.T) {
	_, _, ch := setup(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = ch.Declare(ctx, "q", "control.*.*")
	_ = ch.Publish(ctx, broker.Publishing{Key: "control.kill.VH-9", MessageID: "m1"})

	deliveries, _ := ch.Consume(ctx, "q")
	d := receive(t, deliveries)
	if d.Redelivered {
		t.Error("first delivery marked redelivered")
	}
	if err := d.Nack(true); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	again := receive(t, deliveries)
	if !again.Redelivered || again.MessageID != "m1" {
		t.Errorf("redelivery = %+v", again)
	}
}

func TestBroker_DropReturnsUnacked(t *testing.T) {
	b, c, ch := setup(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = ch.Declare(ctx, "q", "realtime.*.*")
	_ = ch.Publish(ctx, broker.Publishing{Key: "realtime.status.VH-1"})

	deliveries, _ := ch.Consume(ctx, "q")
	receive(t, deliveries)

	b.Drop()

	select {
	case err := <-c.NotifyClose():
		if !errors.Is(err, ErrConnectionDropped) {
			t.Errorf("NotifyClose() = %v, want ErrConnectionDropped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("NotifyClose not signalled")
	}

	select {
	case _, ok := <-deliveries:
		if ok {
			t.Error("delivery channel still open after drop")
		}
	case <-time.After(time.Second):
		t.Fatal("delivery channel not closed after drop")
	}

	if got := b.Depth("q"); got != 1 {
		t.Errorf("Depth after drop = %d, want 1", got)
	}
	if _, err := c.Channel(1); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("Channel() on dropped conn error = %v, want ErrClosed", err)
	}
}

func TestBroker_FailDials(t *testing.T) {
	b := New()
	boom := errors.New("refused")
	b.FailDials(2, boom)

	for range 2 {
		if _, err := b.Dial(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("Dial() error = %v, want %v", err, boom)
		}
	}
	if _, err := b.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() after failures error = %v", err)
	}
}

func TestBroker_ConsumeUnknownQueue(t *testing.T) {
	_, _, ch := setup(t, 1)
	if _, err := ch.Consume(context.Background(), "missing"); !errors.Is(err, broker.ErrUnknownQueue) {
		t.Errorf("Consume() error = %v, want ErrUnknownQueue", err)
	}
	if err := ch.Declare(context.Background(), "q", "a.b*"); !errors.Is(err, broker.ErrInvalidPattern) {
		t.Errorf("Declare() error = %v, want ErrInvalidPattern", err)
	}
}
