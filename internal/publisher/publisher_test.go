package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nerrad567/fleetbus/internal/infrastructure/memory"
	"github.com/nerrad567/fleetbus/internal/session"
	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/topic"
)

func connectedSession(t *testing.T, b *memory.Broker) *session.Session {
	t.Helper()
	s := session.New(b, session.Config{Generation: 1})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPublish_RoundTrip(t *testing.T) {
	b := memory.New()
	sess := connectedSession(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	router := topic.NewRouter("test")
	h, err := router.Bind(ctx, sess, stream.RealtimeLocation)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	ch, err := sess.OpenChannel(1)
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	deliveries, err := ch.Consume(ctx, h.Name)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	payload := stream.Location{Latitude: -6.2088, Longitude: 106.8456, Speed: 42, Heading: 270}
	sent, err := New(Fixed(sess)).Publish(ctx, stream.RealtimeLocation, "VH-1", payload)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if sent.Attempt() != 0 {
		t.Errorf("Attempt() = %d, want 0", sent.Attempt())
	}

	d := <-deliveries
	wantKey, _ := topic.KeyFor(stream.RealtimeLocation, "VH-1")
	if d.Key != string(wantKey) {
		t.Errorf("delivery key = %q, want %q", d.Key, wantKey)
	}
	if d.MessageID != sent.ID {
		t.Errorf("MessageID = %q, want %q", d.MessageID, sent.ID)
	}

	got, err := stream.DecodeEnvelope(d.Body)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	var loc stream.Location
	if err := got.Decode(&loc); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(loc, payload) {
		t.Errorf("payload = %+v, want %+v", loc, payload)
	}
	if got.Attempt() != 0 || got.EntityID != "VH-1" {
		t.Errorf("envelope = %+v attempt %d", got, got.Attempt())
	}
	_ = d.Ack()
}

func TestPublish_NotConnectedWritesNothing(t *testing.T) {
	b := memory.New()
	idle := session.New(b, session.Config{})

	_, err := New(Fixed(idle)).Publish(context.Background(), stream.ControlKill, "VH-9", stream.Kill{Reason: "stolen"})
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("Publish() error = %v, want ErrNotConnected", err)
	}
	if published, unroutable := b.Stats(); published+unroutable != 0 {
		t.Errorf("broker saw %d writes, want 0", published+unroutable)
	}
}

func TestPublish_ValidationBeforeNetwork(t *testing.T) {
	b := memory.New()
	sess := connectedSession(t, b)
	p := New(Fixed(sess))
	ctx := context.Background()

	_, err := p.Publish(ctx, stream.RealtimeBattery, "VH-1", map[string]any{"battery_level": "full"})
	if !errors.Is(err, stream.ErrSchemaValidation) {
		t.Errorf("Publish(bad payload) error = %v, want ErrSchemaValidation", err)
	}
	_, err = p.Publish(ctx, stream.RealtimeBattery, "VH.1", stream.Battery{BatteryLevel: 1, Voltage: 2})
	if !errors.Is(err, topic.ErrInvalidEntityID) {
		t.Errorf("Publish(bad entity) error = %v, want ErrInvalidEntityID", err)
	}
	if published, unroutable := b.Stats(); published+unroutable != 0 {
		t.Errorf("broker saw %d writes, want 0", published+unroutable)
	}
}

func TestEncode(t *testing.T) {
	raw := json.RawMessage(`{"reason":"overdue"}`)
	env := stream.NewEnvelope(stream.ControlKill, "VH-2", raw, time.Now())

	msg, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if msg.Key != "control.kill.VH-2" || !msg.Persistent || msg.ContentType != ContentType {
		t.Errorf("Encode() = %+v", msg)
	}
	if msg.Headers[HeaderAttempt] != "0" || msg.Headers[HeaderStream] != "control.kill" {
		t.Errorf("Headers = %v", msg.Headers)
	}
}
