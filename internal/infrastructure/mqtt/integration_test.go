//go:build integration

package mqtt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
)

// Integration tests against a real MQTT broker with shared subscriptions
// (Mosquitto 2.x or EMQX) at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationDialer(clientID string) *Dialer {
	return New(config.BrokerConfig{
		Host:     "127.0.0.1",
		Port:     1883,
		ClientID: clientID,
		QoS:      1,
	}, config.SessionConfig{ConnectTimeout: 5 * time.Second})
}

func TestIntegration_UnackedRedeliveredToNextSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	clientID := fmt.Sprintf("fleetbus-int-%d", time.Now().UnixNano())
	queue := "int." + clientID
	key := "realtime.location." + clientID

	consumer := integrationDialer(clientID)
	conn, err := consumer.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	ch, err := conn.Channel(5)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Declare(ctx, queue, key); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}
	deliveries, err := ch.Consume(ctx, queue)
	if err != nil {
		t.Fatal(err)
	}

	pubConn, err := integrationDialer(clientID + "-pub").Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer pubConn.Close()
	pub, err := pubConn.Channel(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(ctx, broker.Publishing{Key: key, Body: []byte("fix")}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case d := <-deliveries:
		if string(d.Body) != "fix" {
			t.Fatalf("Body = %s", d.Body)
		}
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
	// Drop the connection without acknowledging.
	conn.Close()

	conn, err = consumer.Dial(ctx)
	if err != nil {
		t.Fatalf("redial error = %v", err)
	}
	defer conn.Close()
	ch, err = conn.Channel(5)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Declare(ctx, queue, key); err != nil {
		t.Fatal(err)
	}
	deliveries, err = ch.Consume(ctx, queue)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-deliveries:
		if string(d.Body) != "fix" {
			t.Fatalf("redelivered Body = %s", d.Body)
		}
		if err := d.Ack(); err != nil {
			t.Fatal(err)
		}
	case <-ctx.Done():
		t.Fatal("message was not redelivered")
	}
}
