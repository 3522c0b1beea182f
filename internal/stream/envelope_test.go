package stream

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/fleetbus/internal/retry"
)

func newTestEnvelope(t *testing.T) Envelope {
	t.Helper()
	raw, err := Validate(RealtimeBattery, Battery{BatteryLevel: 40, Voltage: 12.1})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return NewEnvelope(RealtimeBattery, "VH-1", raw, time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("WIB", 7*3600)))
}

func TestNewEnvelope(t *testing.T) {
	e := newTestEnvelope(t)
	if e.ID == "" {
		t.Error("ID is empty")
	}
	if e.Attempt() != 0 {
		t.Errorf("Attempt() = %d, want 0", e.Attempt())
	}
	if e.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp location = %v, want UTC", e.Timestamp.Location())
	}
	if other := newTestEnvelope(t); other.ID == e.ID {
		t.Error("two envelopes share an ID")
	}
}

func TestEnvelope_Escalate(t *testing.T) {
	e := newTestEnvelope(t)

	next, err := e.Escalate(retry.Decide(e.Attempt()+1, 3))
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if next.Attempt() != 1 {
		t.Errorf("Attempt() = %d, want 1", next.Attempt())
	}
	if e.Attempt() != 0 {
		t.Error("Escalate() mutated the receiver")
	}
	if next.ID != e.ID {
		t.Error("Escalate() changed the envelope ID")
	}

	// Replaying the first decision against the escalated envelope must fail.
	if _, err := next.Escalate(retry.Decide(1, 3)); !errors.Is(err, ErrStaleDecision) {
		t.Errorf("replayed Escalate() error = %v, want ErrStaleDecision", err)
	}
	if _, err := e.Escalate(retry.Decision{}); !errors.Is(err, ErrStaleDecision) {
		t.Errorf("zero-decision Escalate() error = %v, want ErrStaleDecision", err)
	}
	if _, err := e.Escalate(retry.Abandon(5)); !errors.Is(err, ErrStaleDecision) {
		t.Errorf("skipping Escalate() error = %v, want ErrStaleDecision", err)
	}
}

func TestEnvelope_JSONRoundTripKeepsAttempt(t *testing.T) {
	e := newTestEnvelope(t)
	e, _ = e.Escalate(retry.Decide(1, 3))
	e, _ = e.Escalate(retry.Decide(2, 3))

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"delivery_attempt":2`) {
		t.Errorf("wire form %s lacks delivery_attempt", data)
	}

	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if got.Attempt() != 2 || got.ID != e.ID || got.EntityID != "VH-1" || got.Stream != RealtimeBattery {
		t.Errorf("DecodeEnvelope() = %+v (attempt %d)", got, got.Attempt())
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, e.Timestamp)
	}

	var b Battery
	if err := got.Decode(&b); err != nil || b.Voltage != 12.1 {
		t.Errorf("Decode() = %+v, %v", b, err)
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing id", `{"stream":"realtime.battery","entity_id":"VH-1","payload":{},"delivery_attempt":0}`},
		{"unknown stream", `{"id":"x","stream":"realtime.fuel","entity_id":"VH-1","payload":{},"delivery_attempt":0}`},
		{"missing entity", `{"id":"x","stream":"realtime.battery","payload":{},"delivery_attempt":0}`},
		{"negative attempt", `{"id":"x","stream":"realtime.battery","entity_id":"VH-1","payload":{},"delivery_attempt":-1}`},
		{"array payload", `{"id":"x","stream":"realtime.battery","entity_id":"VH-1","payload":[],"delivery_attempt":0}`},
		{"missing payload", `{"id":"x","stream":"realtime.battery","entity_id":"VH-1","delivery_attempt":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEnvelope([]byte(tt.data)); !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("DecodeEnvelope() error = %v, want ErrMalformedEnvelope", err)
			}
		})
	}
}
