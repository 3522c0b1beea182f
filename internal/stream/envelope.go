package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleetbus/internal/retry"
)

// Envelope is the unit carried across the broker.
//
// The delivery attempt count is unexported: it is zero for a freshly
// published envelope and changes only through Escalate.
type Envelope struct {
	ID        string
	Stream    Type
	EntityID  string
	Timestamp time.Time
	Payload   json.RawMessage

	attempt int
}

// wireEnvelope is the JSON shape of an Envelope on the broker.
type wireEnvelope struct {
	ID              string          `json:"id"`
	Stream          Type            `json:"stream"`
	EntityID        string          `json:"entity_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
	DeliveryAttempt int             `json:"delivery_attempt"`
}

// NewEnvelope wraps an already validated payload. The envelope gets a fresh
// UUID, a UTC timestamp taken from now, and attempt count zero.
func NewEnvelope(t Type, entityID string, payload json.RawMessage, now time.Time) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Stream:    t,
		EntityID:  entityID,
		Timestamp: now.UTC().Truncate(time.Millisecond),
		Payload:   payload,
	}
}

// Attempt returns how many failed deliveries the envelope has been through.
func (e Envelope) Attempt() int { return e.attempt }

// Escalate returns a copy of e carrying the attempt count chosen by d.
//
// A decision must be made for the attempt that follows e's current one;
// anything else (a zero Decision, a decision replayed against an already
// escalated envelope) yields ErrStaleDecision and leaves e untouched.
func (e Envelope) Escalate(d retry.Decision) (Envelope, error) {
	if !d.Valid() {
		return e, fmt.Errorf("%w: invalid decision", ErrStaleDecision)
	}
	if d.Attempt() != e.attempt+1 {
		return e, fmt.Errorf("%w: envelope at attempt %d, decision for attempt %d",
			ErrStaleDecision, e.attempt, d.Attempt())
	}
	next := e
	next.attempt = d.Attempt()
	return next, nil
}

// Decode unmarshals the payload into v, typically one of the payload structs.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Stream, err)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:              e.ID,
		Stream:          e.Stream,
		EntityID:        e.EntityID,
		Timestamp:       e.Timestamp,
		Payload:         e.Payload,
		DeliveryAttempt: e.attempt,
	})
}

// UnmarshalJSON implements json.Unmarshaler. It rejects envelopes that are
// missing identity fields, name an unknown stream, carry a negative attempt
// count, or whose payload is not a JSON object.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	switch {
	case w.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	case !w.Stream.Valid():
		return fmt.Errorf("%w: unknown stream %q", ErrMalformedEnvelope, w.Stream)
	case w.EntityID == "":
		return fmt.Errorf("%w: missing entity_id", ErrMalformedEnvelope)
	case w.DeliveryAttempt < 0:
		return fmt.Errorf("%w: negative delivery_attempt %d", ErrMalformedEnvelope, w.DeliveryAttempt)
	case len(w.Payload) == 0 || w.Payload[0] != '{':
		return fmt.Errorf("%w: payload is not an object", ErrMalformedEnvelope)
	}

	*e = Envelope{
		ID:        w.ID,
		Stream:    w.Stream,
		EntityID:  w.EntityID,
		Timestamp: w.Timestamp.UTC(),
		Payload:   w.Payload,
		attempt:   w.DeliveryAttempt,
	}
	return nil
}

// DecodeEnvelope parses wire bytes into an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		if errors.Is(err, ErrMalformedEnvelope) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return e, nil
}
