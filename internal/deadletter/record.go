package deadletter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/topic"
)

// unroutableEntity replaces the entity token in dead-letter keys for
// deliveries whose own key could not be parsed.
const unroutableEntity = "_unroutable"

// Record is the body of a dead-lettered message.
type Record struct {
	// ID identifies the record; redeliveries of the same record share it.
	ID string `json:"id"`

	// Envelope is the failed envelope with its final attempt count. It is nil
	// when the delivery could not be decoded.
	Envelope *stream.Envelope `json:"envelope,omitempty"`

	Stream   stream.Type `json:"stream"`
	EntityID string      `json:"entity_id,omitempty"`

	// Attempts is the delivery attempt count at the time of dead-lettering.
	Attempts int `json:"delivery_attempt"`

	Reason      string    `json:"reason"`
	FailedAt    time.Time `json:"failed_at"`
	SourceQueue string    `json:"source_queue"`

	// Key is the routing key of the failed delivery.
	Key string `json:"key"`

	// Raw holds the undecodable body of a poison delivery.
	Raw []byte `json:"raw,omitempty"`
}

// NewRecord builds the record for env, which must already carry its final
// attempt count.
func NewRecord(env stream.Envelope, reason, queue, key string, now time.Time) Record {
	e := env
	return Record{
		ID:          uuid.NewString(),
		Envelope:    &e,
		Stream:      env.Stream,
		EntityID:    env.EntityID,
		Attempts:    env.Attempt(),
		Reason:      reason,
		FailedAt:    now.UTC(),
		SourceQueue: queue,
		Key:         key,
	}
}

// NewPoisonRecord builds the record for a delivery on stream st whose body
// could not be decoded into an envelope.
func NewPoisonRecord(st stream.Type, raw []byte, reason, queue, key string, now time.Time) Record {
	return Record{
		ID:          uuid.NewString(),
		Stream:      st,
		Attempts:    1,
		Reason:      reason,
		FailedAt:    now.UTC(),
		SourceQueue: queue,
		Key:         key,
		Raw:         append([]byte(nil), raw...),
	}
}

// RouteKey returns the key the record is published under: "dlq." followed by
// the failed delivery's key, or by a synthetic key on the record's stream if
// the delivery key is not a valid topic key.
func (r Record) RouteKey() topic.Key {
	if _, _, err := topic.Parse(r.Key); err == nil {
		return topic.DeadLetterKeyFor(topic.Key(r.Key))
	}
	return topic.DeadLetterKeyFor(topic.Key(string(r.Stream) + "." + unroutableEntity))
}

// Category returns the stream category, which selects the dead-letter queue.
func (r Record) Category() string { return r.Stream.Category() }

// Payload returns the failed payload, or nil for poison records.
func (r Record) Payload() json.RawMessage {
	if r.Envelope == nil {
		return nil
	}
	return r.Envelope.Payload
}

// Encode returns the JSON body of the record.
func (r Record) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding dead-letter record %s: %w", r.ID, err)
	}
	return b, nil
}

// DecodeRecord parses a record body.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if r.ID == "" || !r.Stream.Valid() {
		return Record{}, fmt.Errorf("%w: missing id or stream", ErrMalformedRecord)
	}
	return r, nil
}
