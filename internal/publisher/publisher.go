// Package publisher turns typed payloads into envelopes and hands them to the
// current broker session.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/session"
	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/topic"
)

// ContentType of every envelope body.
const ContentType = "application/json"

// Header names set on every publishing.
const (
	HeaderStream  = "x-stream"
	HeaderAttempt = "x-delivery-attempt"
)

// SessionSource yields the session to publish on. *supervisor.Supervisor
// satisfies it; so does Fixed.
type SessionSource interface {
	Session() (*session.Session, error)
}

// Fixed adapts a single session to SessionSource.
func Fixed(s *session.Session) SessionSource { return fixed{s} }

type fixed struct{ s *session.Session }

func (f fixed) Session() (*session.Session, error) {
	if f.s == nil || !f.s.State().Connected() {
		return nil, session.ErrNotConnected
	}
	return f.s, nil
}

// Logger interface for optional logging support.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Publisher publishes domain messages.
//
// Thread Safety:
//   - Publish may be called concurrently; the session serialises wire writes.
type Publisher struct {
	source SessionSource
	now    func() time.Time
	logger Logger
}

// New creates a Publisher that publishes on whatever session source returns.
func New(source SessionSource) *Publisher {
	return &Publisher{
		source: source,
		now:    time.Now,
		logger: noopLogger{},
	}
}

// SetLogger sets a logger for publish tracing.
func (p *Publisher) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	p.logger = logger
}

// Publish validates payload against the schema of t, wraps it in a new
// envelope with attempt count zero, and sends it under KeyFor(t, entityID).
// It returns once the broker has accepted the message.
//
// Validation and key derivation happen before the session is touched, so a
// rejected payload never reaches the wire. If no session is usable, Publish
// fails at once with session.ErrNotConnected rather than waiting for a
// reconnect.
//
// Returns:
//   - stream.Envelope: the envelope as sent
//   - error: *stream.SchemaValidationError, topic.ErrInvalidEntityID,
//     stream.ErrUnknownStream, session.ErrNotConnected or
//     session.ErrPublishFailed
func (p *Publisher) Publish(ctx context.Context, t stream.Type, entityID string, payload any) (stream.Envelope, error) {
	raw, err := stream.Validate(t, payload)
	if err != nil {
		return stream.Envelope{}, err
	}
	if _, err := topic.KeyFor(t, entityID); err != nil {
		return stream.Envelope{}, err
	}

	sess, err := p.source.Session()
	if err != nil {
		return stream.Envelope{}, err
	}

	env := stream.NewEnvelope(t, entityID, raw, p.now())
	msg, err := Encode(env)
	if err != nil {
		return stream.Envelope{}, err
	}
	if err := sess.Publish(ctx, msg); err != nil {
		return stream.Envelope{}, err
	}

	p.logger.Debug("published",
		"key", msg.Key,
		"id", env.ID,
	)
	return env, nil
}

// Encode builds the persistent publishing that carries env under its topic
// key.
func Encode(env stream.Envelope) (broker.Publishing, error) {
	key, err := topic.KeyFor(env.Stream, env.EntityID)
	if err != nil {
		return broker.Publishing{}, err
	}
	return encodeUnder(key, env)
}

func encodeUnder(key topic.Key, env stream.Envelope) (broker.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return broker.Publishing{}, fmt.Errorf("encoding envelope %s: %w", env.ID, err)
	}
	return broker.Publishing{
		Key:         string(key),
		Body:        body,
		ContentType: ContentType,
		MessageID:   env.ID,
		Persistent:  true,
		Timestamp:   env.Timestamp,
		Headers: map[string]string{
			HeaderStream:  string(env.Stream),
			HeaderAttempt: strconv.Itoa(env.Attempt()),
		},
	}, nil
}
