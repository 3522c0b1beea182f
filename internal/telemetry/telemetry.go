package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fleetbus/internal/dispatch"
	"github.com/nerrad567/fleetbus/internal/stream"
)

// TagVehicle is the tag carrying the entity id.
const TagVehicle = "vehicle"

// ErrNoFields is returned for payloads with nothing to record.
var ErrNoFields = errors.New("telemetry: payload has no numeric or boolean fields")

// Writer stores one point. *influxdb.Client satisfies it.
type Writer interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Point is one time-series sample.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// Streams returns the stream types the sink records: every realtime and
// report stream.
func Streams() []stream.Type {
	return append(stream.InCategory(stream.CategoryRealtime), stream.InCategory(stream.CategoryReport)...)
}

// Measurement returns the measurement name for t, e.g. vehicle_location.
func Measurement(t stream.Type) string {
	return "vehicle_" + t.Name()
}

// PointFor converts env into a point using the schema of its stream.
func PointFor(env stream.Envelope) (Point, error) {
	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Point{}, fmt.Errorf("decoding %s payload: %w", env.Stream, err)
	}

	p := Point{
		Measurement: Measurement(env.Stream),
		Tags:        map[string]string{TagVehicle: env.EntityID},
		Fields:      make(map[string]any),
		Time:        env.Timestamp,
	}
	for _, f := range stream.Fields(env.Stream) {
		v, ok := payload[f.Name]
		if !ok {
			continue
		}
		switch f.Kind {
		case stream.KindString:
			if s, ok := v.(string); ok && s != "" {
				p.Tags[f.Name] = s
			}
		case stream.KindNumber, stream.KindBool:
			p.Fields[f.Name] = v
		}
	}
	if len(p.Fields) == 0 {
		return Point{}, fmt.Errorf("%w: %s", ErrNoFields, env.Stream)
	}
	return p, nil
}

// Sink is the dispatch handler that records telemetry.
type Sink struct {
	w       Writer
	written atomic.Uint64
}

// NewSink creates a Sink writing to w.
func NewSink(w Writer) *Sink {
	return &Sink{w: w}
}

// Register installs the sink as the handler for every stream in Streams.
func (s *Sink) Register(reg *dispatch.Registry) error {
	for _, t := range Streams() {
		if err := reg.Register(t, s.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle writes the point for env. Payloads that cannot become a point fail
// permanently; write errors are returned as they are so the message is
// retried.
func (s *Sink) Handle(ctx context.Context, env stream.Envelope) error {
	p, err := PointFor(env)
	if err != nil {
		return dispatch.Permanent(err)
	}
	if err := s.w.WritePoint(ctx, p.Measurement, p.Tags, p.Fields, p.Time); err != nil {
		return err
	}
	s.written.Add(1)
	return nil
}

// Written returns the number of points stored.
func (s *Sink) Written() uint64 {
	return s.written.Load()
}

// Logger is the logging interface LogWriter needs.
type Logger interface {
	Info(msg string, args ...any)
}

// LogWriter logs points instead of storing them. serve uses it when
// InfluxDB is disabled.
type LogWriter struct {
	Logger Logger
}

// WritePoint implements Writer.
func (l LogWriter) WritePoint(_ context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	l.Logger.Info("telemetry point",
		"measurement", measurement,
		"tags", tags,
		"fields", fields,
		"time", ts,
	)
	return nil
}
