package redisstream

import (
	"maps"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/fleetbus/internal/broker"
)

// group is the consumer group created on every queue stream.
const group = "fleetbus"

// Stream entry fields.
const (
	fieldKey         = "key"
	fieldBody        = "body"
	fieldID          = "id"
	fieldContentType = "ctype"
	fieldTimestamp   = "ts"
	fieldRedelivered = "redelivered"
	headerPrefix     = "h:"
)

// keyspace names the Redis keys under one namespace.
type keyspace string

func (ns keyspace) queues() string               { return string(ns) + ":queues" }
func (ns keyspace) bindings(queue string) string { return string(ns) + ":bindings:" + queue }
func (ns keyspace) stream(queue string) string   { return string(ns) + ":queue:" + queue }

// encode flattens msg into stream entry fields.
func encode(msg broker.Publishing) map[string]any {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	values := map[string]any{
		fieldKey:       msg.Key,
		fieldBody:      msg.Body,
		fieldTimestamp: ts.UTC().Format(time.RFC3339Nano),
	}
	if msg.MessageID != "" {
		values[fieldID] = msg.MessageID
	}
	if msg.ContentType != "" {
		values[fieldContentType] = msg.ContentType
	}
	for k, v := range msg.Headers {
		values[headerPrefix+k] = v
	}
	return values
}

// decode rebuilds a delivery from a stream entry. Redis returns every field
// value as a string.
func decode(queue string, m redis.XMessage) broker.Delivery {
	str := func(field string) string {
		s, _ := m.Values[field].(string)
		return s
	}

	var headers map[string]string
	for k, v := range m.Values {
		name, ok := strings.CutPrefix(k, headerPrefix)
		if !ok {
			continue
		}
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[name], _ = v.(string)
	}

	return broker.Delivery{
		Queue:       queue,
		Key:         str(fieldKey),
		Body:        []byte(str(fieldBody)),
		MessageID:   str(fieldID),
		Headers:     headers,
		Redelivered: str(fieldRedelivered) == "1",
	}
}

// requeued returns a copy of values marked redelivered.
func requeued(values map[string]any) map[string]any {
	out := maps.Clone(values)
	out[fieldRedelivered] = "1"
	return out
}
