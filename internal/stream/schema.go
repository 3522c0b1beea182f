package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind is the JSON kind a payload field must have.
type Kind int

const (
	KindNumber Kind = iota + 1
	KindString
	KindBool
)

// String returns the JSON kind name.
func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Field describes one payload field.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

type schema struct {
	fields map[string]Field
}

func newSchema(fields ...Field) schema {
	s := schema{fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		s.fields[f.Name] = f
	}
	return s
}

func required(name string, kind Kind) Field { return Field{Name: name, Kind: kind, Required: true} }
func optional(name string, kind Kind) Field { return Field{Name: name, Kind: kind} }

func numbers(names ...string) []Field {
	out := make([]Field, 0, len(names))
	for _, n := range names {
		out = append(out, required(n, KindNumber))
	}
	return out
}

var schemas = map[Type]schema{
	ControlStart: newSchema(required("rental_id", KindString), optional("issued_by", KindString)),
	ControlEnd:   newSchema(required("rental_id", KindString), optional("issued_by", KindString)),
	ControlKill:  newSchema(required("reason", KindString), optional("issued_by", KindString)),

	RealtimeLocation: newSchema(numbers("latitude", "longitude", "speed", "heading")...),
	RealtimeStatus: newSchema(append(numbers("speed", "heading"),
		required("is_locked", KindBool), required("is_active", KindBool))...),
	RealtimeBattery: newSchema(numbers("battery_level", "voltage")...),

	ReportMaintenance: newSchema(append(numbers(
		"tire_front_left", "tire_front_right", "tire_rear_left", "tire_rear_right",
		"brake_pads", "chain_cvt", "engine_oil", "battery", "lights", "spark_plug",
		"overall_score"),
		required("rental_id", KindString), required("maintenance_required", KindBool))...),
	ReportPerformance: newSchema(append(numbers(
		"distance_travelled", "average_speed", "max_speed", "fuel_efficiency",
		"trip_duration_minutes"),
		required("rental_id", KindString))...),
}

// Fields returns the schema of t sorted by field name, or nil for an unknown
// type.
func Fields(t Type) []Field {
	s, ok := schemas[t]
	if !ok {
		return nil
	}
	out := make([]Field, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks payload against the schema for t and returns its JSON
// encoding.
//
// payload may be one of the typed payload structs, a map, or already-encoded
// JSON (json.RawMessage or []byte). The returned bytes are what goes into the
// envelope.
//
// Returns:
//   - *SchemaValidationError: payload is not an object, a required field is
//     missing, a field is unknown, or a field has the wrong kind
//   - ErrUnknownStream: t is not a declared stream type
func Validate(t Type, payload any) (json.RawMessage, error) {
	s, ok := schemas[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, t)
	}

	raw, err := encode(payload)
	if err != nil {
		return nil, &SchemaValidationError{Stream: t, Reason: err.Error()}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, &SchemaValidationError{Stream: t, Reason: "payload must be a JSON object"}
	}

	// Sorted so the reported violation is deterministic.
	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, known := s.fields[name]
		if !known {
			return nil, &SchemaValidationError{Stream: t, Field: name, Reason: "unknown field"}
		}
		if got := kindOf(obj[name]); got != f.Kind {
			return nil, &SchemaValidationError{
				Stream: t,
				Field:  name,
				Reason: fmt.Sprintf("expected %s, got %s", f.Kind, describe(obj[name])),
			}
		}
	}

	for _, f := range Fields(t) {
		if !f.Required {
			continue
		}
		if _, present := obj[f.Name]; !present {
			return nil, &SchemaValidationError{Stream: t, Field: f.Name, Reason: "missing required field"}
		}
	}

	return raw, nil
}

func encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("payload is nil")
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return append(json.RawMessage(nil), p...), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return raw, nil
	}
}

func kindOf(v json.RawMessage) Kind {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return 0
	}
	switch c := v[0]; {
	case c == '"':
		return KindString
	case c == 't' || c == 'f':
		return KindBool
	case c == '-' || (c >= '0' && c <= '9'):
		return KindNumber
	default:
		return 0
	}
}

func describe(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return "nothing"
	}
	switch v[0] {
	case 'n':
		return "null"
	case '{':
		return "object"
	case '[':
		return "array"
	}
	return kindOf(v).String()
}
