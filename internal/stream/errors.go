package stream

import (
	"errors"
	"fmt"
)

// Domain-specific errors for stream types and envelopes.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnknownStream is returned for a stream type outside the closed set.
	ErrUnknownStream = errors.New("stream: unknown stream type")

	// ErrSchemaValidation is matched by every *SchemaValidationError.
	ErrSchemaValidation = errors.New("stream: schema validation failed")

	// ErrMalformedEnvelope is returned when bytes off the wire do not decode
	// into a complete envelope.
	ErrMalformedEnvelope = errors.New("stream: malformed envelope")

	// ErrStaleDecision is returned by Escalate when the decision was not made
	// for the envelope's next attempt.
	ErrStaleDecision = errors.New("stream: retry decision does not follow current attempt")
)

// SchemaValidationError describes the first schema violation found in a
// payload. Field is empty when the payload as a whole is at fault.
type SchemaValidationError struct {
	Stream Type
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *SchemaValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("stream: %s payload: %s", e.Stream, e.Reason)
	}
	return fmt.Sprintf("stream: %s payload field %q: %s", e.Stream, e.Field, e.Reason)
}

// Is reports whether target is ErrSchemaValidation.
func (e *SchemaValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}
