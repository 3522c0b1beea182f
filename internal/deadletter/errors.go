package deadletter

import "errors"

var (
	// ErrNotFound is returned when a record does not exist in the archive.
	ErrNotFound = errors.New("deadletter: record not found")

	// ErrMalformedRecord is returned for dead-letter bodies that do not decode.
	ErrMalformedRecord = errors.New("deadletter: malformed record")
)
