package topic

import "errors"

// Domain-specific errors for key derivation and queue binding.
var (
	// ErrInvalidEntityID is returned when an entity id cannot be used as a
	// single key token: it is empty or contains the separator, a wildcard
	// character, a slash, or whitespace.
	ErrInvalidEntityID = errors.New("topic: invalid entity id")

	// ErrInvalidKey is returned by Parse for strings that are not keys
	// produced by KeyFor.
	ErrInvalidKey = errors.New("topic: invalid topic key")

	// ErrInvalidCategory is returned when binding an unknown category.
	ErrInvalidCategory = errors.New("topic: invalid category")

	// ErrBindFailed wraps declaration errors from the broker.
	ErrBindFailed = errors.New("topic: queue bind failed")
)
