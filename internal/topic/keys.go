package topic

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nerrad567/fleetbus/internal/stream"
)

// Key is a routing key of the form "<category>.<stream-name>.<entity-id>".
type Key string

// DeadLetterPrefix is the first word of every dead-letter key. It is not a
// stream category, so dead-letter keys never collide with KeyFor keys.
const DeadLetterPrefix = "dlq"

const separator = "."

// forbidden holds characters that would split or wildcard a key token on one
// of the supported brokers.
const forbidden = ".*#+>/"

// KeyFor derives the routing key for a message on stream t about entityID.
// It is pure and deterministic; distinct valid pairs always yield distinct keys.
func KeyFor(t stream.Type, entityID string) (Key, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", stream.ErrUnknownStream, t)
	}
	if err := ValidateEntityID(entityID); err != nil {
		return "", err
	}
	return Key(string(t) + separator + entityID), nil
}

// ValidateEntityID reports whether id can be used as a key token.
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if i := strings.IndexAny(id, forbidden); i >= 0 {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidEntityID, id, id[i])
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidEntityID, id)
	}
	return nil
}

// Parse splits a key produced by KeyFor back into its stream type and entity
// id.
func Parse(key string) (stream.Type, string, error) {
	parts := strings.Split(key, separator)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	t, err := stream.ParseType(parts[0] + separator + parts[1])
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrInvalidKey, key, err)
	}
	if err := ValidateEntityID(parts[2]); err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrInvalidKey, key, err)
	}
	return t, parts[2], nil
}

// DeadLetterKeyFor returns the key a failed message with key k is
// dead-lettered under.
func DeadLetterKeyFor(k Key) Key {
	return Key(DeadLetterPrefix + separator + string(k))
}

// Pattern returns the binding pattern matching every entity on stream t.
func Pattern(t stream.Type) string {
	return string(t) + separator + "*"
}

// EntityPattern returns the binding pattern matching every stream of the
// category addressed to one entity.
func EntityPattern(category, entityID string) string {
	return category + separator + "*" + separator + entityID
}

// DeadLetterPattern returns the binding pattern matching every dead-letter
// key of the category.
func DeadLetterPattern(category string) string {
	return DeadLetterPrefix + separator + category + separator + "*" + separator + "*"
}

// String implements fmt.Stringer.
func (k Key) String() string { return string(k) }
