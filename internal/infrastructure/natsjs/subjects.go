package natsjs

import (
	"fmt"
	"strings"

	"github.com/nerrad567/fleetbus/internal/broker"
)

// Subject returns the JetStream subject that carries key.
//
// Example: ("fleet", "realtime.location.VH-1") → fleet.realtime.location.VH-1
func Subject(prefix, key string) string {
	return prefix + "." + key
}

// Key strips the stream prefix from a subject.
func Key(prefix, subject string) string {
	return strings.TrimPrefix(subject, prefix+".")
}

// FilterSubject converts a binding pattern to a consumer filter subject.
// NATS has no multi-word wildcard in the middle of a subject, so "#" is only
// accepted as the last word, and there it matches one or more words.
func FilterSubject(prefix, pattern string) (string, error) {
	if err := broker.ValidatePattern(pattern); err != nil {
		return "", err
	}
	words := strings.Split(pattern, ".")
	for i, w := range words {
		if w != "#" {
			continue
		}
		if i != len(words)-1 {
			return "", fmt.Errorf("%w: %q: \"#\" must be the last word", broker.ErrInvalidPattern, pattern)
		}
		words[i] = ">"
	}
	return prefix + "." + strings.Join(words, "."), nil
}

// DurableName derives a consumer name from a queue name. Consumer names may
// not contain dots.
//
// Example: fleet.realtime.location → fleet_realtime_location
func DurableName(queue string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(queue)
}
