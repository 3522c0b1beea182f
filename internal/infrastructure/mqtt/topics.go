package mqtt

import (
	"fmt"
	"strings"
)

// sharePrefix starts a shared subscription filter.
const sharePrefix = "$share"

// ToTopic converts a dotted routing key to an MQTT topic.
//
// Example: realtime.location.VH-1 → realtime/location/VH-1
func ToTopic(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/+#*") {
		return "", fmt.Errorf("%w: key %q", ErrInvalidTopic, key)
	}
	return strings.ReplaceAll(key, ".", "/"), nil
}

// FromTopic converts an MQTT topic back to a dotted routing key.
func FromTopic(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// ToFilter converts a binding pattern to an MQTT topic filter.
//
// Example: control.*.VH-1 → control/+/VH-1
func ToFilter(pattern string) (string, error) {
	if pattern == "" || strings.ContainsAny(pattern, "/+") {
		return "", fmt.Errorf("%w: pattern %q", ErrInvalidTopic, pattern)
	}
	words := strings.Split(pattern, ".")
	for i, w := range words {
		if w == "*" {
			words[i] = "+"
		}
	}
	return strings.Join(words, "/"), nil
}

// SharedFilter returns the shared subscription filter that backs queue.
//
// Example: ("fleet.dlq.control", "dlq.control.#") → $share/fleet.dlq.control/dlq/control/#
func SharedFilter(queue, pattern string) (string, error) {
	if queue == "" || strings.ContainsAny(queue, "/+#") {
		return "", fmt.Errorf("%w: queue name %q", ErrInvalidTopic, queue)
	}
	filter, err := ToFilter(pattern)
	if err != nil {
		return "", err
	}
	return sharePrefix + "/" + queue + "/" + filter, nil
}
