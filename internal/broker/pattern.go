package broker

import (
	"fmt"
	"strings"
)

// Separator splits routing keys and binding patterns into words.
const Separator = "."

// Wildcard words in binding patterns.
const (
	WildcardOne  = "*"
	WildcardMany = "#"
)

// ValidatePattern reports whether pattern is a well-formed binding pattern.
// Words must be non-empty and wildcards must stand alone as whole words.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	for _, word := range strings.Split(pattern, Separator) {
		if word == "" {
			return fmt.Errorf("%w: empty word in %q", ErrInvalidPattern, pattern)
		}
		if word != WildcardOne && word != WildcardMany && strings.ContainsAny(word, "*#") {
			return fmt.Errorf("%w: wildcard inside word %q", ErrInvalidPattern, word)
		}
	}
	return nil
}

// Match reports whether routing key matches the binding pattern using AMQP
// topic-exchange rules.
func Match(pattern, key string) bool {
	return matchWords(strings.Split(pattern, Separator), strings.Split(key, Separator))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case WildcardMany:
			// Collapse consecutive '#'.
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == WildcardMany {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case WildcardOne:
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
