package topology

import (
	"fmt"
	"strings"
)

// validatePattern checks a topic binding pattern: dot-separated segments,
// each a literal, * (exactly one segment), or # (zero or more segments).
func validatePattern(pattern string) error {
	for _, segment := range strings.Split(pattern, ".") {
		if segment == "" {
			return fmt.Errorf("pattern %q has an empty segment", pattern)
		}
		if segment == "*" || segment == "#" {
			continue
		}
		if strings.ContainsAny(segment, "*#") {
			return fmt.Errorf("pattern %q mixes wildcards into segment %q", pattern, segment)
		}
	}
	return nil
}

// matchPattern reports whether a routing key matches a topic pattern.
func matchPattern(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		// # absorbs zero or more segments.
		if matchSegments(pattern[1:], key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return matchSegments(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	default:
		if len(key) == 0 || pattern[0] != key[0] {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	}
}
