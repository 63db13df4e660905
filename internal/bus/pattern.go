package bus

import "strings"

// MatchTopic reports whether a dotted routing key matches a binding pattern.
// `*` matches exactly one segment; `#` matches zero or more trailing or
// interior segments.
func MatchTopic(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchSegments(pattern, topic []string) bool {
	if len(pattern) == 0 {
		return len(topic) == 0
	}
	head := pattern[0]
	switch head {
	case "#":
		if len(pattern) == 1 {
			return true
		}
		// # may consume zero or more segments; try every split point.
		for i := 0; i <= len(topic); i++ {
			if matchSegments(pattern[1:], topic[i:]) {
				return true
			}
		}
		return false
	case "*":
		if len(topic) == 0 {
			return false
		}
		return matchSegments(pattern[1:], topic[1:])
	default:
		if len(topic) == 0 || topic[0] != head {
			return false
		}
		return matchSegments(pattern[1:], topic[1:])
	}
}

// failedTopic derives the `*.failed` sibling of a routing key by replacing
// its final segment, e.g. "autonomous.task.submitted" -> "autonomous.task.failed".
func failedTopic(topic string) string {
	parts := strings.Split(topic, ".")
	if len(parts) == 0 {
		return topic + ".failed"
	}
	parts[len(parts)-1] = "failed"
	return strings.Join(parts, ".")
}
