package transport

import (
	"fmt"
	"strings"

	"github.com/pdsno/pdsno/pkg/envelope"
)

// Topics follow pdsno/<category>/<region>/<sender>. Subscriptions may use
// "+" for one level and "#" (final segment only) for all remaining levels.

// Topic builds the canonical topic for a category, region, and sender.
func Topic(category envelope.Category, region, sender string) string {
	return strings.Join([]string{"pdsno", string(category), region, sender}, "/")
}

// TopicCategory extracts the category segment of a topic or pattern.
func TopicCategory(topic string) (envelope.Category, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != "pdsno" {
		return "", fmt.Errorf("malformed topic %q", topic)
	}
	if strings.ContainsAny(parts[1], "+#") {
		return "", fmt.Errorf("topic %q: category segment must be concrete", topic)
	}
	return envelope.Category(parts[1]), nil
}

// TopicMatch reports whether a concrete topic matches a subscription
// pattern.
func TopicMatch(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i := 0; i < len(p); i++ {
		if p[i] == "#" {
			// Multi-level wildcard swallows the rest; it is only valid as
			// the final segment.
			return i == len(p)-1
		}
		if i >= len(t) {
			return false
		}
		if p[i] != "+" && p[i] != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
