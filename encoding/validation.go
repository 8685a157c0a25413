package encoding

import (
	"strings"
)

// ValidateTopicName validates a publishable topic name (MQTT 5.0 section
// 4.7): non-empty, no wildcard characters. UTF-8 validity is enforced when
// the string is read off the wire.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidPublishTopicName
	}
	return nil
}

// ValidateTopicFilter validates a subscription topic filter: non-empty,
// '#' only as the final whole level, '+' only as a whole level.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopicFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidTopicFilter
		}
	}

	return nil
}
