package topic

import (
	"strings"
	"unicode/utf8"
)

const maxTopicLength = 65535

// ValidateTopic validates a publishable topic name: non-empty, valid UTF-8,
// no null bytes, no wildcard characters (MQTT 5.0 section 4.7).
func ValidateTopic(topic string) error {
	if err := validateCommon(topic); err != nil {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopic
	}
	return nil
}

// ValidateFilter validates a subscription topic filter: '#' only as the
// final whole level, '+' only as a whole level.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return ErrInvalidFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return ErrInvalidFilter
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidFilter
		}
	}
	return nil
}

func validateCommon(s string) error {
	if len(s) == 0 || len(s) > maxTopicLength {
		return ErrInvalidTopic
	}
	if !utf8.ValidString(s) {
		return ErrInvalidTopic
	}
	if strings.IndexByte(s, 0) >= 0 {
		return ErrInvalidTopic
	}
	return nil
}

// splitLevels tokenizes a topic or filter into its '/'-separated levels.
// Leading and trailing empty levels are real levels (MQTT 5.0 section 4.7.1).
func splitLevels(s string) []string {
	return strings.Split(s, "/")
}
