package topic

import (
	"unicode/utf8"
)

// ValidateTopic validates a topic name according to MQTT 3.1.1 section 4.7.
// Topic names appear in PUBLISH packets and cannot contain wildcards.
func ValidateTopic(topic string) error {
	if len(topic) == 0 {
		return ErrEmptyTopic
	}

	if len(topic) > 65535 {
		return ErrTopicTooLong
	}

	if !utf8.ValidString(topic) {
		return ErrInvalidTopicUTF8
	}

	for i := 0; i < len(topic); i++ {
		c := topic[i]
		if c == '+' || c == '#' {
			return ErrWildcardInTopicName
		}
		if c == 0 {
			return ErrNullInTopic
		}
	}

	return nil
}

// ValidateFilter validates a topic filter according to MQTT 3.1.1 section
// 4.7.1: '+' must occupy an entire level; '#' must occupy an entire level
// and be the last character of the filter.
func ValidateFilter(filter string) error {
	if len(filter) == 0 {
		return ErrEmptyTopic
	}

	if len(filter) > 65535 {
		return ErrTopicTooLong
	}

	if !utf8.ValidString(filter) {
		return ErrInvalidTopicUTF8
	}

	for i := 0; i < len(filter); i++ {
		if filter[i] == 0 {
			return ErrNullInTopic
		}
	}

	levels := splitTopicLevels(filter)
	for i, level := range levels {
		for j := 0; j < len(level); j++ {
			c := level[j]
			if c == '+' && len(level) != 1 {
				return ErrInvalidWildcard
			}
			if c == '#' {
				if len(level) != 1 || i != len(levels)-1 {
					return ErrInvalidWildcard
				}
			}
		}
	}

	return nil
}
