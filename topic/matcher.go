package topic

import "strings"

// Match reports whether a topic filter matches a topic name per MQTT 3.1.1
// section 4.7: '+' matches exactly one level, a trailing '#' matches zero or
// more levels, and topics starting with '$' never match filters whose first
// level is a wildcard.
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") {
		if strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#") {
			return false
		}
	}

	if filter == topic {
		return true
	}

	return matchLevels(splitTopicLevels(filter), splitTopicLevels(topic))
}

func matchLevels(filterLevels, topicLevels []string) bool {
	filterLen := len(filterLevels)
	topicLen := len(topicLevels)

	fi := 0
	ti := 0

	for fi < filterLen && ti < topicLen {
		filterLevel := filterLevels[fi]

		if filterLevel == "#" {
			return true
		}

		if filterLevel == "+" {
			fi++
			ti++
			continue
		}

		if filterLevel != topicLevels[ti] {
			return false
		}

		fi++
		ti++
	}

	if fi < filterLen {
		// "sport/#" also matches "sport": '#' covers zero levels
		return filterLen-fi == 1 && filterLevels[fi] == "#"
	}

	return ti == topicLen
}

// HasWildcard reports whether the filter contains '+' or '#'.
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// splitTopicLevels splits a topic into levels by '/'
func splitTopicLevels(topic string) []string {
	if len(topic) == 0 {
		return []string{}
	}

	levels := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			levels = append(levels, topic[start:i])
			start = i + 1
		}
	}
	levels = append(levels, topic[start:])
	return levels
}
