package mqtt

import (
	"errors"
	"fmt"
	"strings"
)

const (
	LevelSeparator        = "/"
	SingleLevelWild       = "+"
	MultiLevelWild        = "#"
	DefaultReservedPrefix = "$"

	maxTopicLength = 65535
)

var ErrInvalidFilter = errors.New("realtime/mqtt: invalid topic filter")
var ErrInvalidTopic = errors.New("realtime/mqtt: invalid topic name")

// MatchPolicy controls how wildcard filters treat topics carrying a reserved
// prefix such as "$SYS".
type MatchPolicy struct {
	ExcludeReserved bool
	ReservedPrefix  string
}

// ValidateFilter reports whether filter is a well-formed subscription filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	if len(filter) > maxTopicLength {
		return fmt.Errorf("%w: filter exceeds %d bytes", ErrInvalidFilter, maxTopicLength)
	}
	if strings.ContainsRune(filter, 0) {
		return fmt.Errorf("%w: %q contains a null character", ErrInvalidFilter, filter)
	}

	levels := strings.Split(filter, LevelSeparator)
	for i, level := range levels {
		switch level {
		case SingleLevelWild:
		case MultiLevelWild:
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q uses %q before the last level", ErrInvalidFilter, filter, MultiLevelWild)
			}
		default:
			if strings.ContainsAny(level, SingleLevelWild+MultiLevelWild) {
				return fmt.Errorf("%w: %q mixes a wildcard with other characters in level %d", ErrInvalidFilter, filter, i)
			}
		}
	}
	return nil
}

// ValidateTopic reports whether topic can be used to publish a message.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if strings.ContainsAny(topic, SingleLevelWild+MultiLevelWild+"\x00") {
		return fmt.Errorf("%w: %q contains wildcard or null characters", ErrInvalidTopic, topic)
	}
	return nil
}

// HasWildcard reports whether filter contains a wildcard level.
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, SingleLevelWild+MultiLevelWild)
}

// Matches reports whether topic matches filter. Reserved topics are matched
// like any other topic.
func Matches(filter string, topic string) bool {
	return MatchesWith(MatchPolicy{}, filter, topic)
}

// MatchesWith reports whether topic matches filter under policy.
func MatchesWith(policy MatchPolicy, filter string, topic string) bool {
	if policy.ExcludeReserved && isReserved(policy, topic) {
		if strings.HasPrefix(filter, SingleLevelWild) || strings.HasPrefix(filter, MultiLevelWild) {
			return false
		}
	}

	if filter == MultiLevelWild {
		return true
	}

	filterLevels := strings.Split(filter, LevelSeparator)
	topicLevels := strings.Split(topic, LevelSeparator)

	for i, f := range filterLevels {
		if f == MultiLevelWild {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		// "+" also matches an empty level, so "a/+/c" matches "a//c" as in
		// MQTT 3.1.1 section 4.7.1.3.
		if f != SingleLevelWild && f != topicLevels[i] {
			return false
		}
	}

	return len(topicLevels) == len(filterLevels)
}

func isReserved(policy MatchPolicy, topic string) bool {
	prefix := policy.ReservedPrefix
	if prefix == "" {
		prefix = DefaultReservedPrefix
	}
	return strings.HasPrefix(topic, prefix)
}
