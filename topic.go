package mqtt311

import (
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = malformed("invalid topic name")
	ErrInvalidTopicFilter = malformed("invalid topic filter")
	ErrEmptyTopic         = malformed("topic cannot be empty")
)

const (
	topicSeparator      = "/"
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
	reservedTopicPrefix = '$'
)

func validateTopicText(s string, errInvalid error) error {
	if s == "" {
		return ErrEmptyTopic
	}
	if len(s) > maxUint16 || !utf8.ValidString(s) || strings.IndexByte(s, 0) >= 0 {
		return errInvalid
	}
	return nil
}

// ValidateTopicName checks a concrete topic name. Topic names never contain
// wildcards.
func ValidateTopicName(topic string) error {
	if err := validateTopicText(topic, ErrInvalidTopicName); err != nil {
		return err
	}
	if strings.ContainsAny(topic, singleLevelWildcard+multiLevelWildcard) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a subscription filter. A wildcard must occupy a
// whole level and "#" may only appear as the last level.
func ValidateTopicFilter(filter string) error {
	if err := validateTopicText(filter, ErrInvalidTopicFilter); err != nil {
		return err
	}

	levels := strings.Split(filter, topicSeparator)
	for i, level := range levels {
		switch {
		case level == multiLevelWildcard:
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		case level == singleLevelWildcard:
		case strings.ContainsAny(level, singleLevelWildcard+multiLevelWildcard):
			return ErrInvalidTopicFilter
		}
	}

	return nil
}

// IsReservedTopic reports whether a topic begins with '$'.
func IsReservedTopic(topic string) bool {
	return topic != "" && topic[0] == reservedTopicPrefix
}

func isWildcardLevel(level string) bool {
	return level == singleLevelWildcard || level == multiLevelWildcard
}

// firstLevel returns the level before the first separator.
func firstLevel(s string) string {
	if i := strings.Index(s, topicSeparator); i >= 0 {
		return s[:i]
	}
	return s
}

// TopicMatch reports whether topic matches filter.
//
// "+" matches exactly one level, including an empty one. A trailing "#"
// matches the parent level itself and everything below it, so "sport/#"
// matches "sport". Topics starting with '$' never match a filter whose first
// level is a wildcard.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if IsReservedTopic(topic) && isWildcardLevel(firstLevel(filter)) {
		return false
	}

	for {
		fLevel, fRest, fMore := strings.Cut(filter, topicSeparator)
		if fLevel == multiLevelWildcard {
			return true
		}

		tLevel, tRest, tMore := strings.Cut(topic, topicSeparator)
		if fLevel != singleLevelWildcard && fLevel != tLevel {
			return false
		}

		switch {
		case fMore && tMore:
			filter, topic = fRest, tRest
		case !fMore && !tMore:
			return true
		case fMore && !tMore:
			// Topic exhausted: only a trailing "#" can still match.
			return fRest == multiLevelWildcard
		default:
			return false
		}
	}
}

// FilterCovers reports whether every topic matched by filter is also matched
// by rule. Both arguments must be valid topic filters.
func FilterCovers(rule, filter string) bool {
	if IsReservedTopic(filter) && isWildcardLevel(firstLevel(rule)) {
		return false
	}

	ruleLevels := strings.Split(rule, topicSeparator)
	filterLevels := strings.Split(filter, topicSeparator)

	for i, r := range ruleLevels {
		if r == multiLevelWildcard {
			return true
		}
		if i >= len(filterLevels) {
			return false
		}

		f := filterLevels[i]
		switch {
		case f == multiLevelWildcard:
			return false
		case r == singleLevelWildcard:
		case f == singleLevelWildcard || f != r:
			return false
		}
	}

	return len(ruleLevels) == len(filterLevels)
}
