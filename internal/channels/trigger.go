package channels

import (
	"regexp"
	"strings"
)

// TriggerPattern compiles a group's trigger string into the matching
// pattern: case-insensitive, anchored at the start of the message, followed
// by a word boundary so "@Andy" does not match "@Andrew". A trigger without
// a leading "@" gets one prepended.
func TriggerPattern(trigger string) (*regexp.Regexp, error) {
	trimmed := strings.TrimSpace(trigger)
	if !strings.HasPrefix(trimmed, "@") {
		trimmed = "@" + trimmed
	}
	return regexp.Compile(`(?i)^` + regexp.QuoteMeta(trimmed) + `\b`)
}

// MatchesTrigger reports whether content starts with the trigger. Leading
// whitespace in the content is ignored. An empty or uncompilable trigger
// never matches.
func MatchesTrigger(trigger, content string) bool {
	if strings.TrimSpace(trigger) == "" {
		return false
	}
	pattern, err := TriggerPattern(trigger)
	if err != nil {
		return false
	}
	return pattern.MatchString(strings.TrimSpace(content))
}
