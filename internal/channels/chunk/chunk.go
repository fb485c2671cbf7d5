// Package chunk splits outbound text into platform-sized pieces. Chunks are
// exact slices of the input: concatenating them in order reproduces the
// original text byte for byte, and a split never lands inside a multi-byte
// UTF-8 sequence.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultLimit is the fallback maximum chunk size in bytes.
const DefaultLimit = 4000

// ChannelLimits holds default single-message payload limits per platform.
var ChannelLimits = map[string]int{
	"telegram": 4096,
	"discord":  2000,
	"slack":    40000,
	"whatsapp": 65536,
}

// Limit returns the payload limit for a platform, or DefaultLimit when the
// platform has no documented cap.
func Limit(channel string) int {
	if limit, ok := ChannelLimits[strings.ToLower(channel)]; ok {
		return limit
	}
	return DefaultLimit
}

// Text splits text into chunks of at most limit bytes. Break points are
// chosen in preference order: paragraph boundary (blank line), line break,
// word boundary, and finally a hard break backed up to the nearest rune
// boundary.
func Text(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > limit {
		cut := splitIndex(rest, limit)
		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// splitIndex picks the byte offset to cut at, always > 0 and <= limit.
func splitIndex(s string, limit int) int {
	max := runeSafePrefix(s, limit)
	window := s[:max]

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i + 1
	}
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i > 0 {
		_, width := utf8.DecodeRuneInString(window[i:])
		return i + width
	}
	return max
}

// runeSafePrefix returns the largest offset <= limit that does not split a
// multi-byte sequence.
func runeSafePrefix(s string, limit int) int {
	if len(s) <= limit {
		return len(s)
	}
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	if i == 0 {
		// Degenerate limit smaller than one rune; take the full rune anyway
		// rather than emit invalid UTF-8.
		_, width := utf8.DecodeRuneInString(s)
		return width
	}
	return i
}
