package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix_<32 hex chars> built from a random UUIDv4.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// Excerpt shortens s to at most n runes, appending "..." when it was cut.
func Excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
