package conversation

import (
	"strings"
	"unicode/utf8"

	"cowrite/api/internal/store"
)

const (
	MaxContentLength    = 15000
	MaxSuggestionLength = 500

	suggestBudget   = 14500
	hardCut         = 14800
	maxSuggestLines = 5

	SuggestMarker = "\n\n[Response truncated - ask for more details if needed]"
	DefaultMarker = "\n\n[Response truncated - please ask me to continue or be more specific]"
)

// Truncate bounds content to MaxContentLength runes. Analyze-mode AI replies that
// talk about suggestions keep whole lines, and up to five suggestion lines past
// the soft budget; everything else is cut at a fixed offset.
func Truncate(content string, sender store.Sender, mode store.AIMode) string {
	if utf8.RuneCountInString(content) <= MaxContentLength {
		return content
	}
	if sender == store.SenderAI && mode == store.ModeAnalyze && strings.Contains(content, "suggest") {
		return truncateKeepingSuggestions(content)
	}
	runes := []rune(content)
	return string(runes[:hardCut]) + DefaultMarker
}

func truncateKeepingSuggestions(content string) string {
	markerLen := utf8.RuneCountInString(SuggestMarker)
	var b strings.Builder
	used := 0
	suggestions := 0

	for _, line := range strings.Split(content, "\n") {
		lineLen := utf8.RuneCountInString(line)
		switch {
		case used+lineLen < suggestBudget:
			b.WriteString(line)
			b.WriteByte('\n')
			used += lineLen + 1
			continue
		case suggestions < maxSuggestLines &&
			strings.Contains(strings.ToLower(line), "suggest") &&
			used+lineLen+1+markerLen <= MaxContentLength:
			b.WriteString(line)
			b.WriteByte('\n')
			used += lineLen + 1
			suggestions++
			continue
		case used < suggestBudget:
			b.WriteString(string([]rune(line)[:suggestBudget-used]))
		}
		break
	}
	return b.String() + SuggestMarker
}
