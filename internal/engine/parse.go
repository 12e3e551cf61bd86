package engine

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cowrite/api/internal/ledger"
	"cowrite/api/internal/store"
)

const NoSuggestionsText = "No specific suggestions were found. Try providing more detailed instructions or ask for analysis of specific aspects of your content."

var (
	numberedLine    = regexp.MustCompile(`^[0-9]\.`)
	suggestionsHead = regexp.MustCompile(`(?i)^suggestions:`)
	bulletPrefix    = regexp.MustCompile(`^[*-]\s*`)

	aiShare    = regexp.MustCompile(`(?i)ai contribution.?\s*:?\s*(\d+)`)
	humanShare = regexp.MustCompile(`(?i)human contribution.?\s*:?\s*(\d+)`)
	editsCount = regexp.MustCompile(`(?i)total\s*edits.?\s*:?\s*(\d+)`)
)

// ParseSuggestions turns a line-per-suggestion reply into a list. Numbered
// lines are treated as explanation and dropped, as is a leading heading.
func ParseSuggestions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" || numberedLine.MatchString(line) || suggestionsHead.MatchString(line) {
			continue
		}
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ContributionAnalysis is both the structured reply schema and the API result.
type ContributionAnalysis struct {
	AIContribution    float64 `json:"aiContribution" jsonschema:"minimum=0,maximum=100"`
	HumanContribution float64 `json:"humanContribution" jsonschema:"minimum=0,maximum=100"`
	Explanation       string  `json:"explanation"`
	TotalEdits        int     `json:"totalEdits" jsonschema:"minimum=0"`
}

// contributionReply mirrors ContributionAnalysis with optional shares so a
// reply that names only one of them can be told apart from an explicit zero.
type contributionReply struct {
	AIContribution    *float64 `json:"aiContribution"`
	HumanContribution *float64 `json:"humanContribution"`
	Explanation       string   `json:"explanation"`
	TotalEdits        *int     `json:"totalEdits"`
}

// ParseContributions reads a JSON reply, falling back to scraping the numbers
// out of prose. The patch names only the shares the reply gave; with neither,
// ai is 0. Edits default to 1.
func ParseContributions(text string) (ContributionAnalysis, ledger.StatsPatch) {
	var reply contributionReply
	if err := json.Unmarshal([]byte(stripFence(text)), &reply); err != nil {
		reply = contributionReply{
			AIContribution:    matchFloat(aiShare, text),
			HumanContribution: matchFloat(humanShare, text),
			Explanation:       "Analysis completed (text parsing fallback)",
		}
		if n := matchFloat(editsCount, text); n != nil {
			edits := int(*n)
			reply.TotalEdits = &edits
		}
	}
	if reply.Explanation == "" {
		reply.Explanation = "Analysis completed"
	}
	if reply.TotalEdits == nil || *reply.TotalEdits <= 0 {
		one := 1
		reply.TotalEdits = &one
	}

	patch := ledger.StatsPatch{
		AIContribution:    reply.AIContribution,
		HumanContribution: reply.HumanContribution,
		TotalEdits:        reply.TotalEdits,
	}
	if patch.AIContribution == nil && patch.HumanContribution == nil {
		zero := 0.0
		patch.AIContribution = &zero
	}
	stats := ledger.Merge(store.Stats{}, patch, time.Time{})
	return ContributionAnalysis{
		AIContribution:    stats.AIContribution,
		HumanContribution: stats.HumanContribution,
		Explanation:       reply.Explanation,
		TotalEdits:        *reply.TotalEdits,
	}, patch
}

func matchFloat(re *regexp.Regexp, text string) *float64 {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &n
}

// stripFence removes a ```json fence some models wrap structured output in.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimPrefix(t, "json")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
