package conversation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"cowrite/api/internal/store"
)

// ValidationError is a structural violation of the message model.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message %s: %s", e.Field, e.Reason)
}

func ValidSender(s store.Sender) bool {
	switch s {
	case store.SenderUser, store.SenderAI, store.SenderSystem:
		return true
	}
	return false
}

func ValidMode(m store.AIMode) bool {
	switch m {
	case store.ModeGenerate, store.ModeEdit, store.ModeAnalyze:
		return true
	}
	return false
}

var analysisTypes = map[string]bool{"content": true, "suggestions": true, "improvement": true}

func Validate(m store.Message) error {
	if strings.TrimSpace(m.ProjectID) == "" {
		return &ValidationError{Field: "projectId", Reason: "is required"}
	}
	if strings.TrimSpace(m.Content) == "" {
		return &ValidationError{Field: "content", Reason: "Message content is required"}
	}
	if utf8.RuneCountInString(m.Content) > MaxContentLength {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("Message content cannot exceed %d characters", MaxContentLength)}
	}
	if !ValidSender(m.Sender) {
		return &ValidationError{Field: "sender", Reason: "Sender must be either user, ai, or system"}
	}
	if m.Sender == store.SenderUser && m.UserID == "" {
		return &ValidationError{Field: "user", Reason: "is required for user messages"}
	}
	if m.Sender == store.SenderAI {
		if !ValidMode(m.AIMode) {
			return &ValidationError{Field: "aiMode", Reason: "must be generate, edit, or analyze for ai messages"}
		}
	} else if m.AIMode != "" {
		return &ValidationError{Field: "aiMode", Reason: "is only allowed on ai messages"}
	}
	return validateMetadata(m.Metadata)
}

func validateMetadata(md store.MessageMetadata) error {
	if md.AIContribution != nil && (*md.AIContribution < 0 || *md.AIContribution > 100) {
		return &ValidationError{Field: "metadata.aiContribution", Reason: "must be between 0 and 100"}
	}
	if md.HumanContribution != nil && (*md.HumanContribution < 0 || *md.HumanContribution > 100) {
		return &ValidationError{Field: "metadata.humanContribution", Reason: "must be between 0 and 100"}
	}
	for i, s := range md.Suggestions {
		if utf8.RuneCountInString(s) > MaxSuggestionLength {
			return &ValidationError{Field: fmt.Sprintf("metadata.suggestions[%d]", i), Reason: "exceeds 500 characters"}
		}
	}
	if md.AnalysisType != "" && !analysisTypes[md.AnalysisType] {
		return &ValidationError{Field: "metadata.analysisType", Reason: "must be content, suggestions, or improvement"}
	}
	return nil
}

// DetermineAIMode guesses the mode of a free-standing AI message from its text.
func DetermineAIMode(text string) store.AIMode {
	lower := strings.ToLower(text)
	for _, kw := range []string{"analyze", "analysis", "review", "evaluate"} {
		if strings.Contains(lower, kw) {
			return store.ModeAnalyze
		}
	}
	for _, kw := range []string{"edit", "revise", "modify", "update"} {
		if strings.Contains(lower, kw) {
			return store.ModeEdit
		}
	}
	return store.ModeGenerate
}
