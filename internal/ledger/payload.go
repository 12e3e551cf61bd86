package ledger

import (
	"encoding/json"
	"fmt"
)

type HistoryType string

const (
	ProjectCreatedType     HistoryType = "project_created"
	ContentUpdatedType     HistoryType = "content_updated"
	VersionCreatedType     HistoryType = "version_created"
	VersionSwitchedType    HistoryType = "version_switched"
	CollaboratorJoinedType HistoryType = "collaborator_joined"
	CollaboratorLeftType   HistoryType = "collaborator_left"
	AIMessageType          HistoryType = "ai_message"
	AIGeneratedContentType HistoryType = "ai_generated_content"
	AIImprovedContentType  HistoryType = "ai_improved_content"
	SuggestionAppliedType  HistoryType = "suggestion_applied"
)

// AllTypes is the closed set, in declaration order.
var AllTypes = []HistoryType{
	ProjectCreatedType,
	ContentUpdatedType,
	VersionCreatedType,
	VersionSwitchedType,
	CollaboratorJoinedType,
	CollaboratorLeftType,
	AIMessageType,
	AIGeneratedContentType,
	AIImprovedContentType,
	SuggestionAppliedType,
}

func ParseHistoryType(s string) (HistoryType, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown history type %q", s)
}

// Payload is one variant of the history entry data, selected by its type.
type Payload interface {
	HistoryType() HistoryType
}

type ProjectCreated struct{}

type ContentUpdated struct {
	WordCount int `json:"wordCount"`
}

type VersionCreated struct {
	VersionID string `json:"versionId"`
	Name      string `json:"name"`
}

type VersionSwitched struct {
	VersionID   string `json:"versionId"`
	VersionName string `json:"versionName"`
}

type CollaboratorJoined struct {
	Role string `json:"role"`
}

type CollaboratorLeft struct {
	UserID string `json:"userId,omitempty"`
}

type AIMessage struct {
	Message string `json:"message"`
	Mode    string `json:"mode"`
}

type AIGeneratedContent struct {
	Prompt string `json:"prompt"`
}

type AIImprovedContent struct {
	Instructions string `json:"instructions"`
}

type SuggestionApplied struct {
	Suggestion string `json:"suggestion"`
}

func (ProjectCreated) HistoryType() HistoryType     { return ProjectCreatedType }
func (ContentUpdated) HistoryType() HistoryType     { return ContentUpdatedType }
func (VersionCreated) HistoryType() HistoryType     { return VersionCreatedType }
func (VersionSwitched) HistoryType() HistoryType    { return VersionSwitchedType }
func (CollaboratorJoined) HistoryType() HistoryType { return CollaboratorJoinedType }
func (CollaboratorLeft) HistoryType() HistoryType   { return CollaboratorLeftType }
func (AIMessage) HistoryType() HistoryType          { return AIMessageType }
func (AIGeneratedContent) HistoryType() HistoryType { return AIGeneratedContentType }
func (AIImprovedContent) HistoryType() HistoryType  { return AIImprovedContentType }
func (SuggestionApplied) HistoryType() HistoryType  { return SuggestionAppliedType }

func EncodePayload(p Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.HistoryType(), err)
	}
	return raw, nil
}

// DecodePayload rebuilds the typed variant for t from stored JSON.
func DecodePayload(t HistoryType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case ProjectCreatedType:
		return ProjectCreated{}, nil
	case ContentUpdatedType:
		p = &ContentUpdated{}
	case VersionCreatedType:
		p = &VersionCreated{}
	case VersionSwitchedType:
		p = &VersionSwitched{}
	case CollaboratorJoinedType:
		p = &CollaboratorJoined{}
	case CollaboratorLeftType:
		p = &CollaboratorLeft{}
	case AIMessageType:
		p = &AIMessage{}
	case AIGeneratedContentType:
		p = &AIGeneratedContent{}
	case AIImprovedContentType:
		p = &AIImprovedContent{}
	case SuggestionAppliedType:
		p = &SuggestionApplied{}
	default:
		return nil, fmt.Errorf("unknown history type %q", t)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ContentUpdated:
		return *v
	case *VersionCreated:
		return *v
	case *VersionSwitched:
		return *v
	case *CollaboratorJoined:
		return *v
	case *CollaboratorLeft:
		return *v
	case *AIMessage:
		return *v
	case *AIGeneratedContent:
		return *v
	case *AIImprovedContent:
		return *v
	case *SuggestionApplied:
		return *v
	}
	return p
}
