package store

import (
	"encoding/json"
	"errors"
	"time"

	"cowrite/api/internal/access"
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

const (
	ProjectActive   = "active"
	ProjectArchived = "archived"
	ProjectDeleted  = "deleted"
)

type Collaborator struct {
	UserID  string      `json:"userId"`
	Name    string      `json:"name,omitempty"`
	Email   string      `json:"email,omitempty"`
	Role    access.Role `json:"role"`
	AddedAt time.Time   `json:"addedAt"`
}

// Stats are the running counters kept on a project. The human/ai split is
// maintained by the ledger package.
type Stats struct {
	HumanContribution float64   `json:"humanContribution"`
	AIContribution    float64   `json:"aiContribution"`
	TotalEdits        int       `json:"totalEdits"`
	AISuggestions     int       `json:"aiSuggestions"`
	VersionsCreated   int       `json:"versionsCreated"`
	LastAnalyzed      time.Time `json:"lastAnalyzed"`
}

func DefaultStats(now time.Time) Stats {
	return Stats{HumanContribution: 100, LastAnalyzed: now}
}

type Project struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	OwnerID       string            `json:"ownerId"`
	Collaborators []Collaborator    `json:"collaborators"`
	Visibility    access.Visibility `json:"visibility"`
	Status        string            `json:"status"`
	Tags          []string          `json:"tags"`
	Stats         Stats             `json:"stats"`
	HasWorkspace  bool              `json:"hasWorkspace"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Resource is the view the access guard evaluates.
func (p Project) Resource() access.Resource {
	collabs := make([]access.Collaborator, 0, len(p.Collaborators))
	for _, c := range p.Collaborators {
		collabs = append(collabs, access.Collaborator{UserID: c.UserID, Role: c.Role})
	}
	return access.Resource{
		OwnerID:       p.OwnerID,
		Visibility:    p.Visibility,
		Collaborators: collabs,
	}
}

type Workspace struct {
	ProjectID     string    `json:"projectId"`
	Content       string    `json:"content"`
	LastUpdatedBy string    `json:"lastUpdatedBy"`
	WordCount     int       `json:"wordCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Sender string

const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

type AIMode string

const (
	ModeGenerate AIMode = "generate"
	ModeEdit     AIMode = "edit"
	ModeAnalyze  AIMode = "analyze"
)

type MessageMetadata struct {
	AIContribution    *float64 `json:"aiContribution,omitempty"`
	HumanContribution *float64 `json:"humanContribution,omitempty"`
	Suggestions       []string `json:"suggestions,omitempty"`
	AnalysisType      string   `json:"analysisType,omitempty"`
	ContentLength     int      `json:"contentLength,omitempty"`
	SuggestionsCount  int      `json:"suggestionsCount,omitempty"`
	Error             bool     `json:"error,omitempty"`
	OriginalError     string   `json:"originalError,omitempty"`
}

type Message struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	UserID    string          `json:"userId,omitempty"`
	Sender    Sender          `json:"sender"`
	Content   string          `json:"content"`
	AIMode    AIMode          `json:"aiMode,omitempty"`
	Metadata  MessageMetadata `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
}

type Version struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags"`
	CreatedBy   string    `json:"createdBy"`
	WordCount   int       `json:"wordCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HistoryRecord is the stored form of a ledger entry; Data is decoded by the
// ledger package according to Type.
type HistoryRecord struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")
