package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProject ResultType = "project"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	ProjectID  string     `json:"projectId"`
	Visibility string     `json:"visibility,omitempty"`
}

// Query describes a search request. ProjectIDs is the set of projects the
// caller can read; public projects are matched in addition to it.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	ProjectIDs      []string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexProject(p ProjectRecord) error
	IndexMessage(m MessageRecord) error
	DeleteProject(id string) error
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	OwnerID     string   `json:"ownerId"`
	Visibility  string   `json:"visibility"`
	Status      string   `json:"status"`
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
