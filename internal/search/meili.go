package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxProjects = "cowrite_projects"
	idxMessages = "cowrite_messages"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server leaves the client unhealthy; the health loop picks it
// up once it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		slog.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

// indexSpec describes one Meilisearch index and the hits it produces.
type indexSpec struct {
	uid        string
	kind       ResultType
	filterable []any
	searchable []string
}

var indexSpecs = []indexSpec{
	{
		uid:        idxProjects,
		kind:       ResultProject,
		filterable: []any{"id", "visibility", "status", "ownerId"},
		searchable: []string{"name", "description", "tags"},
	},
	{
		uid:        idxMessages,
		kind:       ResultMessage,
		filterable: []any{"projectId", "sender"},
		searchable: []string{"content"},
	},
}

// configureIndexes is idempotent; CreateIndex fails harmlessly when the
// index exists.
func (m *Meili) configureIndexes() {
	for _, spec := range indexSpecs {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: spec.uid, PrimaryKey: "id"}); err != nil {
			slog.Debug("create index", "index", spec.uid, "error", err)
		}
		index := m.client.Index(spec.uid)
		if _, err := index.UpdateFilterableAttributes(&spec.filterable); err != nil {
			slog.Warn("update filterable attributes", "index", spec.uid, "error", err)
		}
		if _, err := index.UpdateSearchableAttributes(&spec.searchable); err != nil {
			slog.Warn("update searchable attributes", "index", spec.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				slog.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or the filtered one) and merges results.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	for _, spec := range indexSpecs {
		if q.FilterType != "" && q.FilterType != spec.kind {
			continue
		}
		filters, ok := meiliFilters(q, spec.kind)
		if !ok {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              spec.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			Filter:                filters,
		})
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		kind := kindOf(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, kind))
		}
	}

	return results, total, nil
}

// meiliFilters restricts an index to what the caller can read. ok is false
// when nothing in the index could match.
func meiliFilters(q Query, rtyp ResultType) (filters []string, ok bool) {
	ids := quoteAll(q.ProjectIDs)
	switch rtyp {
	case ResultProject:
		filters = append(filters, `status != "deleted"`)
		if len(ids) > 0 {
			filters = append(filters, fmt.Sprintf(`(id IN [%s] OR visibility = "public")`, strings.Join(ids, ", ")))
		} else {
			filters = append(filters, `visibility = "public"`)
		}
		if q.FilterProjectID != "" {
			filters = append(filters, fmt.Sprintf("id = %q", q.FilterProjectID))
		}
	case ResultMessage:
		if len(ids) == 0 {
			return nil, false
		}
		filters = append(filters, fmt.Sprintf("projectId IN [%s]", strings.Join(ids, ", ")))
		if q.FilterProjectID != "" {
			filters = append(filters, fmt.Sprintf("projectId = %q", q.FilterProjectID))
		}
	}
	return filters, true
}

func quoteAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fmt.Sprintf("%q", v))
	}
	return out
}

func kindOf(uid string) ResultType {
	for _, spec := range indexSpecs {
		if spec.uid == uid {
			return spec.kind
		}
	}
	return ""
}

func hitToResult(hit meili.Hit, kind ResultType) Result {
	h := hitFields{hit: hit}
	r := Result{Type: kind, ID: h.raw("id")}
	switch kind {
	case ResultProject:
		r.ProjectID = r.ID
		r.Title = h.highlighted("name")
		r.Snippet = h.highlighted("description")
		r.Visibility = h.raw("visibility")
	case ResultMessage:
		r.ProjectID = h.raw("projectId")
		r.Title = h.raw("sender")
		r.Snippet = h.highlighted("content")
	}
	return r
}

// hitFields reads string attributes out of a raw hit, preferring the
// highlighted copy under _formatted when one exists.
type hitFields struct {
	hit       meili.Hit
	formatted map[string]json.RawMessage
	parsed    bool
}

func (h *hitFields) raw(key string) string {
	return rawString(h.hit[key])
}

func (h *hitFields) highlighted(key string) string {
	if !h.parsed {
		h.parsed = true
		if raw, ok := h.hit["_formatted"]; ok {
			_ = json.Unmarshal(raw, &h.formatted)
		}
	}
	if s := strings.TrimSpace(rawString(h.formatted[key])); s != "" {
		return s
	}
	return h.raw(key)
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// IndexProject adds or updates a project in the search index.
func (m *Meili) IndexProject(p ProjectRecord) error {
	_, err := m.client.Index(idxProjects).AddDocuments([]ProjectRecord{p}, nil)
	return err
}

// IndexMessage adds a chat message to the search index.
func (m *Meili) IndexMessage(msg MessageRecord) error {
	_, err := m.client.Index(idxMessages).AddDocuments([]MessageRecord{msg}, nil)
	return err
}

// DeleteProject removes a project from the search index.
func (m *Meili) DeleteProject(id string) error {
	_, err := m.client.Index(idxProjects).DeleteDocument(id, nil)
	return err
}

// IndexProjects bulk-indexes projects.
func (m *Meili) IndexProjects(projects []ProjectRecord) error {
	if len(projects) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProjects).AddDocuments(projects, nil)
	return err
}

// IndexMessages bulk-indexes messages.
func (m *Meili) IndexMessages(messages []MessageRecord) error {
	if len(messages) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(messages, nil)
	return err
}
