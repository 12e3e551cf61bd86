package search

import (
	"context"
	"log/slog"
	"slices"
)

const (
	backendMeili = "meilisearch"
	backendPG    = "postgres"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts Searcher) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Healthy reports whether the primary index is serving.
func (s *Service) Healthy() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: sanitizeResults(nonNil(results), q), Total: total, Query: q.Text, Backend: backendMeili}
		}
		slog.WarnContext(ctx, "meilisearch error, falling back to pgfts", "error", err)
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		slog.ErrorContext(ctx, "pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: backendPG}
	}
	return Response{Results: sanitizeResults(nonNil(results), q), Total: total, Query: q.Text, Backend: backendPG}
}

// IndexProject indexes a project (fire-and-forget to Meilisearch).
func (s *Service) IndexProject(p ProjectRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProject(p); err != nil {
			slog.Warn("index project", "project_id", p.ID, "error", err)
		}
	}()
}

// IndexMessage indexes a chat message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(m MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMessage(m); err != nil {
			slog.Warn("index message", "message_id", m.ID, "error", err)
		}
	}()
}

// DeleteProject removes a project from the search index (fire-and-forget).
func (s *Service) DeleteProject(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProject(id); err != nil {
			slog.Warn("delete project from index", "project_id", id, "error", err)
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch.
func (s *Service) ReindexAll(projects []ProjectRecord, messages []MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexProjects(projects); err != nil {
		slog.Warn("reindex projects", "error", err)
	}
	if err := s.meili.IndexMessages(messages); err != nil {
		slog.Warn("reindex messages", "error", err)
	}
}

// RecordLoader supplies every searchable record for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]ProjectRecord, []MessageRecord, error)
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	loader, ok := s.pgfts.(RecordLoader)
	if s.meili == nil || !s.meili.Healthy() || !ok {
		return
	}
	projects, messages, err := loader.LoadAllRecords(ctx)
	if err != nil {
		slog.WarnContext(ctx, "reindex load failed", "error", err)
		return
	}
	s.ReindexAll(projects, messages)
	slog.InfoContext(ctx, "search reindexed", "projects", len(projects), "messages", len(messages))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// sanitizeResults drops hits the caller cannot read. The index can lag
// behind visibility and membership changes, so this runs on every response.
func sanitizeResults(results []Result, q Query) []Result {
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		readable := slices.Contains(q.ProjectIDs, result.ProjectID)
		if result.Type == ResultProject && result.Visibility == "public" {
			readable = true
		}
		if !readable {
			continue
		}
		if q.FilterProjectID != "" && result.ProjectID != q.FilterProjectID {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}
