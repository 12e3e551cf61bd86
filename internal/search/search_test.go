package search

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

type fakeSearcher struct {
	search func(ctx context.Context, q Query) ([]Result, int, error)
}

func (f fakeSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	return f.search(ctx, q)
}

func (fakeSearcher) Healthy() bool { return true }

func TestServiceFallsBackToPostgresWithoutMeili(t *testing.T) {
	var seen Query
	svc := NewService(nil, fakeSearcher{search: func(_ context.Context, q Query) ([]Result, int, error) {
		seen = q
		return []Result{
			{Type: ResultProject, ID: "prj_1", ProjectID: "prj_1", Visibility: "private"},
			{Type: ResultProject, ID: "prj_pub", ProjectID: "prj_pub", Visibility: "public"},
			{Type: ResultMessage, ID: "msg_1", ProjectID: "prj_1"},
			{Type: ResultMessage, ID: "msg_2", ProjectID: "prj_other"},
		}, 4, nil
	}})

	resp := svc.Search(context.Background(), Query{Text: "draft", ProjectIDs: []string{"prj_1"}})

	if seen.Text != "draft" || resp.Backend != backendPG {
		t.Fatalf("query %q served by %q", seen.Text, resp.Backend)
	}
	ids := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		ids = append(ids, r.ID)
	}
	if want := []string{"prj_1", "prj_pub", "msg_1"}; !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if svc.Healthy() {
		t.Fatal("service without meili should report unhealthy")
	}
}

func TestServiceReturnsEmptyOnFallbackError(t *testing.T) {
	svc := NewService(nil, fakeSearcher{search: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, errors.New("db down")
	}})
	resp := svc.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("resp = %+v, want empty non-nil results", resp)
	}
}

func TestSanitizeResultsHonoursProjectFilter(t *testing.T) {
	results := []Result{
		{Type: ResultMessage, ID: "msg_1", ProjectID: "prj_1"},
		{Type: ResultMessage, ID: "msg_2", ProjectID: "prj_2"},
	}
	got := sanitizeResults(results, Query{ProjectIDs: []string{"prj_1", "prj_2"}, FilterProjectID: "prj_2"})
	if len(got) != 1 || got[0].ID != "msg_2" {
		t.Fatalf("results = %+v", got)
	}
}

func TestMeiliFilters(t *testing.T) {
	tests := []struct {
		name  string
		q     Query
		rtyp  ResultType
		want  []string
		found bool
	}{
		{
			name:  "projects readable or public",
			q:     Query{ProjectIDs: []string{"prj_1", "prj_2"}},
			rtyp:  ResultProject,
			want:  []string{`status != "deleted"`, `(id IN ["prj_1", "prj_2"] OR visibility = "public")`},
			found: true,
		},
		{
			name:  "projects without membership are public only",
			rtyp:  ResultProject,
			want:  []string{`status != "deleted"`, `visibility = "public"`},
			found: true,
		},
		{
			name:  "messages scoped to a project",
			q:     Query{ProjectIDs: []string{"prj_1"}, FilterProjectID: "prj_1"},
			rtyp:  ResultMessage,
			want:  []string{`projectId IN ["prj_1"]`, `projectId = "prj_1"`},
			found: true,
		},
		{
			name: "messages without membership are skipped",
			rtyp: ResultMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := meiliFilters(tt.q, tt.rtyp)
			if ok != tt.found || !slices.Equal(got, tt.want) {
				t.Fatalf("meiliFilters() = %q, %v; want %q, %v", got, ok, tt.want, tt.found)
			}
		})
	}
}

func TestHitToResultPrefersHighlightedFields(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		return b
	}
	hit := meili.Hit{
		"id":          raw("prj_1"),
		"name":        raw("Space Opera"),
		"description": raw("a long draft"),
		"visibility":  raw("team"),
		"_formatted":  raw(map[string]any{"name": "Space <mark>Opera</mark>", "tags": []string{"x"}}),
	}
	r := hitToResult(hit, ResultProject)
	if r.Title != "Space <mark>Opera</mark>" || r.Snippet != "a long draft" {
		t.Fatalf("title %q snippet %q", r.Title, r.Snippet)
	}
	if r.ProjectID != "prj_1" || r.Visibility != "team" {
		t.Fatalf("project %q visibility %q", r.ProjectID, r.Visibility)
	}
}
