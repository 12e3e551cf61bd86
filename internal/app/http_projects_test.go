package app

import (
	"context"
	"net/http"
	"reflect"
	"slices"
	"strings"
	"testing"

	"cowrite/api/internal/store"
)

func createProject(t *testing.T, env *testEnv, token, body string) string {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/api/projects", token, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create project: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	data := decodeMap(t, rr.Body.Bytes())["data"].(map[string]any)
	return data["id"].(string)
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser(t, "usr_owner", "Owner")
	editor := env.addUser(t, "usr_editor", "Editor")
	outsider := env.addUser(t, "usr_out", "Outsider")

	id := createProject(t, env, owner, `{"name":"  Novel  ","description":"draft","tags":["a","a"," b "]}`)
	if got := env.store.historyTypes(id); !slices.Equal(got, []string{"project_created"}) {
		t.Fatalf("unexpected history %v", got)
	}
	p, _ := env.store.GetProject(context.Background(), id)
	if p.Name != "Novel" || p.Visibility != "private" || !slices.Equal(p.Tags, []string{"a", "b"}) {
		t.Fatalf("unexpected project %+v", p)
	}
	if p.Stats.HumanContribution != 100 || p.Stats.AIContribution != 0 {
		t.Fatalf("unexpected initial stats %+v", p.Stats)
	}

	if rr := env.do(t, http.MethodGet, "/api/projects/"+id, outsider, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("outsider get: expected 403, got %d", rr.Code)
	}

	rr := env.do(t, http.MethodPost, "/api/projects/"+id+"/collaborators", owner, `{"email":"editor@example.com"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("add collaborator: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := env.do(t, http.MethodGet, "/api/projects/"+id, editor, ""); rr.Code != http.StatusOK {
		t.Fatalf("editor get: expected 200, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPut, "/api/projects/"+id, editor, `{"name":"Hijack"}`); rr.Code != http.StatusForbidden {
		t.Fatalf("editor update: expected 403, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/projects", editor, "")
	if count := decodeMap(t, rr.Body.Bytes())["count"]; count != float64(1) {
		t.Fatalf("editor list: expected 1 project, got %v", count)
	}

	if rr := env.do(t, http.MethodPut, "/api/projects/"+id, owner, `{"status":"deleted"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("update to deleted: expected 400, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/api/projects/"+id, editor, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("editor delete: expected 403, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/api/projects/"+id, owner, ""); rr.Code != http.StatusOK {
		t.Fatalf("owner delete: expected 200, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/api/projects/"+id, owner, "")
	if rr.Code != http.StatusNotFound || decodeMap(t, rr.Body.Bytes())["code"] != "PROJECT_NOT_FOUND" {
		t.Fatalf("deleted project: expected 404 PROJECT_NOT_FOUND, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(t, http.MethodGet, "/api/workspaces/project/"+id, owner, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("deleted project workspace: expected 404, got %d", rr.Code)
	}
}

func TestCollaboratorRemovalRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser(t, "usr_owner", "Owner")
	env.addUser(t, "usr_viewer", "Viewer")
	id := createProject(t, env, owner, `{"name":"Notes"}`)

	env.do(t, http.MethodPost, "/api/projects/"+id+"/collaborators", owner, `{"email":"viewer@example.com","role":"viewer"}`)
	rr := env.do(t, http.MethodDelete, "/api/projects/"+id+"/collaborators/usr_viewer", owner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", rr.Code)
	}
	want := []string{"project_created", "collaborator_joined", "collaborator_left"}
	if got := env.store.historyTypes(id); !slices.Equal(got, want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	rr = env.do(t, http.MethodDelete, "/api/projects/"+id+"/collaborators/usr_viewer", owner, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second remove: expected 404, got %d", rr.Code)
	}
}

func TestWorkspaceAccessByRole(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser(t, "usr_owner", "Owner")
	viewer := env.addUser(t, "usr_viewer", "Viewer")
	id := createProject(t, env, owner, `{"name":"Notes"}`)
	env.do(t, http.MethodPost, "/api/projects/"+id+"/collaborators", owner, `{"email":"viewer@example.com","role":"viewer"}`)

	if rr := env.do(t, http.MethodGet, "/api/workspaces/project/"+id, owner, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unwritten workspace: expected 404, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPut, "/api/workspaces/project/"+id, owner, `{"content":"   "}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("blank content: expected 400, got %d", rr.Code)
	}
	rr := env.do(t, http.MethodPut, "/api/workspaces/project/"+id, owner, `{"content":"one two three"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("owner save: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	ws := decodeMap(t, rr.Body.Bytes())["data"].(map[string]any)
	if ws["wordCount"] != float64(3) {
		t.Fatalf("expected wordCount 3, got %v", ws["wordCount"])
	}

	var reads []map[string]any
	for range 2 {
		rr := env.do(t, http.MethodGet, "/api/workspaces/project/"+id, owner, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("owner read: expected 200, got %d", rr.Code)
		}
		reads = append(reads, decodeMap(t, rr.Body.Bytes())["data"].(map[string]any))
	}
	if reads[0]["content"] != "one two three" || !reflect.DeepEqual(reads[0], reads[1]) {
		t.Fatalf("repeated reads differ: %v vs %v", reads[0], reads[1])
	}

	if rr := env.do(t, http.MethodPut, "/api/workspaces/project/"+id, viewer, `{"content":"vandal"}`); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer save: expected 403, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/api/workspaces/project/"+id, viewer, ""); rr.Code != http.StatusOK {
		t.Fatalf("viewer read: expected 200, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/api/workspaces/project/"+id+"/messages", viewer, `{"content":"looks good"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("viewer message: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, "/api/workspaces/project/"+id+"/messages", owner, "")
	if count := decodeMap(t, rr.Body.Bytes())["count"]; count != float64(1) {
		t.Fatalf("expected 1 message, got %v", count)
	}
}

func TestVersionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser(t, "usr_owner", "Owner")
	id := createProject(t, env, owner, `{"name":"Notes"}`)
	other := createProject(t, env, owner, `{"name":"Other"}`)

	createVersion := func(body string) string {
		t.Helper()
		rr := env.do(t, http.MethodPost, "/api/versions", owner, body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("create version: expected 201, got %d body=%s", rr.Code, rr.Body.String())
		}
		return decodeMap(t, rr.Body.Bytes())["data"].(map[string]any)["id"].(string)
	}

	if rr := env.do(t, http.MethodPost, "/api/versions", owner, `{"projectId":"`+id+`","content":""}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty version: expected 400, got %d", rr.Code)
	}
	first := createVersion(`{"projectId":"`+id+`","content":"one two"}`)
	v, _ := env.store.GetVersion(context.Background(), first)
	if !strings.HasPrefix(v.Name, "Version ") {
		t.Fatalf("expected default name, got %q", v.Name)
	}

	rr := env.do(t, http.MethodDelete, "/api/versions/"+first, owner, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("delete only version: expected 400, got %d", rr.Code)
	}
	if n, _ := env.store.CountVersions(context.Background(), id); n != 1 {
		t.Fatalf("version count = %d, want 1", n)
	}

	second := createVersion(`{"projectId":"`+id+`","name":"Longer","content":"one two three four"}`)
	rr = env.do(t, http.MethodGet, "/api/versions/compare/"+first+"/"+second, owner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("compare: expected 200, got %d", rr.Code)
	}
	cmp := decodeMap(t, rr.Body.Bytes())["data"].(map[string]any)
	if cmp["wordCountDiff"] != float64(2) || cmp["diffPercentage"] != float64(100) {
		t.Fatalf("unexpected comparison %v", cmp)
	}

	foreign := createVersion(`{"projectId":"`+other+`","content":"elsewhere"}`)
	if rr := env.do(t, http.MethodGet, "/api/versions/compare/"+first+"/"+foreign, owner, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("cross-project compare: expected 400, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/versions/"+first+"/apply", owner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("apply: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	ws, _ := env.store.GetWorkspace(context.Background(), id)
	if ws.Content != "one two" {
		t.Fatalf("workspace content = %q", ws.Content)
	}

	if rr := env.do(t, http.MethodDelete, "/api/versions/"+first, owner, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
	stats, _ := env.store.GetStats(context.Background(), id)
	if stats.VersionsCreated != 2 {
		t.Fatalf("versionsCreated = %d, want 2", stats.VersionsCreated)
	}
	want := []string{"project_created", "version_created", "version_created", "version_switched"}
	if got := env.store.historyTypes(id); !slices.Equal(got, want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
}

func TestActivityOnlyCoversMemberProjects(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser(t, "usr_owner", "Owner")
	outsider := env.addUser(t, "usr_out", "Outsider")
	createProject(t, env, owner, `{"name":"Mine"}`)

	rr := env.do(t, http.MethodGet, "/api/activity", outsider, "")
	if count := decodeMap(t, rr.Body.Bytes())["count"]; count != float64(0) {
		t.Fatalf("outsider activity count = %v", count)
	}
	rr = env.do(t, http.MethodGet, "/api/activity", owner, "")
	if count := decodeMap(t, rr.Body.Bytes())["count"]; count != float64(1) {
		t.Fatalf("owner activity count = %v", count)
	}
}

func TestDiffPercentage(t *testing.T) {
	cases := []struct {
		base, compare int
		want          float64
	}{
		{0, 0, 0},
		{0, 5, 100},
		{4, 2, 50},
		{3, 4, 33.33},
	}
	for _, tc := range cases {
		if got := diffPercentage(tc.base, tc.compare); got != tc.want {
			t.Errorf("diffPercentage(%d, %d) = %v, want %v", tc.base, tc.compare, got, tc.want)
		}
	}
}

var _ dataStore = (*store.PostgresStore)(nil)
