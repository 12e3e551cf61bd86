package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cowrite/api/internal/aigw"
	"cowrite/api/internal/config"
	"cowrite/api/internal/session"
	"cowrite/api/internal/store"
)

// memStore is an in-memory dataStore. pingFn overrides Ping when set.
type memStore struct {
	mu sync.Mutex

	users      map[string]store.User
	projects   map[string]store.Project
	workspaces map[string]store.Workspace
	messages   []store.Message
	versions   map[string]store.Version
	history    []store.HistoryRecord

	pingFn func(context.Context) error
}

func newMemStore() *memStore {
	return &memStore{
		users:      map[string]store.User{},
		projects:   map[string]store.Project{},
		workspaces: map[string]store.Workspace{},
		versions:   map[string]store.Version{},
	}
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) CreateUser(_ context.Context, u store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return store.ErrConflict
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == strings.ToLower(email) {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) CreateProject(_ context.Context, p store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *memStore) GetProject(_ context.Context, id string) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	p.Collaborators = slices.Clone(p.Collaborators)
	_, p.HasWorkspace = m.workspaces[id]
	return p, nil
}

func (m *memStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Project
	for _, p := range m.projects {
		if p.Status == store.ProjectDeleted {
			continue
		}
		member := p.OwnerID == userID
		for _, c := range p.Collaborators {
			member = member || c.UserID == userID
		}
		if member {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memStore) UpdateProject(_ context.Context, p store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.projects[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	p.Collaborators = current.Collaborators
	p.Stats = current.Stats
	m.projects[p.ID] = p
	return nil
}

func (m *memStore) UpsertCollaborator(_ context.Context, projectID string, c store.Collaborator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.projects[projectID]
	for i := range p.Collaborators {
		if p.Collaborators[i].UserID == c.UserID {
			p.Collaborators[i].Role = c.Role
			m.projects[projectID] = p
			return nil
		}
	}
	p.Collaborators = append(p.Collaborators, c)
	m.projects[projectID] = p
	return nil
}

func (m *memStore) RemoveCollaborator(_ context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.projects[projectID]
	n := len(p.Collaborators)
	p.Collaborators = slices.DeleteFunc(p.Collaborators, func(c store.Collaborator) bool { return c.UserID == userID })
	if len(p.Collaborators) == n {
		return store.ErrNotFound
	}
	m.projects[projectID] = p
	return nil
}

func (m *memStore) GetWorkspace(_ context.Context, projectID string) (store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[projectID]
	if !ok {
		return store.Workspace{}, store.ErrNotFound
	}
	return ws, nil
}

func (m *memStore) SaveWorkspace(_ context.Context, ws store.Workspace) (store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workspaces[ws.ProjectID]; ok {
		ws.CreatedAt = existing.CreatedAt
	} else {
		ws.CreatedAt = ws.UpdatedAt
	}
	m.workspaces[ws.ProjectID] = ws
	return ws, nil
}

func (m *memStore) InsertMessage(_ context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memStore) ListMessages(_ context.Context, projectID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.ProjectID == projectID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *memStore) RecentMessages(ctx context.Context, projectID string, limit int) ([]store.Message, error) {
	all, _ := m.ListMessages(ctx, projectID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *memStore) CreateVersion(_ context.Context, v store.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.ID] = v
	return nil
}

func (m *memStore) GetVersion(_ context.Context, id string) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return store.Version{}, store.ErrNotFound
	}
	return v, nil
}

func (m *memStore) ListVersions(_ context.Context, projectID string) ([]store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Version
	for _, v := range m.versions {
		if v.ProjectID == projectID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) CountVersions(ctx context.Context, projectID string) (int, error) {
	versions, _ := m.ListVersions(ctx, projectID)
	return len(versions), nil
}

func (m *memStore) DeleteVersion(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.versions, id)
	return nil
}

func (m *memStore) AppendHistory(_ context.Context, rec store.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	return nil
}

func (m *memStore) ListHistory(_ context.Context, projectID string, limit int) ([]store.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.HistoryRecord
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ProjectID == projectID {
			out = append(out, m.history[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ActivityForUser(_ context.Context, userID string, limit int) ([]store.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.HistoryRecord
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		p := m.projects[m.history[i].ProjectID]
		member := p.OwnerID == userID
		for _, c := range p.Collaborators {
			member = member || c.UserID == userID
		}
		if member {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

func (m *memStore) GetStats(_ context.Context, projectID string) (store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return store.Stats{}, store.ErrNotFound
	}
	return p.Stats, nil
}

func (m *memStore) SaveStats(_ context.Context, projectID string, s store.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.projects[projectID]
	p.Stats = s
	m.projects[projectID] = p
	return nil
}

func (m *memStore) historyTypes(projectID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, rec := range m.history {
		if rec.ProjectID == projectID {
			out = append(out, rec.Type)
		}
	}
	return out
}

type fakeGateway struct {
	generateFn func(op, prompt string) (string, error)
	state      aigw.State
}

func (f *fakeGateway) Generate(_ context.Context, op, prompt string, _ aigw.Params) (aigw.Result, error) {
	if f.generateFn == nil {
		return aigw.Result{Text: "ok"}, nil
	}
	text, err := f.generateFn(op, prompt)
	return aigw.Result{Text: text}, err
}

func (f *fakeGateway) GenerateStructured(ctx context.Context, op, prompt string, params aigw.Params, _ string, _ any) (aigw.Result, error) {
	return f.Generate(ctx, op, prompt, params)
}

func (f *fakeGateway) State() aigw.State { return f.state }

type testEnv struct {
	store   *memStore
	redis   *miniredis.Miniredis
	gateway *fakeGateway
	service *Service
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ms := newMemStore()
	gw := &fakeGateway{state: aigw.StateReady}
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
	svc := New(cfg, Deps{
		Store:    ms,
		Sessions: session.NewRedisStoreWithClient(client),
		Gateway:  gw,
	})
	return &testEnv{
		store:   ms,
		redis:   mr,
		gateway: gw,
		service: svc,
		handler: NewHTTPServer(svc, "*", nil).Handler(),
	}
}

// addUser seeds a user and returns a valid access token for it.
func (e *testEnv) addUser(t *testing.T, id, name string) string {
	t.Helper()
	u := store.User{ID: id, Name: name, Email: strings.ToLower(name) + "@example.com", CreatedAt: time.Now().UTC()}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	session, err := e.service.accessToken(u)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return session.Token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}
