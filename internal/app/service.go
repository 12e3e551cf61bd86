package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cowrite/api/internal/access"
	"cowrite/api/internal/aigw"
	"cowrite/api/internal/auth"
	"cowrite/api/internal/authpw"
	"cowrite/api/internal/backup"
	"cowrite/api/internal/broadcast"
	"cowrite/api/internal/config"
	"cowrite/api/internal/conversation"
	"cowrite/api/internal/engine"
	"cowrite/api/internal/export"
	"cowrite/api/internal/gitrepo"
	"cowrite/api/internal/ledger"
	"cowrite/api/internal/search"
	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)

	CreateProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	UpdateProject(context.Context, store.Project) error
	UpsertCollaborator(context.Context, string, store.Collaborator) error
	RemoveCollaborator(context.Context, string, string) error

	GetWorkspace(context.Context, string) (store.Workspace, error)
	SaveWorkspace(context.Context, store.Workspace) (store.Workspace, error)

	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string) ([]store.Message, error)
	RecentMessages(context.Context, string, int) ([]store.Message, error)

	CreateVersion(context.Context, store.Version) error
	GetVersion(context.Context, string) (store.Version, error)
	ListVersions(context.Context, string) ([]store.Version, error)
	CountVersions(context.Context, string) (int, error)
	DeleteVersion(context.Context, string) error

	AppendHistory(context.Context, store.HistoryRecord) error
	ListHistory(context.Context, string, int) ([]store.HistoryRecord, error)
	ActivityForUser(context.Context, string, int) ([]store.HistoryRecord, error)
	GetStats(context.Context, string) (store.Stats, error)
	SaveStats(context.Context, string, store.Stats) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	RotateRefreshSession(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type aiGateway interface {
	engine.Gateway
	State() aigw.State
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	Healthy() bool
	IndexProject(p search.ProjectRecord)
	IndexMessage(m search.MessageRecord)
	DeleteProject(id string)
}

type versionMirror interface {
	RecordVersion(v store.Version, author string) (gitrepo.CommitInfo, error)
	Log(projectID string, limit int) ([]gitrepo.CommitInfo, error)
}

type exporter interface {
	Export(ctx context.Context, doc export.Document, format export.Format) (*export.Result, error)
}

// Deps are the collaborators the service is built from. Search, Mirror and
// Exporter may be nil; the matching routes then report the feature as
// unavailable.
type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Gateway  aiGateway
	Hub      *broadcast.Hub
	Search   searchIndex
	Backups  backup.Store
	Mirror   versionMirror
	Exporter exporter
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   sessionStore
	passwords  *authpw.Service
	gateway    aiGateway
	hub        *broadcast.Hub
	ledger     *ledger.Ledger
	transcript *conversation.Store
	engine     *engine.Engine
	search     searchIndex
	backups    backup.Store
	mirror     versionMirror
	exporter   exporter
	now        func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	hub := deps.Hub
	if hub == nil {
		hub = broadcast.NewHub()
	}
	l := ledger.New(deps.Store)
	transcript := conversation.New(deps.Store)
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		sessions:   deps.Sessions,
		passwords:  authpw.NewService(deps.Store),
		gateway:    deps.Gateway,
		hub:        hub,
		ledger:     l,
		transcript: transcript,
		engine: engine.New(engine.Deps{
			Projects:    deps.Store,
			Workspaces:  deps.Store,
			Transcript:  transcript,
			History:     l,
			Gateway:     deps.Gateway,
			Broadcaster: hub,
		}),
		search:   deps.Search,
		backups:  deps.Backups,
		mirror:   deps.Mirror,
		exporter: deps.Exporter,
		now:      store.Now,
	}
}

// AI exposes the content mutation engine behind /api/ai.
func (s *Service) AI() *engine.Engine {
	return s.engine
}

func (s *Service) Hub() *broadcast.Hub {
	return s.hub
}

func (s *Service) Register(ctx context.Context, name, email, password string) (Session, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{Name: name, Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.Login(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh trades a refresh token for a new session. The old refresh token is
// consumed even if issuing the new access token fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	next, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	refreshExpires := s.now().Add(s.cfg.RefreshTTL)
	user, err := s.sessions.RotateRefreshSession(ctx, auth.HashToken(refreshToken), auth.HashToken(next), refreshExpires)
	if err != nil {
		return Session{}, err
	}
	session, err := s.accessToken(user)
	if err != nil {
		return Session{}, err
	}
	session.RefreshToken = next
	return session, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	session, err := s.accessToken(user)
	if err != nil {
		return Session{}, err
	}
	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, s.now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}
	session.RefreshToken = refresh
	return session, nil
}

func (s *Service) accessToken(user store.User) (Session, error) {
	now := s.now()
	jti := util.NewID("jti")
	claims := auth.NewClaims(user.ID, user.Name, jti, now, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		JTI:       jti,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) Me(ctx context.Context, userID string) (store.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

// Readiness runs each dependency check with the caller's deadline.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{}

	if err := s.store.Ping(ctx); err != nil {
		ready = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		checks["database"] = map[string]any{"status": "ok"}
	}

	if s.sessions != nil {
		if err := s.sessions.Ping(ctx); err != nil {
			ready = false
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}

	if s.gateway != nil {
		checks["ai"] = map[string]any{"status": s.gateway.State().String()}
	}

	searchStatus := "disabled"
	if s.search != nil {
		searchStatus = "fallback"
		if s.search.Healthy() {
			searchStatus = "ok"
		}
	}
	checks["search"] = map[string]any{"status": searchStatus}

	return ready, checks
}

// loadProject resolves a project and applies the read or edit guard. Deleted
// projects are reported as missing.
func (s *Service) loadProject(ctx context.Context, projectID, userID string, edit bool) (store.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return store.Project{}, invalidRequest("projectId is required")
	}
	p, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.Status == store.ProjectDeleted) {
		return store.Project{}, projectNotFound(projectID)
	}
	if err != nil {
		return store.Project{}, persistenceFailure("Failed to load project", err)
	}
	if edit {
		err = access.CheckEdit(p.Resource(), userID)
	} else {
		err = access.CheckRead(p.Resource(), userID)
	}
	if err != nil {
		return store.Project{}, err
	}
	return p, nil
}

// AuthorizeWatch lets a websocket connection join a project room when the
// user can read the project.
func (s *Service) AuthorizeWatch(ctx context.Context, projectID, userID string) error {
	_, err := s.loadProject(ctx, projectID, userID, false)
	return err
}

func (s *Service) loadOwnedProject(ctx context.Context, projectID, userID, action string) (store.Project, error) {
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return store.Project{}, err
	}
	if !access.IsOwner(p.Resource(), userID) {
		return store.Project{}, domainError(http.StatusForbidden, "FORBIDDEN", "Not authorized to "+action+" this project", nil)
	}
	return p, nil
}

func (s *Service) publish(ctx context.Context, ev broadcast.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.hub.Publish(ctx, ev)
}
