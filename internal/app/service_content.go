package app

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"cowrite/api/internal/access"
	"cowrite/api/internal/broadcast"
	"cowrite/api/internal/export"
	"cowrite/api/internal/gitrepo"
	"cowrite/api/internal/ledger"
	"cowrite/api/internal/search"
	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

const (
	versionNameLayout = "2006-01-02 15:04:05"
	versionLogLimit   = 50
	searchLimit       = 20
)

func (s *Service) GetWorkspace(ctx context.Context, userID, projectID string) (store.Workspace, error) {
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return store.Workspace{}, err
	}
	ws, err := s.store.GetWorkspace(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Workspace{}, notFound("Workspace not found for project " + p.ID)
	}
	if err != nil {
		return store.Workspace{}, persistenceFailure("Failed to load workspace", err)
	}
	return ws, nil
}

// UpdateWorkspace is the autosave path. connID, when set, keeps the
// broadcast from echoing back to the saving connection.
func (s *Service) UpdateWorkspace(ctx context.Context, userID, projectID, content, connID string) (store.Workspace, error) {
	if strings.TrimSpace(content) == "" {
		return store.Workspace{}, invalidRequest("Please provide content")
	}
	p, err := s.loadProject(ctx, projectID, userID, true)
	if err != nil {
		return store.Workspace{}, err
	}
	return s.writeWorkspace(ctx, p.ID, userID, content, connID, ledger.ContentUpdated{WordCount: util.WordCount(content)}, "save")
}

func (s *Service) writeWorkspace(ctx context.Context, projectID, userID, content, connID string, entry ledger.Payload, source string) (store.Workspace, error) {
	ws, err := s.store.SaveWorkspace(ctx, store.Workspace{
		ProjectID:     projectID,
		Content:       content,
		LastUpdatedBy: userID,
		WordCount:     util.WordCount(content),
		UpdatedAt:     s.now(),
	})
	if err != nil {
		return store.Workspace{}, persistenceFailure("Failed to save workspace", err)
	}
	if _, err := s.ledger.Append(ctx, projectID, userID, entry); err != nil {
		return store.Workspace{}, persistenceFailure("Failed to record history", err)
	}
	s.publish(ctx, broadcast.Event{
		Type:      broadcast.ContentUpdated,
		ProjectID: projectID,
		UserID:    userID,
		ConnID:    connID,
		Payload: broadcast.ContentPayload{
			Content:   ws.Content,
			WordCount: ws.WordCount,
			Source:    source,
		},
	})
	return ws, nil
}

func (s *Service) Messages(ctx context.Context, userID, projectID string) ([]store.Message, error) {
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return nil, err
	}
	msgs, err := s.transcript.Recent(ctx, p.ID)
	if err != nil {
		return nil, persistenceFailure("Failed to load messages", err)
	}
	return msgs, nil
}

type AddMessageInput struct {
	Content   string       `json:"content"`
	Sender    store.Sender `json:"sender"`
	Timestamp *time.Time   `json:"timestamp"`
}

func (s *Service) AddMessage(ctx context.Context, userID, projectID string, in AddMessageInput) (store.Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return store.Message{}, invalidRequest("Please provide message content")
	}
	sender := in.Sender
	if sender == "" {
		sender = store.SenderUser
	}
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return store.Message{}, err
	}
	msg, err := s.transcript.AddMessage(ctx, p.ID, userID, sender, in.Content, in.Timestamp)
	if err != nil {
		return store.Message{}, err
	}
	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:        msg.ID,
			ProjectID: msg.ProjectID,
			Sender:    string(msg.Sender),
			Content:   msg.Content,
			Timestamp: msg.Timestamp.Unix(),
		})
	}
	return msg, nil
}

func (s *Service) ActiveUsers(ctx context.Context, userID, projectID string) ([]broadcast.Presence, error) {
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return nil, err
	}
	return s.hub.Members(p.ID), nil
}

type CreateVersionInput struct {
	ProjectID   string   `json:"projectId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
}

func (s *Service) CreateVersion(ctx context.Context, userID string, in CreateVersionInput, connID string) (store.Version, error) {
	if strings.TrimSpace(in.Content) == "" {
		return store.Version{}, invalidRequest("Please provide content for the version")
	}
	p, err := s.loadProject(ctx, in.ProjectID, userID, true)
	if err != nil {
		return store.Version{}, err
	}
	now := s.now()
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "Version " + now.Format(versionNameLayout)
	}
	v := store.Version{
		ID:          util.NewID("ver"),
		ProjectID:   p.ID,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Content:     in.Content,
		Tags:        cleanTags(in.Tags),
		CreatedBy:   userID,
		WordCount:   util.WordCount(in.Content),
		CreatedAt:   now,
	}
	if err := s.store.CreateVersion(ctx, v); err != nil {
		return store.Version{}, persistenceFailure("Failed to create version", err)
	}
	if _, err := s.ledger.Append(ctx, p.ID, userID, ledger.VersionCreated{VersionID: v.ID, Name: v.Name}); err != nil {
		return store.Version{}, persistenceFailure("Failed to record history", err)
	}
	if _, err := s.ledger.Bump(ctx, p.ID, ledger.Bump{VersionsCreated: 1}); err != nil {
		return store.Version{}, persistenceFailure("Failed to update project stats", err)
	}
	if s.mirror != nil {
		if _, err := s.mirror.RecordVersion(v, userID); err != nil {
			slog.WarnContext(ctx, "version mirror failed", "project_id", p.ID, "version_id", v.ID, "error", err)
		}
	}
	s.publish(ctx, broadcast.Event{
		Type:      broadcast.VersionCreated,
		ProjectID: p.ID,
		UserID:    userID,
		ConnID:    connID,
		Payload:   map[string]any{"versionId": v.ID, "name": v.Name},
	})
	return v, nil
}

func (s *Service) ListVersions(ctx context.Context, userID, projectID string) ([]store.Version, error) {
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, p.ID)
	if err != nil {
		return nil, persistenceFailure("Failed to list versions", err)
	}
	return versions, nil
}

// loadVersion resolves a version and checks access to its project.
func (s *Service) loadVersion(ctx context.Context, userID, versionID string, edit bool) (store.Version, store.Project, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Version{}, store.Project{}, notFound("Version not found with id of " + versionID)
	}
	if err != nil {
		return store.Version{}, store.Project{}, persistenceFailure("Failed to load version", err)
	}
	p, err := s.loadProject(ctx, v.ProjectID, userID, edit)
	if err != nil {
		return store.Version{}, store.Project{}, err
	}
	return v, p, nil
}

func (s *Service) GetVersion(ctx context.Context, userID, versionID string) (store.Version, error) {
	v, _, err := s.loadVersion(ctx, userID, versionID, false)
	return v, err
}

// DeleteVersion is allowed for the project owner and the version's creator.
// A project always keeps at least one version; the deleted version is
// backed up first.
func (s *Service) DeleteVersion(ctx context.Context, userID, versionID string) error {
	v, p, err := s.loadVersion(ctx, userID, versionID, false)
	if err != nil {
		return err
	}
	if !access.IsOwner(p.Resource(), userID) && v.CreatedBy != userID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not authorized to delete this version", nil)
	}
	count, err := s.store.CountVersions(ctx, p.ID)
	if err != nil {
		return persistenceFailure("Failed to count versions", err)
	}
	if count <= 1 {
		return invalidRequest("Cannot delete the only version of a project")
	}
	if s.backups != nil {
		location, err := s.backups.SaveVersion(ctx, v)
		if err != nil {
			return persistenceFailure("Failed to back up version", err)
		}
		slog.InfoContext(ctx, "version backed up", "version_id", v.ID, "location", location)
	}
	if err := s.store.DeleteVersion(ctx, v.ID); err != nil {
		return persistenceFailure("Failed to delete version", err)
	}
	return nil
}

type VersionSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	WordCount int       `json:"wordCount"`
	CreatedAt time.Time `json:"createdAt"`
}

type VersionComparison struct {
	BaseVersion    VersionSummary `json:"baseVersion"`
	CompareVersion VersionSummary `json:"compareVersion"`
	BaseContent    string         `json:"baseContent"`
	CompareContent string         `json:"compareContent"`
	WordCountDiff  int            `json:"wordCountDiff"`
	DiffPercentage float64        `json:"diffPercentage"`
}

func summarize(v store.Version) VersionSummary {
	return VersionSummary{ID: v.ID, Name: v.Name, WordCount: v.WordCount, CreatedAt: v.CreatedAt}
}

// diffPercentage is the word count change relative to the base, rounded to
// two decimals. An empty base counts as a full change.
func diffPercentage(base, compare int) float64 {
	diff := compare - base
	if base == 0 {
		if diff == 0 {
			return 0
		}
		return 100
	}
	return math.Round(math.Abs(float64(diff))/float64(base)*10000) / 100
}

func (s *Service) CompareVersions(ctx context.Context, userID, baseID, compareID string) (VersionComparison, error) {
	base, _, err := s.loadVersion(ctx, userID, baseID, false)
	if err != nil {
		return VersionComparison{}, err
	}
	other, err := s.store.GetVersion(ctx, compareID)
	if errors.Is(err, store.ErrNotFound) {
		return VersionComparison{}, notFound("Version not found with id of " + compareID)
	}
	if err != nil {
		return VersionComparison{}, persistenceFailure("Failed to load version", err)
	}
	if other.ProjectID != base.ProjectID {
		return VersionComparison{}, invalidRequest("Cannot compare versions from different projects")
	}
	return VersionComparison{
		BaseVersion:    summarize(base),
		CompareVersion: summarize(other),
		BaseContent:    base.Content,
		CompareContent: other.Content,
		WordCountDiff:  other.WordCount - base.WordCount,
		DiffPercentage: diffPercentage(base.WordCount, other.WordCount),
	}, nil
}

// ApplyVersion makes a saved version the live workspace content.
func (s *Service) ApplyVersion(ctx context.Context, userID, versionID, connID string) (store.Workspace, error) {
	v, p, err := s.loadVersion(ctx, userID, versionID, true)
	if err != nil {
		return store.Workspace{}, err
	}
	return s.writeWorkspace(ctx, p.ID, userID, v.Content, connID, ledger.VersionSwitched{VersionID: v.ID, VersionName: v.Name}, "version")
}

func (s *Service) VersionLog(ctx context.Context, userID, projectID string) ([]gitrepo.CommitInfo, error) {
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return nil, err
	}
	if s.mirror == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	commits, err := s.mirror.Log(p.ID, versionLogLimit)
	if err != nil {
		return nil, persistenceFailure("Failed to read version log", err)
	}
	return commits, nil
}

func (s *Service) Activity(ctx context.Context, userID string) ([]ledger.Entry, error) {
	entries, err := s.ledger.Activity(ctx, userID)
	if err != nil {
		return nil, persistenceFailure("Failed to load activity", err)
	}
	return entries, nil
}

type SearchInput struct {
	Text      string
	Type      string
	ProjectID string
	Limit     int
	Offset    int
}

// Search only returns hits from projects the caller can read.
func (s *Service) Search(ctx context.Context, userID string, in SearchInput) (search.Response, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return search.Response{}, invalidRequest("q is required")
	}
	filterType := search.ResultType(in.Type)
	if filterType != "" && filterType != search.ResultProject && filterType != search.ResultMessage {
		return search.Response{}, invalidRequest("type must be project or message")
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	projects, err := s.store.ListProjectsForUser(ctx, userID)
	if err != nil {
		return search.Response{}, persistenceFailure("Failed to list projects", err)
	}
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	limit := in.Limit
	if limit <= 0 || limit > 100 {
		limit = searchLimit
	}
	return s.search.Search(ctx, search.Query{
		Text:            text,
		FilterType:      filterType,
		FilterProjectID: in.ProjectID,
		ProjectIDs:      ids,
		Limit:           limit,
		Offset:          max(in.Offset, 0),
	}), nil
}

// Export renders the live workspace, or a saved version of it.
func (s *Service) Export(ctx context.Context, userID, projectID, versionID, format string) (*export.Result, error) {
	f, ok := export.ParseFormat(format)
	if !ok {
		return nil, export.ErrUnsupportedFormat
	}
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return nil, err
	}
	doc := export.Document{
		Title:       p.Name,
		Description: p.Description,
		Stats:       export.Stats{HumanContribution: p.Stats.HumanContribution, AIContribution: p.Stats.AIContribution},
	}
	if owner, err := s.store.GetUserByID(ctx, p.OwnerID); err == nil {
		doc.Author = owner.Name
	}
	if versionID != "" {
		v, _, err := s.loadVersion(ctx, userID, versionID, false)
		if err != nil {
			return nil, err
		}
		if v.ProjectID != p.ID {
			return nil, invalidRequest("Version does not belong to this project")
		}
		doc.VersionName = v.Name
		doc.Content = v.Content
		doc.WordCount = v.WordCount
		doc.UpdatedAt = v.CreatedAt
	} else {
		ws, err := s.store.GetWorkspace(ctx, p.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, persistenceFailure("Failed to load workspace", err)
		}
		doc.Content = ws.Content
		doc.WordCount = ws.WordCount
		doc.UpdatedAt = ws.UpdatedAt
	}
	if s.exporter == nil {
		return nil, export.ErrPDFDependencyMissing
	}
	return s.exporter.Export(ctx, doc, f)
}
