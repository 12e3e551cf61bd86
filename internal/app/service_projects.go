package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"cowrite/api/internal/access"
	"cowrite/api/internal/broadcast"
	"cowrite/api/internal/ledger"
	"cowrite/api/internal/search"
	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

const (
	maxProjectName        = 100
	maxProjectDescription = 500
)

type CreateProjectInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Visibility  string   `json:"visibility"`
	Tags        []string `json:"tags"`
}

// UpdateProjectInput leaves nil fields unchanged.
type UpdateProjectInput struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Visibility  *string   `json:"visibility"`
	Status      *string   `json:"status"`
	Tags        *[]string `json:"tags"`
}

func validateProjectText(name, description string) error {
	if name == "" {
		return invalidRequest("Please provide a project name")
	}
	if utf8.RuneCountInString(name) > maxProjectName {
		return invalidRequest("Project name cannot be more than 100 characters")
	}
	if utf8.RuneCountInString(description) > maxProjectDescription {
		return invalidRequest("Description cannot be more than 500 characters")
	}
	return nil
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func (s *Service) CreateProject(ctx context.Context, userID string, in CreateProjectInput) (store.Project, error) {
	name := strings.TrimSpace(in.Name)
	description := strings.TrimSpace(in.Description)
	if err := validateProjectText(name, description); err != nil {
		return store.Project{}, err
	}
	visibility := access.VisibilityPrivate
	if in.Visibility != "" {
		if !access.ValidVisibility(in.Visibility) {
			return store.Project{}, invalidRequest("visibility must be private, team, or public")
		}
		visibility = access.Visibility(in.Visibility)
	}

	now := s.now()
	p := store.Project{
		ID:            util.NewID("prj"),
		Name:          name,
		Description:   description,
		OwnerID:       userID,
		Collaborators: []store.Collaborator{},
		Visibility:    visibility,
		Status:        store.ProjectActive,
		Tags:          cleanTags(in.Tags),
		Stats:         store.DefaultStats(now),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return store.Project{}, persistenceFailure("Failed to create project", err)
	}
	if _, err := s.ledger.Append(ctx, p.ID, userID, ledger.ProjectCreated{}); err != nil {
		return store.Project{}, persistenceFailure("Failed to record history", err)
	}
	s.indexProject(p)
	return p, nil
}

func (s *Service) ListProjects(ctx context.Context, userID string) ([]store.Project, error) {
	projects, err := s.store.ListProjectsForUser(ctx, userID)
	if err != nil {
		return nil, persistenceFailure("Failed to list projects", err)
	}
	return projects, nil
}

func (s *Service) GetProject(ctx context.Context, userID, projectID string) (store.Project, error) {
	return s.loadProject(ctx, projectID, userID, false)
}

func (s *Service) UpdateProject(ctx context.Context, userID, projectID string, in UpdateProjectInput) (store.Project, error) {
	p, err := s.loadOwnedProject(ctx, projectID, userID, "update")
	if err != nil {
		return store.Project{}, err
	}
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	if err := validateProjectText(p.Name, p.Description); err != nil {
		return store.Project{}, err
	}
	if in.Visibility != nil {
		if !access.ValidVisibility(*in.Visibility) {
			return store.Project{}, invalidRequest("visibility must be private, team, or public")
		}
		p.Visibility = access.Visibility(*in.Visibility)
	}
	if in.Status != nil {
		switch *in.Status {
		case store.ProjectActive, store.ProjectArchived:
			p.Status = *in.Status
		default:
			return store.Project{}, invalidRequest("status must be active or archived")
		}
	}
	if in.Tags != nil {
		p.Tags = cleanTags(*in.Tags)
	}
	p.UpdatedAt = s.now()
	if err := s.store.UpdateProject(ctx, p); err != nil {
		return store.Project{}, persistenceFailure("Failed to update project", err)
	}
	s.indexProject(p)
	return p, nil
}

// DeleteProject is a soft delete; the project is hidden everywhere after it.
func (s *Service) DeleteProject(ctx context.Context, userID, projectID string) error {
	p, err := s.loadOwnedProject(ctx, projectID, userID, "delete")
	if err != nil {
		return err
	}
	p.Status = store.ProjectDeleted
	p.UpdatedAt = s.now()
	if err := s.store.UpdateProject(ctx, p); err != nil {
		return persistenceFailure("Failed to delete project", err)
	}
	if s.search != nil {
		s.search.DeleteProject(p.ID)
	}
	return nil
}

func (s *Service) Collaborators(ctx context.Context, userID, projectID string) ([]store.Collaborator, error) {
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return nil, err
	}
	return p.Collaborators, nil
}

// AddCollaborator adds a user by email, or changes the role of an existing
// collaborator. The role defaults to editor.
func (s *Service) AddCollaborator(ctx context.Context, userID, projectID, email, role string) ([]store.Collaborator, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, invalidRequest("Please provide an email")
	}
	if role == "" {
		role = string(access.RoleEditor)
	}
	normalized, ok := access.NormalizeRole(role)
	if !ok {
		return nil, invalidRequest("role must be editor or viewer")
	}
	p, err := s.loadOwnedProject(ctx, projectID, userID, "add collaborators to")
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("User not found with email " + email)
	}
	if err != nil {
		return nil, persistenceFailure("Failed to look up user", err)
	}
	if user.ID == p.OwnerID {
		return nil, invalidRequest("The project owner cannot be added as a collaborator")
	}

	if err := s.store.UpsertCollaborator(ctx, p.ID, store.Collaborator{UserID: user.ID, Role: normalized, AddedAt: s.now()}); err != nil {
		return nil, persistenceFailure("Failed to add collaborator", err)
	}
	if _, err := s.ledger.Append(ctx, p.ID, user.ID, ledger.CollaboratorJoined{Role: string(normalized)}); err != nil {
		return nil, persistenceFailure("Failed to record history", err)
	}
	s.publish(ctx, broadcast.Event{
		Type:      broadcast.CollaboratorJoined,
		ProjectID: p.ID,
		UserID:    userID,
		Payload:   map[string]any{"userId": user.ID, "name": user.Name, "role": normalized},
	})
	return s.Collaborators(ctx, userID, p.ID)
}

func (s *Service) RemoveCollaborator(ctx context.Context, userID, projectID, collaboratorID string) ([]store.Collaborator, error) {
	p, err := s.loadOwnedProject(ctx, projectID, userID, "remove collaborators from")
	if err != nil {
		return nil, err
	}
	err = s.store.RemoveCollaborator(ctx, p.ID, collaboratorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("Collaborator not found")
	}
	if err != nil {
		return nil, persistenceFailure("Failed to remove collaborator", err)
	}
	if _, err := s.ledger.Append(ctx, p.ID, userID, ledger.CollaboratorLeft{UserID: collaboratorID}); err != nil {
		return nil, persistenceFailure("Failed to record history", err)
	}
	s.publish(ctx, broadcast.Event{
		Type:      broadcast.CollaboratorLeft,
		ProjectID: p.ID,
		UserID:    userID,
		Payload:   map[string]any{"userId": collaboratorID},
	})
	return s.Collaborators(ctx, userID, p.ID)
}

func (s *Service) History(ctx context.Context, userID, projectID string, limit int) ([]ledger.Entry, error) {
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.List(ctx, p.ID, limit)
	if err != nil {
		return nil, persistenceFailure("Failed to load history", err)
	}
	return entries, nil
}

func (s *Service) Stats(ctx context.Context, userID, projectID string) (store.Stats, error) {
	p, err := s.loadProject(ctx, projectID, userID, false)
	if err != nil {
		return store.Stats{}, err
	}
	stats, err := s.ledger.Stats(ctx, p.ID)
	if err != nil {
		return store.Stats{}, persistenceFailure("Failed to load stats", err)
	}
	return stats, nil
}

func (s *Service) indexProject(p store.Project) {
	if s.search == nil {
		return
	}
	s.search.IndexProject(search.ProjectRecord{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Tags:        p.Tags,
		OwnerID:     p.OwnerID,
		Visibility:  string(p.Visibility),
		Status:      p.Status,
	})
}
