package access

import "errors"

type Role string
type Visibility string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

var (
	ErrForbidden     = errors.New("not authorized to access this project")
	ErrForbiddenEdit = errors.New("not authorized to edit this project")
)

type Collaborator struct {
	UserID string
	Role   Role
}

// Resource is the part of a project the guard looks at.
type Resource struct {
	OwnerID       string
	Visibility    Visibility
	Collaborators []Collaborator
}

func IsOwner(r Resource, userID string) bool {
	return userID != "" && r.OwnerID == userID
}

func HasReadAccess(r Resource, userID string) bool {
	if IsOwner(r, userID) {
		return true
	}
	if _, ok := collaboratorRole(r, userID); ok {
		return true
	}
	return r.Visibility == VisibilityPublic
}

// HasEditAccess never consults visibility: public projects are read-only to outsiders.
func HasEditAccess(r Resource, userID string) bool {
	if IsOwner(r, userID) {
		return true
	}
	role, ok := collaboratorRole(r, userID)
	return ok && role == RoleEditor
}

// CheckRead and CheckEdit return the sentinel the HTTP layer maps to 403.
func CheckRead(r Resource, userID string) error {
	if !HasReadAccess(r, userID) {
		return ErrForbidden
	}
	return nil
}

func CheckEdit(r Resource, userID string) error {
	if !HasEditAccess(r, userID) {
		return ErrForbiddenEdit
	}
	return nil
}

func collaboratorRole(r Resource, userID string) (Role, bool) {
	if userID == "" {
		return "", false
	}
	for _, c := range r.Collaborators {
		if c.UserID == userID {
			return c.Role, true
		}
	}
	return "", false
}

// NormalizeRole maps request input to a role; empty means editor.
func NormalizeRole(role string) (Role, bool) {
	switch Role(role) {
	case "":
		return RoleEditor, true
	case RoleViewer, RoleEditor:
		return Role(role), true
	default:
		return "", false
	}
}

func ValidVisibility(v string) bool {
	switch Visibility(v) {
	case VisibilityPrivate, VisibilityTeam, VisibilityPublic:
		return true
	default:
		return false
	}
}
