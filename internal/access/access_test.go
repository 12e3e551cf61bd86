package access

import (
	"errors"
	"fmt"
	"testing"
)

func TestAccessPredicates(t *testing.T) {
	project := Resource{
		OwnerID:    "owner",
		Visibility: VisibilityPrivate,
		Collaborators: []Collaborator{
			{UserID: "ed", Role: RoleEditor},
			{UserID: "vi", Role: RoleViewer},
		},
	}
	public := project
	public.Visibility = VisibilityPublic

	cases := []struct {
		name     string
		resource Resource
		user     string
		read     bool
		edit     bool
	}{
		{name: "owner", resource: project, user: "owner", read: true, edit: true},
		{name: "editor", resource: project, user: "ed", read: true, edit: true},
		{name: "viewer", resource: project, user: "vi", read: true, edit: false},
		{name: "stranger private", resource: project, user: "x", read: false, edit: false},
		{name: "stranger public", resource: public, user: "x", read: true, edit: false},
		{name: "viewer public", resource: public, user: "vi", read: true, edit: false},
		{name: "empty user", resource: project, user: "", read: false, edit: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasReadAccess(tc.resource, tc.user); got != tc.read {
				t.Fatalf("HasReadAccess(%q) = %v, want %v", tc.user, got, tc.read)
			}
			if got := HasEditAccess(tc.resource, tc.user); got != tc.edit {
				t.Fatalf("HasEditAccess(%q) = %v, want %v", tc.user, got, tc.edit)
			}
		})
	}
}

func TestOutsidersNeverPassOnNonPublicProjects(t *testing.T) {
	for _, vis := range []Visibility{VisibilityPrivate, VisibilityTeam} {
		for i := 0; i < 20; i++ {
			r := Resource{
				OwnerID:    "owner",
				Visibility: vis,
				Collaborators: []Collaborator{
					{UserID: fmt.Sprintf("c%d", i), Role: RoleEditor},
					{UserID: fmt.Sprintf("v%d", i), Role: RoleViewer},
				},
			}
			user := fmt.Sprintf("outsider-%d", i)
			if HasReadAccess(r, user) || HasEditAccess(r, user) {
				t.Fatalf("outsider %s passed a check on %s project", user, vis)
			}
			if !errors.Is(CheckRead(r, user), ErrForbidden) {
				t.Fatal("CheckRead should return ErrForbidden")
			}
			if !errors.Is(CheckEdit(r, user), ErrForbiddenEdit) {
				t.Fatal("CheckEdit should return ErrForbiddenEdit")
			}
		}
	}
}

func TestNormalizeRole(t *testing.T) {
	cases := []struct {
		in   string
		want Role
		ok   bool
	}{
		{in: "", want: RoleEditor, ok: true},
		{in: "viewer", want: RoleViewer, ok: true},
		{in: "editor", want: RoleEditor, ok: true},
		{in: "admin", ok: false},
	}
	for _, tc := range cases {
		got, ok := NormalizeRole(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("NormalizeRole(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
	if ValidVisibility("secret") || !ValidVisibility("team") {
		t.Fatal("ValidVisibility mismatch")
	}
}
