package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"cowrite/api/db"
	"cowrite/api/internal/access"
)

func seededStore(t *testing.T) (*PostgresStore, Project) {
	t.Helper()
	conn, ctx := openTestDB(t)
	if err := ApplyMigrations(ctx, conn, db.Migrations()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(conn)
	now := Now()

	for _, u := range []User{
		{ID: "usr_owner", Name: "Owner", Email: "Owner@Example.com", PasswordHash: "x", CreatedAt: now},
		{ID: "usr_editor", Name: "Editor", Email: "editor@example.com", PasswordHash: "x", CreatedAt: now},
	} {
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user %s: %v", u.ID, err)
		}
	}
	p := Project{
		ID: "prj_1", Name: "Novel", OwnerID: "usr_owner",
		Visibility: access.VisibilityPrivate, Status: ProjectActive,
		Tags: []string{"draft"}, Stats: DefaultStats(now), CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return s, p
}

func TestPostgresStoreUsersAndProjects(t *testing.T) {
	s, p := seededStore(t)
	ctx := t.Context()

	u, err := s.GetUserByEmail(ctx, "OWNER@example.com")
	if err != nil || u.ID != "usr_owner" || u.Email != "owner@example.com" {
		t.Fatalf("GetUserByEmail = %+v, %v", u, err)
	}
	err = s.CreateUser(ctx, User{ID: "usr_dup", Name: "Dup", Email: "owner@example.com", PasswordHash: "x", CreatedAt: Now()})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email err = %v, want ErrConflict", err)
	}
	if _, err := s.GetUserByID(ctx, "usr_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user err = %v", err)
	}

	if err := s.UpsertCollaborator(ctx, p.ID, Collaborator{UserID: "usr_editor", Role: access.RoleViewer, AddedAt: Now()}); err != nil {
		t.Fatalf("add collaborator: %v", err)
	}
	if err := s.UpsertCollaborator(ctx, p.ID, Collaborator{UserID: "usr_editor", Role: access.RoleEditor, AddedAt: Now()}); err != nil {
		t.Fatalf("update collaborator: %v", err)
	}
	got, err := s.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if len(got.Collaborators) != 1 || got.Collaborators[0].Role != access.RoleEditor || got.Collaborators[0].Email != "editor@example.com" {
		t.Fatalf("collaborators = %+v", got.Collaborators)
	}
	if got.HasWorkspace {
		t.Fatal("workspace should not exist yet")
	}

	listed, err := s.ListProjectsForUser(ctx, "usr_editor")
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListProjectsForUser = %d, %v", len(listed), err)
	}

	got.Status = ProjectDeleted
	got.UpdatedAt = Now()
	if err := s.UpdateProject(ctx, got); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	listed, err = s.ListProjectsForUser(ctx, "usr_owner")
	if err != nil || len(listed) != 0 {
		t.Fatalf("deleted project still listed: %d, %v", len(listed), err)
	}

	if err := s.RemoveCollaborator(ctx, p.ID, "usr_nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("remove missing collaborator err = %v", err)
	}
}

func TestPostgresStoreWorkspaceMessagesAndVersions(t *testing.T) {
	s, p := seededStore(t)
	ctx := t.Context()

	if _, err := s.GetWorkspace(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetWorkspace before write err = %v", err)
	}
	first, err := s.SaveWorkspace(ctx, Workspace{ProjectID: p.ID, Content: "one two", LastUpdatedBy: "usr_owner", WordCount: 2})
	if err != nil {
		t.Fatalf("SaveWorkspace: %v", err)
	}
	second, err := s.SaveWorkspace(ctx, Workspace{ProjectID: p.ID, Content: "one two three", LastUpdatedBy: "usr_owner", WordCount: 3, UpdatedAt: first.UpdatedAt.Add(time.Second)})
	if err != nil {
		t.Fatalf("SaveWorkspace again: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed on overwrite: %v vs %v", second.CreatedAt, first.CreatedAt)
	}

	base := Now()
	for i, m := range []Message{
		{ID: "msg_1", ProjectID: p.ID, UserID: "usr_owner", Sender: SenderUser, Content: "hi", Timestamp: base},
		{ID: "msg_2", ProjectID: p.ID, Sender: SenderAI, AIMode: ModeGenerate, Content: "hello", Timestamp: base.Add(time.Millisecond)},
		{ID: "msg_3", ProjectID: p.ID, Sender: SenderSystem, Content: "note", Timestamp: base.Add(2 * time.Millisecond), Metadata: MessageMetadata{Error: true, OriginalError: "boom"}},
	} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert message %d: %v", i, err)
		}
	}
	recent, err := s.RecentMessages(ctx, p.ID, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "msg_2" || recent[1].ID != "msg_3" {
		t.Fatalf("recent = %+v", recent)
	}
	if !recent[1].Metadata.Error || recent[0].AIMode != ModeGenerate || recent[0].UserID != "" {
		t.Fatalf("round-tripped fields lost: %+v", recent)
	}
	bad := Message{ID: "msg_bad", ProjectID: p.ID, Sender: SenderAI, Content: "no mode", Timestamp: base}
	if err := s.InsertMessage(ctx, bad); err == nil {
		t.Fatal("ai message without mode should be rejected")
	}

	v := Version{ID: "ver_1", ProjectID: p.ID, Name: "First", Content: "one two", Tags: []string{"a"}, CreatedBy: "usr_owner", WordCount: 2, CreatedAt: Now()}
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if n, err := s.CountVersions(ctx, p.ID); err != nil || n != 1 {
		t.Fatalf("CountVersions = %d, %v", n, err)
	}
	if err := s.DeleteVersion(ctx, "ver_1"); err != nil {
		t.Fatalf("DeleteVersion: %v", err)
	}
	if _, err := s.GetVersion(ctx, "ver_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted version err = %v", err)
	}
}

func TestHistoryImmutabilityBlocksUpdateAndDelete(t *testing.T) {
	s, p := seededStore(t)
	ctx := t.Context()

	rec := HistoryRecord{ID: "hist_1", ProjectID: p.ID, Type: "project_created", UserID: "usr_owner", Data: json.RawMessage(`{}`), Timestamp: Now()}
	if err := s.AppendHistory(ctx, rec); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	for _, stmt := range []struct {
		op  string
		sql string
	}{
		{"UPDATE", `UPDATE project_history SET user_id = 'usr_other' WHERE id = 'hist_1'`},
		{"DELETE", `DELETE FROM project_history WHERE id = 'hist_1'`},
	} {
		_, err := s.DB().ExecContext(ctx, stmt.sql)
		if err == nil {
			t.Fatalf("expected %s to be blocked", stmt.op)
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			t.Fatalf("expected PostgreSQL error, got: %v", err)
		}
		if pgErr.SQLState() != "55000" {
			t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
		}
		if want := "project_history is append-only; " + stmt.op + " is not allowed"; pgErr.Message != want {
			t.Fatalf("unexpected error message: %s", pgErr.Message)
		}
	}

	got, err := s.ListHistory(ctx, p.ID, 0)
	if err != nil || len(got) != 1 || got[0].UserID != "usr_owner" {
		t.Fatalf("history after blocked writes = %+v, %v", got, err)
	}
	bad := HistoryRecord{ID: "hist_2", ProjectID: p.ID, Type: "renamed", UserID: "usr_owner", Timestamp: Now()}
	if err := s.AppendHistory(ctx, bad); err == nil {
		t.Fatal("unknown history type should be rejected")
	}

	activity, err := s.ActivityForUser(ctx, "usr_owner", 20)
	if err != nil || len(activity) != 1 {
		t.Fatalf("ActivityForUser = %d, %v", len(activity), err)
	}
}
