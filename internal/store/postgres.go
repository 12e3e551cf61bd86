package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"cowrite/api/internal/access"
)

// ErrConflict is returned when a unique constraint rejects a write.
var ErrConflict = errors.New("conflict")

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func encodeTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(tags)
}

func decodeTags(raw []byte) ([]string, error) {
	tags := []string{}
	if len(raw) == 0 {
		return tags, nil
	}
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return tags, nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Name, strings.ToLower(u.Email), u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", conflict(err))
	}
	return nil
}

const userColumns = `id, name, email, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", notFound(err))
	}
	return u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil {
		return User{}, fmt.Errorf("lookup user %s: %w", id, notFound(err))
	}
	return u, nil
}

// Projects

const projectColumns = `
	p.id, p.name, p.description, p.owner_id, p.visibility, p.status, p.tags,
	p.human_contribution, p.ai_contribution, p.total_edits, p.ai_suggestions,
	p.versions_created, p.last_analyzed, p.created_at, p.updated_at,
	EXISTS(SELECT 1 FROM workspaces w WHERE w.project_id = p.id)`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var (
		p          Project
		visibility string
		tags       []byte
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.OwnerID, &visibility, &p.Status, &tags,
		&p.Stats.HumanContribution, &p.Stats.AIContribution, &p.Stats.TotalEdits, &p.Stats.AISuggestions,
		&p.Stats.VersionsCreated, &p.Stats.LastAnalyzed, &p.CreatedAt, &p.UpdatedAt,
		&p.HasWorkspace,
	)
	if err != nil {
		return Project{}, err
	}
	p.Visibility = access.Visibility(visibility)
	if p.Tags, err = decodeTags(tags); err != nil {
		return Project{}, err
	}
	p.Collaborators = []Collaborator{}
	return p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p Project) error {
	tags, err := encodeTags(p.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (
			id, name, description, owner_id, visibility, status, tags,
			human_contribution, ai_contribution, total_edits, ai_suggestions,
			versions_created, last_analyzed, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, p.ID, p.Name, p.Description, p.OwnerID, string(p.Visibility), p.Status, tags,
		p.Stats.HumanContribution, p.Stats.AIContribution, p.Stats.TotalEdits, p.Stats.AISuggestions,
		p.Stats.VersionsCreated, p.Stats.LastAnalyzed, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", conflict(err))
	}
	return nil
}

// GetProject returns the project with its collaborators, whatever its status.
func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id=$1`, id))
	if err != nil {
		return Project{}, fmt.Errorf("get project %s: %w", id, notFound(err))
	}
	collabs, err := s.collaborators(ctx, []string{id})
	if err != nil {
		return Project{}, err
	}
	p.Collaborators = append(p.Collaborators, collabs[id]...)
	return p, nil
}

// ListProjectsForUser returns the non-deleted projects the user owns or
// collaborates on, most recently updated first.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		WHERE p.status <> 'deleted'
		  AND (p.owner_id = $1 OR EXISTS (
			SELECT 1 FROM project_collaborators c WHERE c.project_id = p.id AND c.user_id = $1))
		ORDER BY p.updated_at DESC, p.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	var ids []string
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	if len(ids) == 0 {
		return []Project{}, nil
	}

	collabs, err := s.collaborators(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		projects[i].Collaborators = append(projects[i].Collaborators, collabs[projects[i].ID]...)
	}
	return projects, nil
}

func (s *PostgresStore) collaborators(ctx context.Context, projectIDs []string) (map[string][]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.project_id, c.user_id, u.name, u.email, c.role, c.added_at
		FROM project_collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.project_id = ANY($1)
		ORDER BY c.added_at, c.user_id
	`, projectIDs)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Collaborator, len(projectIDs))
	for rows.Next() {
		var (
			projectID string
			role      string
			c         Collaborator
		)
		if err := rows.Scan(&projectID, &c.UserID, &c.Name, &c.Email, &role, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		c.Role = access.Role(role)
		out[projectID] = append(out[projectID], c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p Project) error {
	tags, err := encodeTags(p.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name=$2, description=$3, visibility=$4, status=$5, tags=$6, updated_at=$7
		WHERE id=$1
	`, p.ID, p.Name, p.Description, string(p.Visibility), p.Status, tags, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update project %s: %w", p.ID, err)
	}
	return requireRow(res, "project "+p.ID)
}

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, projectID string, c Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_collaborators (project_id, user_id, role, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, projectID, c.UserID, string(c.Role), c.AddedAt)
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	return s.touchProject(ctx, projectID)
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, projectID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_collaborators WHERE project_id=$1 AND user_id=$2`, projectID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	if err := requireRow(res, "collaborator "+userID); err != nil {
		return err
	}
	return s.touchProject(ctx, projectID)
}

func (s *PostgresStore) touchProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at=NOW() WHERE id=$1`, projectID); err != nil {
		return fmt.Errorf("touch project %s: %w", projectID, err)
	}
	return nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// Stats

func (s *PostgresStore) GetStats(ctx context.Context, projectID string) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT human_contribution, ai_contribution, total_edits, ai_suggestions, versions_created, last_analyzed
		FROM projects WHERE id=$1
	`, projectID).Scan(&st.HumanContribution, &st.AIContribution, &st.TotalEdits, &st.AISuggestions, &st.VersionsCreated, &st.LastAnalyzed)
	if err != nil {
		return Stats{}, fmt.Errorf("get stats %s: %w", projectID, notFound(err))
	}
	return st, nil
}

func (s *PostgresStore) SaveStats(ctx context.Context, projectID string, st Stats) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET human_contribution=$2, ai_contribution=$3, total_edits=$4, ai_suggestions=$5,
		    versions_created=$6, last_analyzed=$7, updated_at=NOW()
		WHERE id=$1
	`, projectID, st.HumanContribution, st.AIContribution, st.TotalEdits, st.AISuggestions, st.VersionsCreated, st.LastAnalyzed)
	if err != nil {
		return fmt.Errorf("save stats %s: %w", projectID, err)
	}
	return requireRow(res, "project "+projectID)
}

// Workspaces

func (s *PostgresStore) GetWorkspace(ctx context.Context, projectID string) (Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, content, last_updated_by, word_count, created_at, updated_at
		FROM workspaces WHERE project_id=$1
	`, projectID).Scan(&ws.ProjectID, &ws.Content, &ws.LastUpdatedBy, &ws.WordCount, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace %s: %w", projectID, notFound(err))
	}
	return ws, nil
}

// SaveWorkspace creates the workspace on first write and overwrites its
// content afterwards.
func (s *PostgresStore) SaveWorkspace(ctx context.Context, ws Workspace) (Workspace, error) {
	if ws.UpdatedAt.IsZero() {
		ws.UpdatedAt = Now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (project_id, content, last_updated_by, word_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (project_id) DO UPDATE
		SET content = EXCLUDED.content,
		    last_updated_by = EXCLUDED.last_updated_by,
		    word_count = EXCLUDED.word_count,
		    updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`, ws.ProjectID, ws.Content, ws.LastUpdatedBy, ws.WordCount, ws.UpdatedAt).Scan(&ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return Workspace{}, fmt.Errorf("save workspace %s: %w", ws.ProjectID, err)
	}
	return ws, nil
}

// Messages

func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, user_id, sender, content, ai_mode, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.ProjectID, nullable(m.UserID), string(m.Sender), m.Content, nullable(string(m.AIMode)), meta, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, project_id, user_id, sender, content, ai_mode, metadata, timestamp`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		var (
			m      Message
			userID sql.NullString
			mode   sql.NullString
			sender string
			meta   []byte
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &userID, &sender, &m.Content, &mode, &meta, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.UserID = userID.String
		m.Sender = Sender(sender)
		m.AIMode = AIMode(mode.String)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, projectID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE project_id=$1
		ORDER BY timestamp, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

// RecentMessages returns the last limit messages in ascending order.
func (s *PostgresStore) RecentMessages(ctx context.Context, projectID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE project_id=$1
			ORDER BY timestamp DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY timestamp, id
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return scanMessages(rows)
}

// Versions

const versionColumns = `id, project_id, name, description, content, tags, created_by, word_count, created_at`

func scanVersion(row interface{ Scan(...any) error }) (Version, error) {
	var (
		v    Version
		tags []byte
	)
	if err := row.Scan(&v.ID, &v.ProjectID, &v.Name, &v.Description, &v.Content, &tags, &v.CreatedBy, &v.WordCount, &v.CreatedAt); err != nil {
		return Version{}, err
	}
	var err error
	v.Tags, err = decodeTags(tags)
	return v, err
}

func (s *PostgresStore) CreateVersion(ctx context.Context, v Version) error {
	tags, err := encodeTags(v.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, v.ID, v.ProjectID, v.Name, v.Description, v.Content, tags, v.CreatedBy, v.WordCount, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", conflict(err))
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=$1`, id))
	if err != nil {
		return Version{}, fmt.Errorf("get version %s: %w", id, notFound(err))
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, projectID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE project_id=$1
		ORDER BY created_at DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	out := []Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountVersions(ctx context.Context, projectID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM versions WHERE project_id=$1`, projectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteVersion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM versions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete version %s: %w", id, err)
	}
	return requireRow(res, "version "+id)
}

// History

func (s *PostgresStore) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	data := rec.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_history (id, project_id, type, user_id, data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.ProjectID, rec.Type, rec.UserID, []byte(data), rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func scanHistory(rows *sql.Rows) ([]HistoryRecord, error) {
	defer rows.Close()
	out := []HistoryRecord{}
	for rows.Next() {
		var (
			rec  HistoryRecord
			data []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Type, &rec.UserID, &data, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Data = json.RawMessage(data)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListHistory returns a project's entries newest first. A non-positive limit
// returns all of them.
func (s *PostgresStore) ListHistory(ctx context.Context, projectID string, limit int) ([]HistoryRecord, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, type, user_id, data, timestamp
		FROM project_history
		WHERE project_id=$1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`, projectID, lim)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return scanHistory(rows)
}

// ActivityForUser returns the newest entries across the live projects the
// user owns or collaborates on.
func (s *PostgresStore) ActivityForUser(ctx context.Context, userID string, limit int) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.project_id, h.type, h.user_id, h.data, h.timestamp
		FROM project_history h
		JOIN projects p ON p.id = h.project_id
		WHERE p.status <> 'deleted'
		  AND (p.owner_id = $1 OR EXISTS (
			SELECT 1 FROM project_collaborators c WHERE c.project_id = p.id AND c.user_id = $1))
		ORDER BY h.timestamp DESC, h.id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("activity for user: %w", err)
	}
	return scanHistory(rows)
}

// Now is the timestamp precision the database keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
