package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across projects and messages using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.ProjectIDs}
	argN := 3

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultProject {
		where := "p.fts @@ " + tsQuery + " AND p.status <> 'deleted' AND (p.id = ANY($2) OR p.visibility = 'public')"
		if q.FilterProjectID != "" {
			where += fmt.Sprintf(" AND p.id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'project'::text AS type, p.id, p.name AS title,
				ts_headline('english', coalesce(p.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS project_id,
				p.visibility,
				ts_rank(p.fts, %s) AS rank
			FROM projects p
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultMessage {
		where := "m.fts @@ " + tsQuery + " AND m.project_id = ANY($2) AND p.status <> 'deleted'"
		if q.FilterProjectID != "" {
			where += fmt.Sprintf(" AND m.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, m.sender AS title,
				ts_headline('english', m.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.project_id,
				p.visibility,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			JOIN projects p ON p.id = m.project_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, visibility
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.Visibility); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProjectRecord, []MessageRecord, error) {
	projectRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, tags, owner_id, visibility, status
		FROM projects
		WHERE status <> 'deleted'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projectRows.Close()

	projects := make([]ProjectRecord, 0)
	for projectRows.Next() {
		var (
			r    ProjectRecord
			tags []byte
		)
		if err := projectRows.Scan(&r.ID, &r.Name, &r.Description, &tags, &r.OwnerID, &r.Visibility, &r.Status); err != nil {
			return nil, nil, fmt.Errorf("scan project: %w", err)
		}
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return nil, nil, fmt.Errorf("decode tags for %s: %w", r.ID, err)
		}
		projects = append(projects, r)
	}
	if err := projectRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.project_id, m.sender, m.content, m.timestamp
		FROM messages m
		JOIN projects p ON p.id = m.project_id
		WHERE p.status <> 'deleted'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	messages := make([]MessageRecord, 0)
	for messageRows.Next() {
		var (
			r  MessageRecord
			ts sql.NullTime
		)
		if err := messageRows.Scan(&r.ID, &r.ProjectID, &r.Sender, &r.Content, &ts); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		r.Timestamp = ts.Time.UnixMilli()
		messages = append(messages, r)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return projects, messages, nil
}
