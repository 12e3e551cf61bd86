// Package ledger records what happened to a project and keeps its running
// contribution stats. History is append-only: there is no update or delete.
package ledger

import (
	"context"
	"fmt"
	"time"

	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

const (
	ActivityLimit = 20
	ExcerptLength = 50
)

type HistoryStore interface {
	AppendHistory(ctx context.Context, rec store.HistoryRecord) error
	ListHistory(ctx context.Context, projectID string, limit int) ([]store.HistoryRecord, error)
	ActivityForUser(ctx context.Context, userID string, limit int) ([]store.HistoryRecord, error)
	GetStats(ctx context.Context, projectID string) (store.Stats, error)
	SaveStats(ctx context.Context, projectID string, stats store.Stats) error
}

// Entry is a decoded history record.
type Entry struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"projectId"`
	Type      HistoryType `json:"type"`
	UserID    string      `json:"userId"`
	Data      Payload     `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type Ledger struct {
	store HistoryStore
	now   func() time.Time
}

func New(s HistoryStore) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func Excerpt(s string) string {
	return util.Excerpt(s, ExcerptLength)
}

func (l *Ledger) Append(ctx context.Context, projectID, userID string, p Payload) (Entry, error) {
	raw, err := EncodePayload(p)
	if err != nil {
		return Entry{}, err
	}
	rec := store.HistoryRecord{
		ID:        util.NewID("hist"),
		ProjectID: projectID,
		Type:      string(p.HistoryType()),
		UserID:    userID,
		Data:      raw,
		Timestamp: l.now().UTC().Truncate(time.Microsecond),
	}
	if err := l.store.AppendHistory(ctx, rec); err != nil {
		return Entry{}, fmt.Errorf("append history: %w", err)
	}
	return Entry{
		ID:        rec.ID,
		ProjectID: projectID,
		Type:      p.HistoryType(),
		UserID:    userID,
		Data:      p,
		Timestamp: rec.Timestamp,
	}, nil
}

// UpdateStats merges an analysis result into the stored stats.
func (l *Ledger) UpdateStats(ctx context.Context, projectID string, patch StatsPatch) (store.Stats, error) {
	current, err := l.store.GetStats(ctx, projectID)
	if err != nil {
		return store.Stats{}, fmt.Errorf("load stats: %w", err)
	}
	next := Merge(current, patch, l.now())
	if err := l.store.SaveStats(ctx, projectID, next); err != nil {
		return store.Stats{}, fmt.Errorf("save stats: %w", err)
	}
	return next, nil
}

// Bump applies counter increments. Concurrent bumps on one project are
// last-write-wins.
func (l *Ledger) Bump(ctx context.Context, projectID string, b Bump) (store.Stats, error) {
	current, err := l.store.GetStats(ctx, projectID)
	if err != nil {
		return store.Stats{}, fmt.Errorf("load stats: %w", err)
	}
	if b.IsZero() {
		return current, nil
	}
	next := ApplyBump(current, b)
	if err := l.store.SaveStats(ctx, projectID, next); err != nil {
		return store.Stats{}, fmt.Errorf("save stats: %w", err)
	}
	return next, nil
}

func (l *Ledger) Stats(ctx context.Context, projectID string) (store.Stats, error) {
	s, err := l.store.GetStats(ctx, projectID)
	if err != nil {
		return store.Stats{}, err
	}
	return Normalize(s), nil
}

// List returns the newest entries first.
func (l *Ledger) List(ctx context.Context, projectID string, limit int) ([]Entry, error) {
	recs, err := l.store.ListHistory(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return decodeAll(recs)
}

// Activity returns the newest entries across every project the user owns or
// collaborates on.
func (l *Ledger) Activity(ctx context.Context, userID string) ([]Entry, error) {
	recs, err := l.store.ActivityForUser(ctx, userID, ActivityLimit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return decodeAll(recs)
}

func decodeAll(recs []store.HistoryRecord) ([]Entry, error) {
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		t, err := ParseHistoryType(rec.Type)
		if err != nil {
			return nil, err
		}
		p, err := DecodePayload(t, rec.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			ID:        rec.ID,
			ProjectID: rec.ProjectID,
			Type:      t,
			UserID:    rec.UserID,
			Data:      p,
			Timestamp: rec.Timestamp,
		})
	}
	return out, nil
}
