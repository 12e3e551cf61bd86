// Package conversation is the per-project chat transcript: append-only,
// bounded in size, returned in timestamp order.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

const (
	RecentLimit = 50

	ApologyText = "I apologize, but I encountered an issue generating a complete response. Please try rephrasing your request or ask for a more specific analysis."
)

type MessageStore interface {
	InsertMessage(ctx context.Context, m store.Message) error
	ListMessages(ctx context.Context, projectID string) ([]store.Message, error)
	RecentMessages(ctx context.Context, projectID string, limit int) ([]store.Message, error)
}

type Store struct {
	messages MessageStore
	now      func() time.Time
}

func New(messages MessageStore) *Store {
	return &Store{messages: messages, now: time.Now}
}

// WithClock replaces the time source; the transcript relies on it for ordering.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) AppendUser(ctx context.Context, projectID, userID, content string) (store.Message, error) {
	return s.append(ctx, store.Message{
		ProjectID: projectID,
		UserID:    userID,
		Sender:    store.SenderUser,
		Content:   content,
	}, time.Time{})
}

func (s *Store) AppendSystem(ctx context.Context, projectID, content string) (store.Message, error) {
	return s.append(ctx, store.Message{
		ProjectID: projectID,
		Sender:    store.SenderSystem,
		Content:   content,
	}, time.Time{})
}

// AppendAI records an AI reply. When after is set the reply is stamped strictly
// later than it, so the pair sorts deterministically. A reply that fails
// validation is replaced by a short apology instead of being dropped.
func (s *Store) AppendAI(ctx context.Context, projectID, content string, mode store.AIMode, md store.MessageMetadata, after *store.Message) (store.Message, error) {
	var notBefore time.Time
	if after != nil {
		notBefore = after.Timestamp.Add(time.Millisecond)
	}
	msg := store.Message{
		ProjectID: projectID,
		Sender:    store.SenderAI,
		Content:   content,
		AIMode:    mode,
		Metadata:  md,
	}
	saved, err := s.append(ctx, msg, notBefore)
	var verr *ValidationError
	if errors.As(err, &verr) {
		slog.WarnContext(ctx, "ai reply failed validation, storing apology", "error", err)
		msg.Content = ApologyText
		msg.Metadata = store.MessageMetadata{Error: true, OriginalError: err.Error()}
		return s.append(ctx, msg, notBefore)
	}
	return saved, err
}

// AddMessage is the generic transcript write used by the workspace routes.
func (s *Store) AddMessage(ctx context.Context, projectID, userID string, sender store.Sender, content string, ts *time.Time) (store.Message, error) {
	msg := store.Message{
		ProjectID: projectID,
		Sender:    sender,
		Content:   content,
	}
	if sender == store.SenderUser {
		msg.UserID = userID
	}
	if sender == store.SenderAI {
		msg.AIMode = DetermineAIMode(content)
	}
	var at time.Time
	if ts != nil {
		at = *ts
		msg.Timestamp = at
	}
	return s.append(ctx, msg, at)
}

func (s *Store) List(ctx context.Context, projectID string) ([]store.Message, error) {
	return s.messages.ListMessages(ctx, projectID)
}

func (s *Store) Recent(ctx context.Context, projectID string) ([]store.Message, error) {
	return s.messages.RecentMessages(ctx, projectID, RecentLimit)
}

func (s *Store) append(ctx context.Context, msg store.Message, notBefore time.Time) (store.Message, error) {
	msg.Content = strings.TrimSpace(msg.Content)
	msg.Content = Truncate(msg.Content, msg.Sender, msg.AIMode)
	if err := Validate(msg); err != nil {
		return store.Message{}, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	if !notBefore.IsZero() && msg.Timestamp.Before(notBefore) {
		msg.Timestamp = notBefore
	}
	// Postgres keeps microseconds; round here so the returned value matches what is read back.
	msg.Timestamp = msg.Timestamp.Truncate(time.Microsecond)
	msg.ID = util.NewID("msg")
	if err := s.messages.InsertMessage(ctx, msg); err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}
