// Package broadcast fans project events out to the connections watching a
// project. Delivery is best effort: an event for a slow or offline peer is
// dropped, never queued or replayed.
package broadcast

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type EventType string

const (
	ContentUpdated     EventType = "content-updated"
	VersionCreated     EventType = "version-created"
	UserJoined         EventType = "user-joined"
	UserLeft           EventType = "user-left"
	CursorMoved        EventType = "cursor-moved"
	SelectionUpdated   EventType = "selection-updated"
	CollaboratorJoined EventType = "collaborator-joined"
	CollaboratorLeft   EventType = "collaborator-left"
	ErrorEvent         EventType = "error"
)

type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId,omitempty"`
	// ConnID identifies the originating connection, which is skipped on delivery.
	ConnID    string    `json:"connId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}

type ContentPayload struct {
	Content   string `json:"content"`
	WordCount int    `json:"wordCount"`
	Source    string `json:"source,omitempty"`
}

// Member is one connection subscribed to rooms.
type Member interface {
	ConnID() string
	UserID() string
	// Send enqueues without blocking and reports whether the event was accepted.
	Send(ev Event) bool
}

// Relay forwards locally published events to other instances.
type Relay interface {
	Forward(ctx context.Context, ev Event) error
}

type Presence struct {
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Member]struct{}
	relay Relay
	now   func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[Member]struct{}),
		now:   time.Now,
	}
}

// SetRelay installs cross-instance forwarding. Call before serving traffic.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

func (h *Hub) Join(projectID string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[projectID]
	if !ok {
		room = make(map[Member]struct{})
		h.rooms[projectID] = room
	}
	room[m] = struct{}{}
}

func (h *Hub) Leave(projectID string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(projectID, m)
}

// LeaveAll removes m from every room and returns the rooms it was in.
func (h *Hub) LeaveAll(m Member) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []string
	for id, room := range h.rooms {
		if _, ok := room[m]; ok {
			h.leaveLocked(id, m)
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left
}

func (h *Hub) leaveLocked(projectID string, m Member) {
	room, ok := h.rooms[projectID]
	if !ok {
		return
	}
	delete(room, m)
	if len(room) == 0 {
		delete(h.rooms, projectID)
	}
}

// Publish delivers ev to the local room and hands it to the relay.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	h.Deliver(ev)
	if h.relay == nil {
		return
	}
	if err := h.relay.Forward(ctx, ev); err != nil {
		slog.WarnContext(ctx, "broadcast relay failed", "project_id", ev.ProjectID, "type", ev.Type, "error", err)
	}
}

// Deliver sends ev to local room members only. It returns how many accepted it.
func (h *Hub) Deliver(ev Event) int {
	h.mu.RLock()
	targets := make([]Member, 0, len(h.rooms[ev.ProjectID]))
	for m := range h.rooms[ev.ProjectID] {
		if ev.ConnID != "" && m.ConnID() == ev.ConnID {
			continue
		}
		targets = append(targets, m)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if m.Send(ev) {
			delivered++
			continue
		}
		slog.Debug("broadcast dropped for slow member", "conn_id", m.ConnID(), "project_id", ev.ProjectID)
	}
	return delivered
}

// Members lists who is connected to a project on this instance.
func (h *Hub) Members(projectID string) []Presence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Presence, 0, len(h.rooms[projectID]))
	for m := range h.rooms[projectID] {
		out = append(out, Presence{UserID: m.UserID(), ConnID: m.ConnID()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}
