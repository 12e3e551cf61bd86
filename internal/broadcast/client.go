package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cowrite/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Authorizer reports whether userID may watch projectID.
type Authorizer func(ctx context.Context, projectID, userID string) error

type inbound struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	Content   string          `json:"content,omitempty"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// Client is one websocket connection. Only its own read loop changes its
// room memberships.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	connID    string
	userID    string
	authorize Authorizer
	send      chan Event

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, authorize Authorizer) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		connID:    util.NewID("conn"),
		userID:    userID,
		authorize: authorize,
		send:      make(chan Event, sendBuffer),
		rooms:     make(map[string]struct{}),
	}
}

func (c *Client) ConnID() string { return c.connID }
func (c *Client) UserID() string { return c.userID }

func (c *Client) Send(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Run serves the connection until the peer goes away or ctx ends.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()
	c.readPump(ctx)
	cancel()
	<-done
	c.shutdown(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.DebugContext(ctx, "websocket read failed", "conn_id", c.connID, "error", err)
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, msg inbound) {
	if msg.ProjectID == "" {
		c.fail(msg.ProjectID, "projectId is required")
		return
	}
	switch msg.Type {
	case "join-workspace":
		if c.authorize != nil {
			if err := c.authorize(ctx, msg.ProjectID, c.userID); err != nil {
				c.fail(msg.ProjectID, "Not authorized to access this project")
				return
			}
		}
		c.mu.Lock()
		c.rooms[msg.ProjectID] = struct{}{}
		c.mu.Unlock()
		c.hub.Join(msg.ProjectID, c)
		c.publish(ctx, UserJoined, msg.ProjectID, nil)
	case "leave-workspace":
		if c.leave(msg.ProjectID) {
			c.publish(ctx, UserLeft, msg.ProjectID, nil)
		}
	case "content-update":
		c.relayIfJoined(ctx, ContentUpdated, msg.ProjectID, map[string]any{"content": msg.Content})
	case "cursor-position":
		c.relayIfJoined(ctx, CursorMoved, msg.ProjectID, map[string]any{"position": msg.Position})
	case "selection-update":
		c.relayIfJoined(ctx, SelectionUpdated, msg.ProjectID, map[string]any{"selection": msg.Selection})
	default:
		c.fail(msg.ProjectID, "unknown message type "+msg.Type)
	}
}

func (c *Client) relayIfJoined(ctx context.Context, t EventType, projectID string, payload any) {
	if !c.joined(projectID) {
		c.fail(projectID, "join the workspace first")
		return
	}
	c.publish(ctx, t, projectID, payload)
}

func (c *Client) publish(ctx context.Context, t EventType, projectID string, payload any) {
	c.hub.Publish(ctx, Event{
		Type:      t,
		ProjectID: projectID,
		UserID:    c.userID,
		ConnID:    c.connID,
		Payload:   payload,
	})
}

func (c *Client) fail(projectID, message string) {
	c.Send(Event{
		Type:      ErrorEvent,
		ProjectID: projectID,
		Payload:   map[string]string{"message": message},
		Timestamp: time.Now().UTC(),
	})
}

func (c *Client) joined(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[projectID]
	return ok
}

func (c *Client) leave(projectID string) bool {
	c.mu.Lock()
	_, ok := c.rooms[projectID]
	delete(c.rooms, projectID)
	c.mu.Unlock()
	if ok {
		c.hub.Leave(projectID, c)
	}
	return ok
}

func (c *Client) shutdown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, projectID := range c.hub.LeaveAll(c) {
		c.publish(ctx, UserLeft, projectID, nil)
	}
	c.mu.Lock()
	c.closed = true
	c.rooms = map[string]struct{}{}
	c.mu.Unlock()
}

// Upgrader accepts websocket handshakes from the configured origin.
func Upgrader(allowedOrigin string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedOrigin == "*" || origin == allowedOrigin
		},
	}
}
