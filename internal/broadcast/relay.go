package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"cowrite/api/internal/util"
)

// RedisRelay shares events between API instances over Redis pub/sub. Each
// instance tags what it publishes so it can ignore its own echo.
type RedisRelay struct {
	client   *redis.Client
	prefix   string
	instance string
	hub      *Hub
}

func NewRedisRelay(client *redis.Client, prefix string, hub *Hub) *RedisRelay {
	if prefix == "" {
		prefix = "cowrite"
	}
	return &RedisRelay{
		client:   client,
		prefix:   prefix,
		instance: util.NewID("inst"),
		hub:      hub,
	}
}

func (r *RedisRelay) channel(projectID string) string {
	return r.prefix + ":room:" + projectID
}

func (r *RedisRelay) Forward(ctx context.Context, ev Event) error {
	ev.Origin = r.instance
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(ev.ProjectID), raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Start subscribes to every room channel and delivers foreign events to the
// local hub until ctx ends. It returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+":room:*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe rooms: %w", err)
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.receive(ctx, msg)
			}
		}
	}()
	return nil
}

type wireEvent struct {
	Event
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (r *RedisRelay) receive(ctx context.Context, msg *redis.Message) {
	var w wireEvent
	if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
		slog.WarnContext(ctx, "discarding malformed relay message", "channel", msg.Channel, "error", err)
		return
	}
	if w.Origin == r.instance {
		return
	}
	ev := w.Event
	if len(w.Payload) > 0 {
		ev.Payload = w.Payload
	}
	if ev.ProjectID == "" {
		ev.ProjectID = strings.TrimPrefix(msg.Channel, r.prefix+":room:")
	}
	// the originating connection lives on another instance
	ev.ConnID = ""
	r.hub.Deliver(ev)
}
