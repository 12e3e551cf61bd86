// Package session keeps refresh-token sessions in Redis. Tokens are stored
// by hash only; the raw token never reaches the server-side store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cowrite/api/internal/store"
)

// ErrSessionNotFound is returned for unknown, expired, or revoked tokens.
var ErrSessionNotFound = errors.New("refresh session not found or expired")

const (
	defaultPrefix = "cowrite:refresh:"
	fallbackTTL   = 30 * 24 * time.Hour
)

type record struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	IssuedAt time.Time `json:"issued_at"`
}

func (r record) user() store.User {
	return store.User{ID: r.UserID, Name: r.Name}
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore dials url and fails when the server does not answer a PING.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient shares an existing client, e.g. with the broadcast
// relay.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: defaultPrefix}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func ttlUntil(expiresAt time.Time) time.Duration {
	if ttl := time.Until(expiresAt); ttl > 0 {
		return ttl
	}
	return fallbackTTL
}

func decode(raw string) (record, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return record{}, fmt.Errorf("decode refresh session: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	raw, err := json.Marshal(record{UserID: user.ID, Name: user.Name, IssuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode refresh session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenHash), raw, ttlUntil(expiresAt)).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return store.User{}, ErrSessionNotFound
	case err != nil:
		return store.User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	rec, err := decode(raw)
	if err != nil {
		return store.User{}, err
	}
	return rec.user(), nil
}

// RotateRefreshSession consumes oldHash with GETDEL so a token can be redeemed
// once, then stores newHash for the same user.
func (s *RedisStore) RotateRefreshSession(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (store.User, error) {
	raw, err := s.client.GetDel(ctx, s.key(oldHash)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return store.User{}, ErrSessionNotFound
	case err != nil:
		return store.User{}, fmt.Errorf("consume refresh session: %w", err)
	}
	rec, err := decode(raw)
	if err != nil {
		return store.User{}, err
	}
	if err := s.SaveRefreshSession(ctx, newHash, rec.user(), expiresAt); err != nil {
		return store.User{}, err
	}
	return rec.user(), nil
}

// RevokeRefreshSession is idempotent.
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
