// Package session provides server-side session record backends.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"diagramsync/api/internal/store"
	"github.com/redis/go-redis/v9"
)

// Store persists the records that back issued session tokens. A token is only
// honoured while its record can be looked up.
type Store interface {
	SaveSession(ctx context.Context, session store.Session) error
	LookupSession(ctx context.Context, id string) (store.Session, error)
	RevokeSession(ctx context.Context, id string) error
}

var _ Store = (*RedisStore)(nil)

// RedisStore keeps session records in Redis with a TTL matching the token expiry
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	client, err := Dial(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client), nil
}

// Dial parses a redis:// URL and verifies the server is reachable.
func Dial(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
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
	return client, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "session:",
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// SaveSession stores the record until its expiry
func (s *RedisStore) SaveSession(ctx context.Context, session store.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save session: already expired at %s", session.ExpiresAt.Format(time.RFC3339))
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.key(session.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession returns store.ErrNotFound once the record is revoked or expired
func (s *RedisStore) LookupSession(ctx context.Context, id string) (store.Session, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Session{}, fmt.Errorf("lookup session: %w", store.ErrNotFound)
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("lookup session: %w", err)
	}

	var session store.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return store.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

// RevokeSession deletes the record; revoking an unknown id is not an error
func (s *RedisStore) RevokeSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
