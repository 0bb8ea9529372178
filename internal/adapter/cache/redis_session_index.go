package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tuneway/tuneway-connect/internal/domain/connect"
	"github.com/tuneway/tuneway-connect/internal/repository"
)

const stateKeyPrefix = "connect:state:"

// RedisSessionIndex implements repository.SessionIndex backed by Redis.
// The durable store remains authoritative; a SET on an existing state key
// overwrites it, which gives the last-writer-wins semantics for state reuse.
type RedisSessionIndex struct {
	client redis.UniversalClient
}

var _ repository.SessionIndex = (*RedisSessionIndex)(nil)

// NewRedisSessionIndex constructs a Redis-backed session index.
func NewRedisSessionIndex(client redis.UniversalClient) *RedisSessionIndex {
	return &RedisSessionIndex{client: client}
}

// Put stores state -> session id with the session's TTL.
func (s *RedisSessionIndex) Put(ctx context.Context, state, sessionID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, stateKeyPrefix+state, sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("index state: %w", err)
	}
	return nil
}

// Lookup resolves a state to its session id. A missing key maps to
// connect.ErrSessionNotFound so callers fall through to the store.
func (s *RedisSessionIndex) Lookup(ctx context.Context, state string) (string, error) {
	sessionID, err := s.client.Get(ctx, stateKeyPrefix+state).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", connect.ErrSessionNotFound
		}
		return "", fmt.Errorf("lookup state: %w", err)
	}
	return sessionID, nil
}

// Delete removes the state key once a session leaves pending.
func (s *RedisSessionIndex) Delete(ctx context.Context, state string) error {
	if err := s.client.Del(ctx, stateKeyPrefix+state).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
