// ABOUTME: Redis implementation of the context/session store.
// ABOUTME: JSON values under prefixed context:/session: keys with per-key TTLs.

package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore stores contexts and sessions as JSON strings in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore. prefix namespaces all keys so multiple
// environments can share one Redis.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// GetContext returns the stored context map, or nil if the key is absent.
func (s *RedisStore) GetContext(ctx context.Context, contextID string) (map[string]any, error) {
	raw, err := s.client.Get(ctx, s.contextKey(contextID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading context %s: %w", contextID, err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decoding context %s: %w", contextID, err)
	}
	return data, nil
}

// UpdateContext merges fields into the existing context map and rewrites the
// key with a refreshed TTL.
func (s *RedisStore) UpdateContext(ctx context.Context, contextID string, fields map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}

	existing, err := s.GetContext(ctx, contextID)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		existing[k] = v
	}

	raw, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("encoding context %s: %w", contextID, err)
	}
	if err := s.client.Set(ctx, s.contextKey(contextID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("writing context %s: %w", contextID, err)
	}
	return nil
}

// SaveSession records session data for a user.
func (s *RedisStore) SaveSession(ctx context.Context, userID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", userID, err)
	}
	if err := s.client.Set(ctx, s.sessionKey(userID), raw, DefaultSessionTTL).Err(); err != nil {
		return fmt.Errorf("writing session %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) contextKey(id string) string { return s.prefix + "context:" + id }
func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }
