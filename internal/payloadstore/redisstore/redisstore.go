// Package redisstore is a shared-KV payload-store adapter (key
// prefix plus optional TTL), backed by github.com/redis/go-redis/v9
// — the same Redis client the inflight
// registry (internal/registry) uses for its sorted-set/hash layout,
// so a deployment that already runs Redis for the registry can reuse
// it here instead of standing up a second KV.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/asynchttp/dam/internal/payloadstore"
)

// Store namespaces every key under prefix so multiple payload stores
// can share one Redis instance.
type Store struct {
	name   string
	client *redis.Client
	prefix string
}

// New wraps client, namespacing keys under prefix (e.g.
// "asynchttp:payload:").
func New(name string, client *redis.Client, prefix string) *Store {
	return &Store{name: name, client: client, prefix: prefix}
}

func (s *Store) Name() string { return s.name }

func (s *Store) GenerateKey() string { return uuid.NewString() }

func (s *Store) fullKey(key string) string { return s.prefix + key }

func (s *Store) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.fullKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: failed to set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, payloadstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: failed to get %q: %w", key, err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: failed to delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.fullKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: failed to check existence of %q: %w", key, err)
	}
	return n > 0, nil
}
