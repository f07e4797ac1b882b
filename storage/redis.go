package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces flow state keys in a shared Redis database.
const DefaultRedisPrefix = "mastodon:flow"

// RedisFlowStateStore implements FlowStateStore on Redis so that login flows
// survive restarts and work across several application instances.
//
// Each value is a plain string key "<prefix>:<sessionID>:<key>" with its own
// expiry.
type RedisFlowStateStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisConfig configures NewRedisFlowStateStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Optional: defaults to DefaultRedisPrefix
}

// NewRedisFlowStateStore connects to Redis and verifies the connection.
func NewRedisFlowStateStore(ctx context.Context, cfg RedisConfig) (*RedisFlowStateStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisFlowStateStoreFromClient(rdb, cfg.Prefix), nil
}

// NewRedisFlowStateStoreFromClient wraps an existing Redis client.
func NewRedisFlowStateStoreFromClient(client redis.UniversalClient, prefix string) *RedisFlowStateStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisFlowStateStore{client: client, prefix: prefix}
}

func (s *RedisFlowStateStore) key(sessionID, key string) string {
	return s.prefix + ":" + sessionID + ":" + key
}

func (s *RedisFlowStateStore) Get(ctx context.Context, sessionID, key string) (string, error) {
	val, err := s.client.Get(ctx, s.key(sessionID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get flow state: %w", err)
	}
	return val, nil
}

func (s *RedisFlowStateStore) Set(ctx context.Context, sessionID, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(sessionID, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set flow state: %w", err)
	}
	return nil
}

func (s *RedisFlowStateStore) Delete(ctx context.Context, sessionID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, s.key(sessionID, k))
	}

	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	return nil
}

// Consume reads and deletes the value with GETDEL (Redis 6.2 or later).
func (s *RedisFlowStateStore) Consume(ctx context.Context, sessionID, key string) (string, error) {
	val, err := s.client.GetDel(ctx, s.key(sessionID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume flow state: %w", err)
	}
	return val, nil
}

// Close closes the underlying Redis client.
func (s *RedisFlowStateStore) Close() error {
	return s.client.Close()
}
