package storage

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultFlowStateCleanup is how often expired flow values are purged.
const DefaultFlowStateCleanup = time.Minute

// InMemoryFlowStateStore provides an in-memory implementation of FlowStateStore
// backed by go-cache. Suitable for single-process deployments and tests.
type InMemoryFlowStateStore struct {
	mu sync.Mutex // serializes writers with Consume
	c  *gocache.Cache
}

// NewInMemoryFlowStateStore creates a new in-memory flow state store.
func NewInMemoryFlowStateStore() *InMemoryFlowStateStore {
	return &InMemoryFlowStateStore{
		c: gocache.New(gocache.NoExpiration, DefaultFlowStateCleanup),
	}
}

func flowKey(sessionID, key string) string {
	return sessionID + ":" + key
}

func (s *InMemoryFlowStateStore) Get(ctx context.Context, sessionID, key string) (string, error) {
	v, ok := s.c.Get(flowKey(sessionID, key))
	if !ok {
		return "", ErrNotFound
	}
	value, ok := v.(string)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *InMemoryFlowStateStore) Set(ctx context.Context, sessionID, key, value string, ttl time.Duration) error {
	expiration := gocache.NoExpiration
	if ttl > 0 {
		expiration = ttl
	}
	s.mu.Lock()
	s.c.Set(flowKey(sessionID, key), value, expiration)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryFlowStateStore) Delete(ctx context.Context, sessionID string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.c.Delete(flowKey(sessionID, key))
	}
	return nil
}

func (s *InMemoryFlowStateStore) Consume(ctx context.Context, sessionID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := s.Get(ctx, sessionID, key)
	if err != nil {
		return "", err
	}
	s.c.Delete(flowKey(sessionID, key))
	return value, nil
}

// Len returns the number of values held by the store, including expired
// values that have not been purged yet.
func (s *InMemoryFlowStateStore) Len() int {
	return s.c.ItemCount()
}
