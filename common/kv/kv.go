// Package kv provides the key/value store contract behind the node-result
// cache, with an in-memory implementation. A Redis-backed implementation
// lives in common/redis.
package kv

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/promptflow/common/logger"
)

// Store is a key/value store with per-entry TTL. A zero TTL means the
// entry never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	data map[string]*entry
	mu   sync.RWMutex
	log  *logger.Logger
	stop chan struct{}
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates a new in-memory store with a background
// expiration sweep.
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	s := &MemoryStore{
		data: make(map[string]*entry),
		log:  log,
		stop: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Get retrieves a value.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[key]
	if !exists {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores a value with TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Delete removes a value.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Close stops the expiration sweep and drops all entries.
func (s *MemoryStore) Close() error {
	close(s.stop)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for key, e := range s.data {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
