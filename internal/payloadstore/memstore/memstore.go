// Package memstore is an in-memory payload-store adapter for tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asynchttp/dam/internal/payloadstore"
)

type entry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// Store is a mutex-guarded map. Entries with a TTL are lazily
// evicted on access; there is no background sweeper, which is fine
// for a test-only adapter with a short-lived process.
type Store struct {
	name string
	mu   sync.RWMutex
	data map[string]entry
}

// New constructs a memstore.Store named name.
func New(name string) *Store {
	return &Store{name: name, data: make(map[string]entry)}
}

func (s *Store) Name() string { return s.name }

func (s *Store) GenerateKey() string { return uuid.NewString() }

func (s *Store) Put(_ context.Context, key string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{data: append([]byte(nil), data...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return nil, payloadstore.ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.data, key)
		return nil, payloadstore.ErrNotFound
	}
	return append([]byte(nil), e.data...), nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if !e.expiresAt.IsZero() && !time.Now().Before(e.expiresAt) {
		return false, nil
	}
	return true, nil
}

// Len reports the number of live entries, used by tests to assert
// cleanup actually happened.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
