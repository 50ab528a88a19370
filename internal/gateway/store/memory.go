package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation. It is concurrency-safe
// and intended for tests and ephemeral (no-persistence) deployments.
type MemoryStore struct {
	namespace string

	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

func NewMemoryStore(namespace string) *MemoryStore {
	return &MemoryStore{
		namespace: namespace,
		values:    make(map[string][]byte),
	}
}

func (s *MemoryStore) key(k Key) string { return s.namespace + "\x00" + string(k) }

func (s *MemoryStore) Get(_ context.Context, key Key) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrNotReady
	}
	v, ok := s.values[s.key(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotReady
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.values[s.key(key)] = v
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotReady
	}
	delete(s.values, s.key(key))
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotReady
	}
	prefix := s.namespace + "\x00"
	for k := range s.values {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.values, k)
		}
	}
	return nil
}

func (s *MemoryStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
