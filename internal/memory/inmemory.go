package memory

import (
	"context"
	"sync"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]byte)}
}

func (s *InMemoryStore) Load(_ context.Context, userID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), snapshot...), nil
}

func (s *InMemoryStore) Save(_ context.Context, userID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = append([]byte(nil), snapshot...)
	return nil
}

func (s *InMemoryStore) Mode() string { return "memory" }

func (s *InMemoryStore) Close() error { return nil }
