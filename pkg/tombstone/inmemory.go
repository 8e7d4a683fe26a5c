package tombstone

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe, in-process Store. It backs tests and
// single-process deployments that do not need tombstones to survive a
// restart.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[Key]Tombstone
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]map[Key]Tombstone)}
}

// Upsert records the tombstone. The first write for a tuple wins; repeat
// writes are no-ops, matching the durable stores' conflict behaviour.
func (s *InMemoryStore) Upsert(_ context.Context, t Tombstone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.data[t.OwnerID]
	if !ok {
		byKey = make(map[Key]Tombstone)
		s.data[t.OwnerID] = byKey
	}
	if _, exists := byKey[t.Key()]; !exists {
		byKey[t.Key()] = t
	}
	return nil
}

// ListActive returns the owner's tombstones still active at now.
func (s *InMemoryStore) ListActive(_ context.Context, ownerID string, now time.Time) ([]Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []Tombstone
	for _, t := range s.data[ownerID] {
		if t.ActiveAt(now) {
			active = append(active, t)
		}
	}
	return active, nil
}

// Close is a no-op for the in-memory store but satisfies the Store interface.
func (s *InMemoryStore) Close() error {
	return nil
}
