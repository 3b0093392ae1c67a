package history

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (s *MemoryStore) Count(_ context.Context, profileID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[profileID]), nil
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries[e.ProfileID] {
		if existing.Version == e.Version {
			return ErrConflict
		}
	}
	s.entries[e.ProfileID] = append(s.entries[e.ProfileID], *e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, profileID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries[profileID]))
	copy(out, s.entries[profileID])
	return out, nil
}
