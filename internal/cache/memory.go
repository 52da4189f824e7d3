package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store, used standalone or as the
// fallback when Redis is unavailable.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates a MemoryStore and starts its janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{entries: make(map[string]*Entry)}
	go s.janitor()
	return s
}

// Get returns the entry for key, or ErrNotFound. Expired entries are
// reported as misses and dropped.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if e.Expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return e, nil
}

// Put stores the entry.
func (s *MemoryStore) Put(_ context.Context, e *Entry) error {
	s.mu.Lock()
	s.entries[e.Key] = e
	s.mu.Unlock()
	return nil
}

// DeleteAgent removes every entry belonging to agentName.
func (s *MemoryStore) DeleteAgent(_ context.Context, agentName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.AgentName == agentName {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Flush removes all entries.
func (s *MemoryStore) Flush(_ context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()
	return nil
}

// janitor evicts expired entries periodically.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for k, e := range s.entries {
			if e.Expired(now) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}
