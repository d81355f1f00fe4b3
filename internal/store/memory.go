package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local backend for tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	ns      string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(namespace string) *MemoryStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &MemoryStore{
		records: make(map[string]Record),
		ns:      namespace,
	}
}

// Get implements RecordStore.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[namespaced(s.ns, key)]
	return r.Value, ok
}

// Set implements RecordStore.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[namespaced(s.ns, key)] = Record{Key: key, Value: value, StoredAt: time.Now()}
	return nil
}

// Delete implements RecordStore.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, namespaced(s.ns, key))
	return nil
}

// ListByPrefix implements RecordStore.
func (s *MemoryStore) ListByPrefix(_ context.Context, prefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	full := namespaced(s.ns, prefix)
	var out []Record
	for k, r := range s.records {
		if strings.HasPrefix(k, full) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements RecordStore.
func (s *MemoryStore) Close() error {
	return nil
}
