package recordstore

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps records in process memory.
// Records survive across cache instances but not process restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Record
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Record),
	}
}

func copyRecord(r *Record) *Record {
	return &Record{
		Key:       r.Key,
		Value:     slices.Clone(r.Value),
		UpdatedAt: r.UpdatedAt,
	}
}

// Put stores a copy of rec.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	c := copyRecord(rec)
	c.UpdatedAt = updatedAt(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[c.Key] = c
	return nil
}

// Get returns a copy of the record stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// List returns copies of the records under prefix, ordered by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.items))
	for k, r := range s.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, copyRecord(r))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Record) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// DeletePrefix removes every record under prefix.
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

// Close releases resources (no-op for memory store).
func (s *MemoryStore) Close() error {
	return nil
}
