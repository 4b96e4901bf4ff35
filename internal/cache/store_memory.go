package cache

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is a StringStore held in process memory. It stands in for a
// durable tier in tests and in deployments that do not need one.
type MemoryStore struct {
	mu    sync.RWMutex
	name  string
	quota int64
	used  int64
	items map[string]string
}

// NewMemoryStore creates an empty store. A quota of zero means unlimited.
func NewMemoryStore(name string, quota int64) *MemoryStore {
	return &MemoryStore{
		name:  name,
		quota: quota,
		items: make(map[string]string),
	}
}

func (s *MemoryStore) Name() string { return s.name }

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used + entrySize(key, value)
	if prev, ok := s.items[key]; ok {
		used -= entrySize(key, prev)
	}
	if s.quota > 0 && used > s.quota {
		return ErrQuotaExceeded
	}
	s.items[key] = value
	s.used = used
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[key]; ok {
		s.used -= entrySize(key, prev)
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Used returns the bytes currently accounted against the quota.
func (s *MemoryStore) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *MemoryStore) Close() error { return nil }
