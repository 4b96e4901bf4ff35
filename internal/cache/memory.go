package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMemoryCapacity bounds the in-process tier.
const DefaultMemoryCapacity = 50

// memoryTier is a bounded LRU map. Reads and writes both refresh recency;
// the least recently used entry is evicted once capacity is exceeded.
type memoryTier struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, Entry]
	// evicted collects the keys the eviction callback saw during one call.
	evicted []string
}

func newMemoryTier(capacity int) *memoryTier {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	m := &memoryTier{}
	// NewLRU only fails for a non-positive size.
	m.entries, _ = simplelru.NewLRU[string, Entry](capacity, m.onEvict)
	return m
}

func (m *memoryTier) onEvict(key string, _ Entry) {
	m.evicted = append(m.evicted, key)
}

func (m *memoryTier) get(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Get(key)
}

// put stores entry and returns the key evicted to make room, if any.
func (m *memoryTier) put(key string, entry Entry) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evicted = m.evicted[:0]
	if !m.entries.Add(key, entry) || len(m.evicted) == 0 {
		return "", false
	}
	return m.evicted[0], true
}

func (m *memoryTier) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(key)
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Purge()
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// snapshot copies the resident entries.
func (m *memoryTier) snapshot() map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Entry, m.entries.Len())
	for _, key := range m.entries.Keys() {
		if e, ok := m.entries.Peek(key); ok {
			out[key] = e
		}
	}
	return out
}
