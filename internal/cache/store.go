package cache

import (
	"context"
	"errors"
)

// ErrQuotaExceeded is returned by a StringStore whose byte quota would be
// exceeded by a write.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrClosed is returned by writes to a closed cache.
var ErrClosed = errors.New("cache is closed")

// StringStore is a durable string key/value store backing the session and
// local tiers. Keys are full persisted keys, namespace included.
// Implementations must be safe for concurrent use.
type StringStore interface {
	// Name identifies the backend in logs and stats.
	Name() string
	// Get reports false when key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Remove is a no-op for absent keys.
	Remove(ctx context.Context, key string) error
	// Keys lists every stored key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func entrySize(key, value string) int64 {
	return int64(len(key) + len(value))
}
