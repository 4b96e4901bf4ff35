package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	fileSuffix   = ".entry"
	hashedSuffix = ".hentry"
	tmpSuffix    = ".tmp"
	// maxNameLen leaves room for the temp suffix within the usual 255 byte limit.
	maxNameLen = 255 - len(tmpSuffix)
)

// FileStore implements StringStore with one file per key in a directory.
// It survives process restarts and suits single-instance deployments.
type FileStore struct {
	mu    sync.RWMutex
	name  string
	dir   string
	quota int64
	used  int64
}

// NewFileStore opens (creating if needed) dir. A quota of zero means unlimited.
func NewFileStore(name, dir string, quota int64) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &FileStore{name: name, dir: dir, quota: quota}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := s.entryKey(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.used += fileUsage(e.Name(), key, info.Size())
	}
	return s, nil
}

// File names are the URL-safe base64 of the key, so any key maps to a
// single portable path component. Keys too long for that are stored under
// their xxhash with the key written ahead of the value.
func fileName(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key)) + fileSuffix
	if len(name) <= maxNameLen {
		return name
	}
	return strconv.FormatUint(xxhash.Sum64String(key), 16) + hashedSuffix
}

func isHashed(name string) bool {
	return strings.HasSuffix(name, hashedSuffix)
}

// encodeHashed prefixes value with the length and bytes of key.
func encodeHashed(key, value string) string {
	return strconv.Itoa(len(key)) + ":" + key + value
}

func decodeHashed(data []byte) (key, value string, ok bool) {
	sep := bytes.IndexByte(data, ':')
	if sep <= 0 {
		return "", "", false
	}
	n, err := strconv.Atoi(string(data[:sep]))
	if err != nil || n < 0 || sep+1+n > len(data) {
		return "", "", false
	}
	rest := data[sep+1:]
	return string(rest[:n]), string(rest[n:]), true
}

// fileUsage is the quota charge of a file. Hashed files already hold their key.
func fileUsage(name, key string, size int64) int64 {
	if isHashed(name) {
		return size
	}
	return int64(len(key)) + size
}

// entryKey returns the key stored under the directory entry name.
func (s *FileStore) entryKey(name string) (string, bool) {
	switch {
	case isHashed(name):
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return "", false
		}
		key, _, ok := decodeHashed(data)
		return key, ok
	case strings.HasSuffix(name, fileSuffix):
		return decodeFileName(name)
	}
	return "", false
}

func decodeFileName(name string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (s *FileStore) Name() string { return s.name }

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name := fileName(key)
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read cache file: %w", err)
	}
	if !isHashed(name) {
		return string(data), true, nil
	}
	stored, value, ok := decodeHashed(data)
	if !ok || stored != key {
		return "", false, nil
	}
	return value, true, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := fileName(key)
	path := filepath.Join(s.dir, name)
	content := value
	if isHashed(name) {
		if stored, ok := s.entryKey(name); ok && stored != key {
			return fmt.Errorf("cache file %s already holds another key", name)
		}
		content = encodeHashed(key, value)
	}

	used := s.used + fileUsage(name, key, int64(len(content)))
	if info, err := os.Stat(path); err == nil {
		used -= fileUsage(name, key, info.Size())
	}
	if s.quota > 0 && used > s.quota {
		return ErrQuotaExceeded
	}

	// Write atomically using temp file + rename
	tmpFile := path + tmpSuffix
	if err := os.WriteFile(tmpFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	s.used = used
	return nil
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := fileName(key)
	if isHashed(name) {
		if stored, ok := s.entryKey(name); ok && stored != key {
			return nil
		}
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat cache file: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	s.used -= fileUsage(name, key, info.Size())
	return nil
}

func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := s.entryKey(e.Name())
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close is a no-op for file stores.
func (s *FileStore) Close() error {
	return nil
}
