// Package cache is the offline store for tracker state: a key/value cache
// layered over four tiers of increasing durability.
//
//  1. memory:  bounded in-process LRU map
//  2. session: durable store scoped to one client session
//  3. local:   durable store shared across sessions, written at most once per
//     key per MinPersistInterval
//  4. large:   record store for payloads too big or too important for 2 and 3
//
// Reads fall through the tiers in order and back-fill the memory tier.
// A failing tier is logged and skipped; it never fails the whole operation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/debounce"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/recordstore"
)

// Tier names used in logs, stats and observer callbacks.
const (
	TierMemory  = "memory"
	TierSession = "session"
	TierLocal   = "local"
	TierLarge   = "large"
)

const (
	// DefaultNamespace prefixes every persisted key.
	DefaultNamespace = "wizard_"
	// DefaultMinPersistInterval is the local-tier write throttle per key.
	DefaultMinPersistInterval = time.Second

	// AuthTokenKey and AuthUserKey survive Clear(ctx, true).
	AuthTokenKey = "auth_token"
	AuthUserKey  = "auth_user"
)

var authKeys = []string{AuthTokenKey, AuthUserKey}

// Config holds cache configuration.
type Config struct {
	// Namespace is prepended to every key in the durable tiers.
	Namespace string
	// MemoryCapacity bounds the memory tier (default: 50).
	MemoryCapacity int
	// MinPersistInterval throttles local-tier writes per key (default: 1s).
	MinPersistInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.MemoryCapacity <= 0 {
		c.MemoryCapacity = DefaultMemoryCapacity
	}
	if c.MinPersistInterval <= 0 {
		c.MinPersistInterval = DefaultMinPersistInterval
	}
	return c
}

// Tiers are the durable backends. A nil tier is skipped.
// The cache takes ownership and closes them in Close.
type Tiers struct {
	Session StringStore
	Local   StringStore
	Large   recordstore.Store
}

// TieredCache is safe for concurrent use.
type TieredCache struct {
	cfg     Config
	now     func() time.Time
	obs     Observer
	memory  *memoryTier
	session StringStore
	local   StringStore
	large   recordstore.Store

	throttle *debounce.Keyed[string]

	mu          sync.Mutex
	lastPersist map[string]time.Time
	pending     map[string]string
	subs        map[string]map[uint64]func(json.RawMessage)
	nextSub     uint64
	closed      bool
}

// New creates a cache over tiers.
func New(cfg Config, tiers Tiers, opts ...Option) *TieredCache {
	cfg = cfg.withDefaults()
	c := &TieredCache{
		cfg:         cfg,
		now:         time.Now,
		obs:         nopObserver{},
		memory:      newMemoryTier(cfg.MemoryCapacity),
		session:     tiers.Session,
		local:       tiers.Local,
		large:       tiers.Large,
		throttle:    debounce.New[string](),
		lastPersist: make(map[string]time.Time),
		pending:     make(map[string]string),
		subs:        make(map[string]map[uint64]func(json.RawMessage)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace returns the prefix applied to persisted keys.
func (c *TieredCache) Namespace() string {
	return c.cfg.Namespace
}

func (c *TieredCache) persistedKey(key string) string {
	return c.cfg.Namespace + key
}

// Set stores value under key. It fails when value cannot be encoded or the
// cache is closed; tier failures are logged and the remaining tiers are still
// written.
func (c *TieredCache) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	o := defaultSetOptions()
	for _, opt := range opts {
		opt(&o)
	}

	entry := newEntry(raw, c.now(), o.ttl)
	if err := c.store(ctx, key, entry, o); err != nil {
		return err
	}
	c.notify(key, raw)
	return nil
}

func (c *TieredCache) store(ctx context.Context, key string, entry Entry, o setOptions) error {
	data, err := entry.encode()
	if err != nil {
		return err
	}

	if evicted, ok := c.memory.put(key, entry); ok {
		slog.Debug("cache memory tier evicted entry", "key", evicted)
	}
	c.obs.MemoryEntries(c.memory.len())

	pk := c.persistedKey(key)
	if c.session != nil {
		c.writeString(ctx, TierSession, c.session, pk, data)
	}
	if o.persist && c.local != nil {
		c.persistLocal(ctx, key, data, o.immediate)
	}
	if o.largeStore && c.large != nil {
		err := c.large.Put(ctx, &recordstore.Record{Key: pk, Value: []byte(data), UpdatedAt: c.now()})
		c.tierResult(TierLarge, "set", key, err)
	}
	return nil
}

func (c *TieredCache) writeString(ctx context.Context, tier string, s StringStore, pk, data string) {
	c.tierResult(tier, "set", pk, s.Set(ctx, pk, data))
}

// persistLocal writes to the local tier at most once per MinPersistInterval
// per key. A throttled write is parked and replayed when the interval ends;
// a newer throttled write for the same key replaces it.
func (c *TieredCache) persistLocal(ctx context.Context, key, data string, immediate bool) {
	now := c.now()

	c.mu.Lock()
	last, seen := c.lastPersist[key]
	elapsed := now.Sub(last)
	if immediate || !seen || elapsed >= c.cfg.MinPersistInterval {
		c.lastPersist[key] = now
		delete(c.pending, key)
		c.throttle.Cancel(key)
		c.mu.Unlock()
		c.writeString(ctx, TierLocal, c.local, c.persistedKey(key), data)
		return
	}
	c.pending[key] = data
	if c.throttle.Schedule(key, c.cfg.MinPersistInterval-elapsed, func() {
		c.flushPending(key)
	}) {
		c.mu.Unlock()
		return
	}
	// The throttle stops on Close; nothing would replay a parked write.
	delete(c.pending, key)
	c.lastPersist[key] = now
	c.mu.Unlock()
	c.writeString(ctx, TierLocal, c.local, c.persistedKey(key), data)
}

func (c *TieredCache) flushPending(key string) {
	c.mu.Lock()
	data, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		c.lastPersist[key] = c.now()
	}
	c.mu.Unlock()

	if ok {
		c.writeString(context.Background(), TierLocal, c.local, c.persistedKey(key), data)
	}
}

func (c *TieredCache) tierResult(tier, op, key string, err error) {
	c.obs.TierOperation(tier, op, err)
	if err == nil {
		return
	}
	if errors.Is(err, ErrQuotaExceeded) {
		slog.Warn("cache tier quota exceeded", "tier", tier, "op", op, "key", key)
		return
	}
	slog.Warn("cache tier operation failed", "tier", tier, "op", op, "key", key, "error", err)
}

// Lookup returns the raw JSON stored under key from the fastest tier holding
// a valid entry. Expired or corrupt entries are deleted from the tier they
// were found in.
func (c *TieredCache) Lookup(ctx context.Context, key string) (json.RawMessage, bool) {
	entry, tier, ok := c.lookupEntry(ctx, key)
	c.obs.LookupServed(tier)
	if !ok {
		return nil, false
	}
	return slices.Clone(entry.Value), true
}

func (c *TieredCache) lookupEntry(ctx context.Context, key string) (Entry, string, bool) {
	now := c.now()

	if e, ok := c.memory.get(key); ok {
		if e.Valid(now) {
			return e, TierMemory, true
		}
		c.memory.delete(key)
		c.obs.MemoryEntries(c.memory.len())
	}

	pk := c.persistedKey(key)
	for _, t := range c.stringTiers() {
		data, found, err := t.store.Get(ctx, pk)
		c.tierResult(t.name, "get", pk, err)
		if err != nil || !found {
			continue
		}
		if e, ok := c.accept(t.name, []byte(data), pk, now, func() error {
			return t.store.Remove(ctx, pk)
		}); ok {
			c.backfill(key, e)
			return e, t.name, true
		}
	}

	if c.large != nil {
		rec, err := c.large.Get(ctx, pk)
		if errors.Is(err, recordstore.ErrNotFound) {
			err = nil
		}
		c.tierResult(TierLarge, "get", pk, err)
		if err == nil && rec != nil {
			if e, ok := c.accept(TierLarge, rec.Value, pk, now, func() error {
				return c.large.Delete(ctx, pk)
			}); ok {
				c.backfill(key, e)
				return e, TierLarge, true
			}
		}
	}

	return Entry{}, "", false
}

// accept decodes data read from tier and purges it when corrupt or expired.
func (c *TieredCache) accept(tier string, data []byte, pk string, now time.Time, purge func() error) (Entry, bool) {
	e, err := decodeEntry(data)
	switch {
	case err != nil:
		slog.Warn("cache tier returned corrupt entry", "tier", tier, "key", pk, "error", err)
	case !e.Valid(now):
		slog.Debug("cache entry expired", "tier", tier, "key", pk)
	default:
		return e, true
	}
	c.tierResult(tier, "delete", pk, purge())
	return Entry{}, false
}

func (c *TieredCache) backfill(key string, e Entry) {
	c.memory.put(key, e)
	c.obs.MemoryEntries(c.memory.len())
}

// Get decodes the value stored under key into T, returning def when the key
// is absent or does not decode as T.
func Get[T any](ctx context.Context, c *TieredCache, key string, def T) T {
	raw, ok := c.Lookup(ctx, key)
	if !ok {
		return def
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("cache value does not match requested type", "key", key, "error", err)
		return def
	}
	return v
}

// Remove deletes key from every tier, drops any parked local-tier write and
// notifies subscribers with nil.
func (c *TieredCache) Remove(ctx context.Context, key string) {
	c.forget(key)
	c.memory.delete(key)
	c.obs.MemoryEntries(c.memory.len())

	pk := c.persistedKey(key)
	for _, t := range c.stringTiers() {
		c.tierResult(t.name, "delete", pk, t.store.Remove(ctx, pk))
	}
	if c.large != nil {
		c.tierResult(TierLarge, "delete", pk, c.large.Delete(ctx, pk))
	}
	c.notify(key, nil)
}

func (c *TieredCache) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttle.Cancel(key)
	delete(c.pending, key)
	delete(c.lastPersist, key)
}

// Clear deletes every key in this cache's namespace from every tier. With
// preserveAuth the auth token and user entries are written back afterwards
// with their previous values and expiry.
func (c *TieredCache) Clear(ctx context.Context, preserveAuth bool) {
	saved := make(map[string]Entry)
	if preserveAuth {
		for _, key := range authKeys {
			if e, _, ok := c.lookupEntry(ctx, key); ok {
				saved[key] = e
			}
		}
	}

	c.mu.Lock()
	c.throttle.CancelAll()
	clear(c.pending)
	clear(c.lastPersist)
	c.mu.Unlock()

	c.memory.clear()
	c.obs.MemoryEntries(0)

	ns := c.cfg.Namespace
	for _, t := range c.stringTiers() {
		keys, err := t.store.Keys(ctx, ns)
		c.tierResult(t.name, "keys", ns, err)
		for _, k := range keys {
			c.tierResult(t.name, "delete", k, t.store.Remove(ctx, k))
		}
	}
	if c.large != nil {
		_, err := c.large.DeletePrefix(ctx, ns)
		c.tierResult(TierLarge, "delete", ns, err)
	}

	for key, e := range saved {
		o := defaultSetOptions()
		o.immediate = true
		if err := c.store(ctx, key, e, o); err != nil {
			slog.Warn("failed to restore auth entry after clear", "key", key, "error", err)
		}
	}
	slog.Info("cache cleared", "namespace", ns, "preserved_auth", len(saved))
}

// Subscribe registers fn to be called with the new value whenever key is set,
// and with nil when it is removed. Callbacks run synchronously on the caller
// of Set or Remove. The returned function unregisters fn.
func (c *TieredCache) Subscribe(key string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	id := c.nextSub
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]func(json.RawMessage))
	}
	c.subs[key][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[key], id)
		if len(c.subs[key]) == 0 {
			delete(c.subs, key)
		}
	}
}

func (c *TieredCache) notify(key string, value json.RawMessage) {
	c.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.subs[key]))
	for _, fn := range c.subs[key] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeNotify(key, fn, value)
	}
}

func (c *TieredCache) safeNotify(key string, fn func(json.RawMessage), value json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cache subscriber panicked", "key", key, "panic", fmt.Sprint(r))
		}
	}()
	fn(value)
}

// Flush writes every parked local-tier write now.
func (c *TieredCache) Flush() int {
	return c.throttle.Flush()
}

// Close flushes parked writes and closes every tier. Safe to call multiple times.
func (c *TieredCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Flush()
	c.throttle.Stop()

	var errs []error
	for _, s := range []StringStore{c.session, c.local} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s tier close: %w", s.Name(), err))
		}
	}
	if c.large != nil {
		if err := c.large.Close(); err != nil {
			errs = append(errs, fmt.Errorf("large tier close: %w", err))
		}
	}
	return errors.Join(errs...)
}
