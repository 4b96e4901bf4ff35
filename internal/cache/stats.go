package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/recordstore"
)

// TierStats describes one tier.
type TierStats struct {
	Tier    string `json:"tier"`
	Backend string `json:"backend,omitempty"`
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// Stats is a diagnostic summary of the cache.
type Stats struct {
	Namespace      string      `json:"namespace"`
	MemoryCapacity int         `json:"memory_capacity"`
	Tiers          []TierStats `json:"tiers"`
	PendingWrites  int         `json:"pending_writes"`
	Subscriptions  int         `json:"subscriptions"`
}

// Stats counts the entries each tier holds for this namespace.
func (c *TieredCache) Stats(ctx context.Context) Stats {
	st := Stats{
		Namespace:      c.cfg.Namespace,
		MemoryCapacity: c.cfg.MemoryCapacity,
		PendingWrites:  c.throttle.Pending(),
	}

	c.mu.Lock()
	for _, fns := range c.subs {
		st.Subscriptions += len(fns)
	}
	c.mu.Unlock()

	st.Tiers = append(st.Tiers, TierStats{Tier: TierMemory, Backend: "lru", Entries: c.memory.len()})
	for _, t := range c.stringTiers() {
		ts := TierStats{Tier: t.name, Backend: t.store.Name()}
		keys, err := t.store.Keys(ctx, c.cfg.Namespace)
		if err != nil {
			ts.Error = err.Error()
		}
		ts.Entries = len(keys)
		st.Tiers = append(st.Tiers, ts)
	}
	if c.large != nil {
		ts := TierStats{Tier: TierLarge, Backend: "records"}
		recs, err := c.large.List(ctx, c.cfg.Namespace)
		if err != nil {
			ts.Error = err.Error()
		}
		ts.Entries = len(recs)
		st.Tiers = append(st.Tiers, ts)
	}
	return st
}

// Export maps tier name to logical key to entry. Corrupt entries are
// skipped; expired ones are included as stored.
type Export map[string]map[string]Entry

// Export dumps the contents of every tier for this namespace.
func (c *TieredCache) Export(ctx context.Context) (Export, error) {
	out := Export{TierMemory: c.memory.snapshot()}
	ns := c.cfg.Namespace
	var errs []error

	for _, t := range c.stringTiers() {
		entries := make(map[string]Entry)
		keys, err := t.store.Keys(ctx, ns)
		if err != nil {
			errs = append(errs, err)
		}
		for _, pk := range keys {
			data, ok, err := t.store.Get(ctx, pk)
			if err != nil || !ok {
				continue
			}
			if e, err := decodeEntry([]byte(data)); err == nil {
				entries[strings.TrimPrefix(pk, ns)] = e
			}
		}
		out[t.name] = entries
	}

	if c.large != nil {
		entries := make(map[string]Entry)
		recs, err := c.large.List(ctx, ns)
		if err != nil && !errors.Is(err, recordstore.ErrNotFound) {
			errs = append(errs, err)
		}
		for _, rec := range recs {
			if e, err := decodeEntry(rec.Value); err == nil {
				entries[strings.TrimPrefix(rec.Key, ns)] = e
			}
		}
		out[TierLarge] = entries
	}
	return out, errors.Join(errs...)
}

type namedTier struct {
	name  string
	store StringStore
}

func (c *TieredCache) stringTiers() []namedTier {
	var tiers []namedTier
	if c.session != nil {
		tiers = append(tiers, namedTier{TierSession, c.session})
	}
	if c.local != nil {
		tiers = append(tiers, namedTier{TierLocal, c.local})
	}
	return tiers
}
