package cache

import (
	"time"
)

type setOptions struct {
	persist    bool
	largeStore bool
	ttl        time.Duration
	immediate  bool
}

func defaultSetOptions() setOptions {
	return setOptions{persist: true}
}

// SetOption adjusts a single Set call.
type SetOption func(*setOptions)

// WithoutPersist skips the local tier. The value still reaches the memory and
// session tiers.
func WithoutPersist() SetOption {
	return func(o *setOptions) { o.persist = false }
}

// WithPersist sets whether the local tier is written.
func WithPersist(persist bool) SetOption {
	return func(o *setOptions) { o.persist = persist }
}

// WithLargeStore also writes the value to the large-capacity tier.
func WithLargeStore() SetOption {
	return func(o *setOptions) { o.largeStore = true }
}

// WithTTL makes the entry expire d after it is written. d <= 0 means never.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// Immediately bypasses the per-key throttle on the local tier.
func Immediately() SetOption {
	return func(o *setOptions) { o.immediate = true }
}

// Option configures a TieredCache.
type Option func(*TieredCache)

// WithClock replaces time.Now for entry timestamps, expiry and throttling.
func WithClock(now func() time.Time) Option {
	return func(c *TieredCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver reports tier activity to o.
func WithObserver(o Observer) Option {
	return func(c *TieredCache) {
		if o != nil {
			c.obs = o
		}
	}
}

// Observer receives tier activity, typically to feed metrics.
// Methods are called synchronously and must not block.
type Observer interface {
	// TierOperation is called after every read, write or delete against a tier.
	TierOperation(tier, op string, err error)
	// LookupServed is called once per lookup with the tier that answered,
	// or "" on a miss.
	LookupServed(tier string)
	// MemoryEntries reports the resident count of the memory tier after a change.
	MemoryEntries(n int)
}

type nopObserver struct{}

func (nopObserver) TierOperation(string, string, error) {}
func (nopObserver) LookupServed(string)                 {}
func (nopObserver) MemoryEntries(int)                   {}
