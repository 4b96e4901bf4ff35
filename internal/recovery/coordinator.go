// Package recovery decides when the state of independent subsystems is
// saved to and restored from the cache.
//
// Subsystems register a named provider: a function producing their current
// state and one applying a restored state. The coordinator saves each state
// under StateKey(name) with a companion TimestampKey(name), debouncing bursts
// of saves per name, and runs save or recovery sweeps over all providers in
// response to lifecycle events.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/cache"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/debounce"
)

const (
	// DefaultDebounceDelay collapses bursts of saves for one provider.
	DefaultDebounceDelay = 3 * time.Second
	// DefaultAutoSaveInterval is the period of the background save sweep.
	DefaultAutoSaveInterval = 30 * time.Second
)

// Cache is the subset of the tiered cache the coordinator writes through.
type Cache interface {
	Set(ctx context.Context, key string, value any, opts ...cache.SetOption) error
	Lookup(ctx context.Context, key string) (json.RawMessage, bool)
}

// GetStateFunc returns the current state of a subsystem. The result must
// be JSON-serializable.
type GetStateFunc func() (any, error)

// SetStateFunc applies a previously saved state.
type SetStateFunc func(state json.RawMessage) error

type provider struct {
	get GetStateFunc
	set SetStateFunc
}

// Config holds coordinator configuration.
type Config struct {
	// DebounceDelay is how long a non-immediate save waits for a newer one (default: 3s).
	DebounceDelay time.Duration
	// AutoSaveInterval is the Run loop period (default: 30s).
	AutoSaveInterval time.Duration
}

// SaveOptions adjust a single save.
type SaveOptions struct {
	// Immediate writes now instead of debouncing.
	Immediate bool
	// SkipPersist keeps the state out of the cross-session tier.
	SkipPersist bool
	// UseLargeStore also writes the state to the large-capacity tier.
	UseLargeStore bool
}

func (o SaveOptions) cacheOptions() []cache.SetOption {
	opts := []cache.SetOption{cache.WithPersist(!o.SkipPersist), cache.Immediately()}
	if o.UseLargeStore {
		opts = append(opts, cache.WithLargeStore())
	}
	return opts
}

// Observer receives sweep outcomes, typically to feed metrics.
type Observer interface {
	SweepCompleted(kind string, r Report)
}

// Sweep kinds passed to Observer.
const (
	SweepSave    = "save"
	SweepRecover = "recover"
	SweepRestore = "restore"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now for save timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver reports sweep outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.obs = o
	}
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cache Cache
	cfg   Config
	now   func() time.Time
	obs   Observer
	saves *debounce.Keyed[string]

	mu        sync.Mutex
	providers map[string]provider
	network   NetworkState
	closed    bool
}

// NewCoordinator creates a coordinator writing through c.
func NewCoordinator(c Cache, cfg Config, opts ...Option) *Coordinator {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = DefaultDebounceDelay
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = DefaultAutoSaveInterval
	}
	co := &Coordinator{
		cache:     c,
		cfg:       cfg,
		now:       time.Now,
		saves:     debounce.New[string](),
		providers: make(map[string]provider),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// RegisterStateProvider adds or replaces the provider called name.
func (c *Coordinator) RegisterStateProvider(name string, get GetStateFunc, set SetStateFunc) error {
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if get == nil || set == nil {
		return fmt.Errorf("provider %q: get and set are required", name)
	}

	c.mu.Lock()
	_, replaced := c.providers[name]
	c.providers[name] = provider{get: get, set: set}
	c.mu.Unlock()

	slog.Debug("state provider registered", "provider", name, "replaced", replaced)
	return nil
}

// Register adapts typed accessors into a provider. Restored state is
// decoded into T before set is called.
func Register[T any](c *Coordinator, name string, get func() T, set func(T)) error {
	if get == nil || set == nil {
		return fmt.Errorf("provider %q: get and set are required", name)
	}
	return c.RegisterStateProvider(name,
		func() (any, error) { return get(), nil },
		func(raw json.RawMessage) error {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode %s state: %w", name, err)
			}
			set(v)
			return nil
		})
}

// UnregisterStateProvider removes the provider called name. Saved state and
// any pending debounced save are left alone.
func (c *Coordinator) UnregisterStateProvider(name string) {
	c.mu.Lock()
	delete(c.providers, name)
	c.mu.Unlock()
}

// Providers returns the registered provider names in order.
func (c *Coordinator) Providers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Coordinator) provider(name string) (provider, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[name]
	return p, ok
}

// SaveState stores state under StateKey(name). The state is encoded when
// SaveState is called, so later changes to it are not saved. Without
// opts.Immediate the write is deferred by DebounceDelay and replaced by any
// newer save for the same name in the meantime.
func (c *Coordinator) SaveState(ctx context.Context, name string, state any, opts SaveOptions) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", name, err)
	}

	if opts.Immediate {
		c.saves.Cancel(name)
		return c.write(ctx, name, raw, opts)
	}

	scheduled := c.saves.Schedule(name, c.cfg.DebounceDelay, func() {
		if err := c.write(context.WithoutCancel(ctx), name, raw, opts); err != nil {
			slog.Warn("debounced state save failed", "provider", name, "error", err)
		}
	})
	if !scheduled {
		// Closed: nothing flushes deferred saves any more.
		return c.write(ctx, name, raw, opts)
	}
	return nil
}

func (c *Coordinator) write(ctx context.Context, name string, raw json.RawMessage, opts SaveOptions) error {
	cacheOpts := opts.cacheOptions()
	if err := c.cache.Set(ctx, StateKey(name), raw, cacheOpts...); err != nil {
		return fmt.Errorf("save %s state: %w", name, err)
	}
	if err := c.cache.Set(ctx, TimestampKey(name), c.now().UnixMilli(), cacheOpts...); err != nil {
		return fmt.Errorf("save %s timestamp: %w", name, err)
	}
	return nil
}

// RecoverState reads the last saved state for name.
func (c *Coordinator) RecoverState(ctx context.Context, name string) (Recovered, bool) {
	raw, ok := c.cache.Lookup(ctx, StateKey(name))
	if !ok {
		return Recovered{}, false
	}
	rec := Recovered{State: raw}
	if ts, ok := c.cache.Lookup(ctx, TimestampKey(name)); ok {
		if ms, err := strconv.ParseInt(string(ts), 10, 64); err == nil {
			rec.SavedAt = time.UnixMilli(ms)
		}
	}
	return rec, true
}

// Recover decodes the last saved state for name into T, returning def when
// nothing usable was saved.
func Recover[T any](ctx context.Context, c *Coordinator, name string, def T) T {
	rec, ok := c.RecoverState(ctx, name)
	if !ok {
		return def
	}
	var v T
	if err := json.Unmarshal(rec.State, &v); err != nil {
		slog.Warn("saved state does not match requested type", "provider", name, "error", err)
		return def
	}
	return v
}

// SaveAllState saves every provider's current state. A provider that fails
// or panics is recorded in the report and the sweep continues.
func (c *Coordinator) SaveAllState(ctx context.Context, opts SaveOptions) Report {
	var r Report
	for _, name := range c.Providers() {
		p, ok := c.provider(name)
		if !ok {
			continue
		}
		state, err := callGet(p.get)
		if err == nil {
			err = c.SaveState(ctx, name, state, opts)
		}
		if err != nil {
			slog.Warn("state provider save failed", "provider", name, "error", err)
			r.fail(name, err)
			continue
		}
		r.succeed(name)
	}
	c.observe(SweepSave, r)
	return r
}

// AttemptRecovery hands every provider its last saved state. Providers with
// nothing saved are skipped.
func (c *Coordinator) AttemptRecovery(ctx context.Context) Report {
	var r Report
	for _, name := range c.Providers() {
		p, ok := c.provider(name)
		if !ok {
			continue
		}
		rec, found := c.RecoverState(ctx, name)
		if !found {
			r.skip(name)
			continue
		}
		if err := callSet(p.set, rec.State); err != nil {
			slog.Warn("state provider recovery failed", "provider", name, "error", err)
			r.fail(name, err)
			continue
		}
		r.succeed(name)
	}
	c.observe(SweepRecover, r)
	slog.Info("state recovery attempted", "result", r.String())
	return r
}

func (c *Coordinator) observe(kind string, r Report) {
	if c.obs != nil {
		c.obs.SweepCompleted(kind, r)
	}
}

func callGet(get GetStateFunc) (state any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("get state panicked: %v", v)
		}
	}()
	return get()
}

func callSet(set SetStateFunc, raw json.RawMessage) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("set state panicked: %v", v)
		}
	}()
	return set(raw)
}

// HandleEvent runs the action for a lifecycle event:
//
//	unload, hidden  save every provider immediately
//	visible         recover every provider
//	offline         save every provider immediately, remember offline
//	online          recover every provider if the last state was offline, remember online
func (c *Coordinator) HandleEvent(ctx context.Context, ev Event) (Report, error) {
	immediate := SaveOptions{Immediate: true}

	switch ev {
	case EventUnload, EventHidden:
		return c.SaveAllState(ctx, immediate), nil
	case EventVisible:
		return c.AttemptRecovery(ctx), nil
	case EventOffline:
		r := c.SaveAllState(ctx, immediate)
		c.setNetworkState(ctx, NetworkOffline)
		return r, nil
	case EventOnline:
		var r Report
		if c.NetworkState(ctx) == NetworkOffline {
			r = c.AttemptRecovery(ctx)
		}
		c.setNetworkState(ctx, NetworkOnline)
		return r, nil
	default:
		return Report{}, fmt.Errorf("unknown lifecycle event %q", ev)
	}
}

// NetworkState returns the last recorded connectivity, consulting the cache
// when this coordinator has not observed any yet.
func (c *Coordinator) NetworkState(ctx context.Context) NetworkState {
	c.mu.Lock()
	state := c.network
	c.mu.Unlock()
	if state != NetworkUnknown {
		return state
	}

	raw, ok := c.cache.Lookup(ctx, NetworkStateKey)
	if !ok {
		return NetworkUnknown
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return NetworkUnknown
	}
	return NetworkState(s)
}

func (c *Coordinator) setNetworkState(ctx context.Context, state NetworkState) {
	c.mu.Lock()
	c.network = state
	c.mu.Unlock()

	if err := c.cache.Set(ctx, NetworkStateKey, string(state), cache.Immediately()); err != nil {
		slog.Warn("failed to record network state", "state", state, "error", err)
	}
}

// Run saves every provider each AutoSaveInterval until ctx is cancelled,
// then performs a final unload sweep.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.AutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r := c.SaveAllState(ctx, SaveOptions{Immediate: true})
			slog.Debug("periodic state save", "result", r.String())
		case <-ctx.Done():
			if _, err := c.HandleEvent(context.WithoutCancel(ctx), EventUnload); err != nil {
				slog.Error("final state save failed", "error", err)
			}
			return
		}
	}
}

// CreateSnapshot captures every provider's current state. Providers that
// fail are left out and reported in the returned error.
func (c *Coordinator) CreateSnapshot(_ context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Timestamp: c.now().UnixMilli(),
		States:    make(map[string]json.RawMessage),
	}
	var errs []error
	for _, name := range c.Providers() {
		p, ok := c.provider(name)
		if !ok {
			continue
		}
		state, err := callGet(p.get)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		raw, err := json.Marshal(state)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: encode state: %w", name, err))
			continue
		}
		snap.States[name] = raw
	}
	return snap, errors.Join(errs...)
}

// RestoreSnapshot applies each state in snap to the provider of the same
// name and saves it immediately. States without a registered provider are
// skipped.
func (c *Coordinator) RestoreSnapshot(ctx context.Context, snap *Snapshot) Report {
	var r Report
	if snap == nil {
		return r
	}
	names := make([]string, 0, len(snap.States))
	for name := range snap.States {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		p, ok := c.provider(name)
		if !ok {
			r.skip(name)
			continue
		}
		raw := snap.States[name]
		err := callSet(p.set, raw)
		if err == nil {
			err = c.SaveState(ctx, name, raw, SaveOptions{Immediate: true})
		}
		if err != nil {
			slog.Warn("snapshot restore failed", "provider", name, "error", err)
			r.fail(name, err)
			continue
		}
		r.succeed(name)
	}
	c.observe(SweepRestore, r)
	return r
}

// PendingSaves returns the number of debounced saves not yet written.
func (c *Coordinator) PendingSaves() int {
	return c.saves.Pending()
}

// Close writes pending debounced saves. Safe to call multiple times.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	n := c.saves.Flush()
	c.saves.Stop()
	if n > 0 {
		slog.Info("flushed pending state saves", "count", n)
	}
	return nil
}
