package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/cache"
)

// countingStore records writes per key on top of a memory store.
type countingStore struct {
	*cache.MemoryStore
	mu     sync.Mutex
	writes map[string][]string
}

func newCountingStore(name string) *countingStore {
	return &countingStore{MemoryStore: cache.NewMemoryStore(name, 0), writes: map[string][]string{}}
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.writes[key] = append(s.writes[key], value)
	s.mu.Unlock()
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *countingStore) writesFor(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes[key]...)
}

type stores struct {
	session *cache.MemoryStore
	local   *countingStore
}

func newStores() stores {
	return stores{session: cache.NewMemoryStore("session", 0), local: newCountingStore("local")}
}

// open builds a fresh cache over the same durable stores, the way a new
// process would see them.
func (s stores) open() *cache.TieredCache {
	return cache.New(cache.Config{}, cache.Tiers{Session: s.session, Local: s.local})
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "state_game", StateKey("game"))
	assert.Equal(t, "state_game_timestamp", TimestampKey("game"))
}

func TestRegisterValidation(t *testing.T) {
	c := NewCoordinator(newStores().open(), Config{})
	get := func() (any, error) { return nil, nil }
	set := func(json.RawMessage) error { return nil }

	require.Error(t, c.RegisterStateProvider("", get, set))
	require.Error(t, c.RegisterStateProvider("x", nil, set))
	require.Error(t, c.RegisterStateProvider("x", get, nil))
	require.NoError(t, c.RegisterStateProvider("x", get, set))
	require.NoError(t, c.RegisterStateProvider("x", get, set), "re-registration replaces")
	assert.Equal(t, []string{"x"}, c.Providers())

	c.UnregisterStateProvider("x")
	assert.Empty(t, c.Providers())
}

func TestSaveStateWritesStateAndTimestamp(t *testing.T) {
	ctx := context.Background()
	st := newStores()
	at := time.UnixMilli(1767225600000)
	c := NewCoordinator(st.open(), Config{}, WithClock(func() time.Time { return at }))

	require.NoError(t, c.SaveState(ctx, "game", map[string]int{"round": 3}, SaveOptions{Immediate: true}))

	rec, ok := c.RecoverState(ctx, "game")
	require.True(t, ok)
	assert.JSONEq(t, `{"round":3}`, string(rec.State))
	assert.True(t, rec.SavedAt.Equal(at))

	assert.Len(t, st.local.writesFor("wizard_state_game"), 1)
	assert.Len(t, st.local.writesFor("wizard_state_game_timestamp"), 1)
}

func TestSaveStateSkipPersist(t *testing.T) {
	ctx := context.Background()
	st := newStores()
	c := NewCoordinator(st.open(), Config{})

	require.NoError(t, c.SaveState(ctx, "draft", "x", SaveOptions{Immediate: true, SkipPersist: true}))
	assert.Empty(t, st.local.writesFor("wizard_state_draft"))
	_, ok, _ := st.session.Get(ctx, "wizard_state_draft")
	assert.True(t, ok)
}

func TestSaveStateRejectsUnencodable(t *testing.T) {
	c := NewCoordinator(newStores().open(), Config{})
	err := c.SaveState(context.Background(), "bad", func() {}, SaveOptions{})
	require.Error(t, err)
	assert.Zero(t, c.PendingSaves())
}

func TestDebouncedSavesCollapse(t *testing.T) {
	ctx := context.Background()
	st := newStores()
	c := NewCoordinator(st.open(), Config{DebounceDelay: time.Hour})

	require.NoError(t, c.SaveState(ctx, "game", map[string]int{"v": 1}, SaveOptions{}))
	require.NoError(t, c.SaveState(ctx, "game", map[string]int{"v": 2}, SaveOptions{}))
	assert.Equal(t, 1, c.PendingSaves())
	assert.Empty(t, st.local.writesFor("wizard_state_game"), "nothing written inside the window")

	require.NoError(t, c.Close())

	writes := st.local.writesFor("wizard_state_game")
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0], `"value":{"v":2}`)
}

func TestDebouncedSaveFiresAfterDelay(t *testing.T) {
	ctx := context.Background()
	st := newStores()
	c := NewCoordinator(st.open(), Config{DebounceDelay: 30 * time.Millisecond})

	for i := 1; i <= 5; i++ {
		require.NoError(t, c.SaveState(ctx, "game", i, SaveOptions{}))
	}

	assert.Eventually(t, func() bool {
		return len(st.local.writesFor("wizard_state_game")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, Recover(ctx, c, "game", 0))

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, st.local.writesFor("wizard_state_game"), 1)
}

func TestSaveAfterCloseWritesThrough(t *testing.T) {
	ctx := context.Background()
	st := newStores()
	c := NewCoordinator(st.open(), Config{DebounceDelay: time.Hour})
	require.NoError(t, c.Close())

	require.NoError(t, c.SaveState(ctx, "game", map[string]int{"v": 3}, SaveOptions{}))
	assert.Zero(t, c.PendingSaves())

	writes := st.local.writesFor("wizard_state_game")
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0], `"value":{"v":3}`)
}

func TestImmediateSaveCancelsPendingOne(t *testing.T) {
	ctx := context.Background()
	st := newStores()
	c := NewCoordinator(st.open(), Config{DebounceDelay: time.Hour})

	require.NoError(t, c.SaveState(ctx, "game", "stale", SaveOptions{}))
	require.NoError(t, c.SaveState(ctx, "game", "fresh", SaveOptions{Immediate: true}))
	require.NoError(t, c.Close())

	writes := st.local.writesFor("wizard_state_game")
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0], `"fresh"`)
}

func TestSavedStateIsDetachedFromCaller(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newStores().open(), Config{DebounceDelay: time.Hour})

	state := map[string]int{"round": 1}
	require.NoError(t, c.SaveState(ctx, "game", state, SaveOptions{}))
	state["round"] = 99
	require.NoError(t, c.Close())

	assert.Equal(t, map[string]int{"round": 1}, Recover(ctx, c, "game", map[string]int(nil)))
}

func TestRecoverMissing(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newStores().open(), Config{})
	_, ok := c.RecoverState(ctx, "nothing")
	assert.False(t, ok)
	assert.Equal(t, "def", Recover(ctx, c, "nothing", "def"))
}

func TestSaveAllStateIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newStores().open(), Config{})

	require.NoError(t, c.RegisterStateProvider("broken",
		func() (any, error) { return nil, errors.New("no state") },
		func(json.RawMessage) error { return nil }))
	require.NoError(t, c.RegisterStateProvider("panicky",
		func() (any, error) { panic("boom") },
		func(json.RawMessage) error { return nil }))
	require.NoError(t, c.RegisterStateProvider("unencodable",
		func() (any, error) { return make(chan int), nil },
		func(json.RawMessage) error { return nil }))
	require.NoError(t, Register(c, "game", func() map[string]int { return map[string]int{"round": 3} }, func(map[string]int) {}))

	r := c.SaveAllState(ctx, SaveOptions{Immediate: true})
	assert.Equal(t, []string{"game"}, r.Succeeded)
	assert.Len(t, r.Failed, 3)
	assert.Contains(t, r.Failed["panicky"], "boom")
	assert.False(t, r.OK())

	assert.Equal(t, map[string]int{"round": 3}, Recover(ctx, c, "game", map[string]int(nil)))
}

func TestAttemptRecoveryIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newStores().open(), Config{})

	require.NoError(t, c.SaveState(ctx, "a", 1, SaveOptions{Immediate: true}))
	require.NoError(t, c.SaveState(ctx, "b", 2, SaveOptions{Immediate: true}))

	var got int
	require.NoError(t, c.RegisterStateProvider("a",
		func() (any, error) { return nil, nil },
		func(json.RawMessage) error { panic("bad restore") }))
	require.NoError(t, Register(c, "b", func() int { return 0 }, func(v int) { got = v }))
	require.NoError(t, Register(c, "c", func() int { return 0 }, func(int) { t.Error("nothing saved for c") }))

	r := c.AttemptRecovery(ctx)
	assert.Equal(t, []string{"b"}, r.Succeeded)
	assert.Equal(t, []string{"c"}, r.Skipped)
	assert.Contains(t, r.Failed, "a")
	assert.Equal(t, 2, got)
}

func TestRegisterDecodeError(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newStores().open(), Config{})
	require.NoError(t, c.SaveState(ctx, "n", "text", SaveOptions{Immediate: true}))
	require.NoError(t, Register(c, "n", func() int { return 0 }, func(int) {}))

	r := c.AttemptRecovery(ctx)
	assert.Contains(t, r.Failed, "n")
}

func TestRecoveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newStores().open(), Config{})

	type game struct {
		Round   int            `json:"round"`
		Players []string       `json:"players"`
		Scores  map[string]int `json:"scores"`
	}
	saved := game{Round: 4, Players: []string{"ada", "bob"}, Scores: map[string]int{"ada": 50, "bob": -10}}
	require.NoError(t, c.SaveState(ctx, "game", saved, SaveOptions{Immediate: true}))

	var applied []game
	require.NoError(t, Register(c, "game", func() game { return game{} }, func(g game) { applied = append(applied, g) }))

	first := c.AttemptRecovery(ctx)
	second := c.AttemptRecovery(ctx)

	assert.Equal(t, first, second)
	require.Len(t, applied, 2)
	assert.Equal(t, saved, applied[0])
	assert.Equal(t, applied[0], applied[1])
}

// Hidden on one coordinator, visible on a fresh one over the same namespace.
func TestHiddenThenVisibleOnFreshCoordinator(t *testing.T) {
	ctx := context.Background()
	st := newStores()

	first := NewCoordinator(st.open(), Config{})
	require.NoError(t, first.RegisterStateProvider("game",
		func() (any, error) { return map[string]int{"round": 3}, nil },
		func(json.RawMessage) error { return nil }))
	_, err := first.HandleEvent(ctx, EventHidden)
	require.NoError(t, err)

	var restored json.RawMessage
	second := NewCoordinator(st.open(), Config{})
	require.NoError(t, second.RegisterStateProvider("game",
		func() (any, error) { return nil, nil },
		func(raw json.RawMessage) error { restored = raw; return nil }))
	r, err := second.HandleEvent(ctx, EventVisible)
	require.NoError(t, err)

	assert.Equal(t, []string{"game"}, r.Succeeded)
	assert.JSONEq(t, `{"round":3}`, string(restored))
}

func TestHandleEvent(t *testing.T) {
	ctx := context.Background()

	type counts struct{ gets, sets int }
	setup := func(t *testing.T) (*Coordinator, *counts) {
		c := NewCoordinator(newStores().open(), Config{})
		n := &counts{}
		require.NoError(t, c.RegisterStateProvider("p",
			func() (any, error) { n.gets++; return "s", nil },
			func(json.RawMessage) error { n.sets++; return nil }))
		require.NoError(t, c.SaveState(ctx, "p", "s", SaveOptions{Immediate: true}))
		return c, n
	}

	tests := []struct {
		name     string
		events   []Event
		gets     int
		sets     int
		network  NetworkState
		wantErrs bool
	}{
		{name: "unload saves", events: []Event{EventUnload}, gets: 1},
		{name: "hidden saves", events: []Event{EventHidden}, gets: 1},
		{name: "visible recovers", events: []Event{EventVisible}, sets: 1},
		{name: "offline saves and records", events: []Event{EventOffline}, gets: 1, network: NetworkOffline},
		{name: "online after offline recovers", events: []Event{EventOffline, EventOnline}, gets: 1, sets: 1, network: NetworkOnline},
		{name: "online without offline", events: []Event{EventOnline}, network: NetworkOnline},
		{name: "online twice recovers once", events: []Event{EventOffline, EventOnline, EventOnline}, gets: 1, sets: 1, network: NetworkOnline},
		{name: "unknown event", events: []Event{"resize"}, wantErrs: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, n := setup(t)
			var gotErr bool
			for _, ev := range tt.events {
				if _, err := c.HandleEvent(ctx, ev); err != nil {
					gotErr = true
				}
			}
			assert.Equal(t, tt.wantErrs, gotErr)
			assert.Equal(t, tt.gets, n.gets, "getState calls")
			assert.Equal(t, tt.sets, n.sets, "setState calls")
			assert.Equal(t, tt.network, c.NetworkState(ctx))
		})
	}
}

func TestNetworkStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := newStores()

	before := NewCoordinator(st.open(), Config{})
	_, err := before.HandleEvent(ctx, EventOffline)
	require.NoError(t, err)

	after := NewCoordinator(st.open(), Config{})
	assert.Equal(t, NetworkOffline, after.NetworkState(ctx))

	recovered := false
	require.NoError(t, Register(after, "p", func() string { return "" }, func(string) { recovered = true }))
	require.NoError(t, after.SaveState(ctx, "p", "x", SaveOptions{Immediate: true}))
	_, err = after.HandleEvent(ctx, EventOnline)
	require.NoError(t, err)
	assert.True(t, recovered)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("hidden")
	require.NoError(t, err)
	assert.Equal(t, EventHidden, ev)

	_, err = ParseEvent("blur")
	require.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newStores().open(), Config{})

	current := map[string]any{"round": float64(2)}
	var restored map[string]any
	require.NoError(t, Register(c, "game",
		func() map[string]any { return current },
		func(v map[string]any) { restored = v }))
	require.NoError(t, c.RegisterStateProvider("broken",
		func() (any, error) { return nil, errors.New("unavailable") },
		func(json.RawMessage) error { return nil }))

	snap, err := c.CreateSnapshot(ctx)
	require.Error(t, err, "broken provider reported")
	require.Contains(t, snap.States, "game")
	assert.NotContains(t, snap.States, "broken")

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	decoded.States["ghost"] = json.RawMessage(`1`)

	current = map[string]any{"round": float64(7)}
	r := c.RestoreSnapshot(ctx, &decoded)

	assert.Equal(t, []string{"game"}, r.Succeeded)
	assert.Equal(t, []string{"ghost"}, r.Skipped)
	assert.Equal(t, map[string]any{"round": float64(2)}, restored)
	assert.Equal(t, map[string]any{"round": float64(2)}, Recover(ctx, c, "game", map[string]any(nil)), "restored state is saved")

	assert.Equal(t, Report{}, c.RestoreSnapshot(ctx, nil))
}

type sweepRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (s *sweepRecorder) SweepCompleted(kind string, _ Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
}

func (s *sweepRecorder) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestRunSavesPeriodicallyAndOnShutdown(t *testing.T) {
	st := newStores()
	rec := &sweepRecorder{}
	c := NewCoordinator(st.open(), Config{AutoSaveInterval: 10 * time.Millisecond}, WithObserver(rec))

	var mu sync.Mutex
	round := 1
	require.NoError(t, Register(c, "game", func() int {
		mu.Lock()
		defer mu.Unlock()
		return round
	}, func(int) {}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return rec.count(SweepSave) >= 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	round = 9
	mu.Unlock()
	cancel()
	<-done

	assert.Equal(t, 9, Recover(context.Background(), c, "game", 0), "shutdown sweep saves the latest state")
}
