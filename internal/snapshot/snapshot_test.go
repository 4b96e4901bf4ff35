package snapshot

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleState() map[string]any {
	return map[string]any{
		"status": "playing",
		"players": []any{
			map[string]any{"id": "p1", "name": "Ada"},
			map[string]any{"id": "p2", "name": "Bob"},
		},
		"rounds": []any{
			map[string]any{"round": float64(1), "bids": map[string]any{"p1": float64(1), "p2": float64(0)}},
		},
	}
}

func assertInvariant(t *testing.T, s *GameSnapshot) {
	t.Helper()
	assert.GreaterOrEqual(t, s.LocalVersion, s.ServerVersion)
	assert.Equal(t, s.LocalVersion > s.ServerVersion, s.Dirty, "dirty must mirror versions")
	assert.Equal(t, ID(s.GameID, s.LocalVersion), s.ID)
	require.NoError(t, s.Validate())
}

func TestNewDefaults(t *testing.T) {
	s, err := New(Params{GameID: "g1", UserID: "u1", State: sampleState(), Now: t0})
	require.NoError(t, err)

	assert.Equal(t, "g1_v0", s.ID)
	assert.False(t, s.Dirty)
	assert.Equal(t, StatusSynced, s.SyncStatus)
	assert.Equal(t, t0.UnixMilli(), s.Timestamp)
	assert.NotEmpty(t, s.Checksum)
	assertInvariant(t, s)
}

func TestNewRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"missing game id", Params{State: sampleState()}},
		{"negative version", Params{GameID: "g", LocalVersion: -1}},
		{"local behind server", Params{GameID: "g", LocalVersion: 1, ServerVersion: 2}},
		{"unserializable state", Params{GameID: "g", State: map[string]any{"f": func() {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.p)
			require.Error(t, err)
		})
	}
}

func TestSnapshotIsIsolatedFromLiveState(t *testing.T) {
	live := sampleState()
	s, err := New(Params{GameID: "g1", State: live, Now: t0})
	require.NoError(t, err)

	live["status"] = "finished"
	live["players"].([]any)[0].(map[string]any)["name"] = "Mallory"

	assert.Equal(t, "playing", s.GameState["status"])
	assert.Equal(t, "Ada", s.GameState["players"].([]any)[0].(map[string]any)["name"])
}

func TestScenarioDirtyThenPushed(t *testing.T) {
	s, err := New(Params{GameID: "g1", State: sampleState(), LocalVersion: 2, ServerVersion: 1, Now: t0})
	require.NoError(t, err)
	assert.True(t, s.Dirty)
	assert.Equal(t, StatusPending, s.SyncStatus)

	pushed := s.Pushed(s.LocalVersion, t0.Add(time.Second))
	assert.Equal(t, int64(2), pushed.ServerVersion)
	assert.False(t, pushed.Dirty)
	assert.Equal(t, StatusSynced, pushed.SyncStatus)

	// the receiver is untouched
	assert.True(t, s.Dirty)
	assert.Equal(t, int64(1), s.ServerVersion)
}

func TestDirtyInvariantAcrossTransitions(t *testing.T) {
	s, err := New(Params{GameID: "g1", State: sampleState(), Now: t0})
	require.NoError(t, err)
	assertInvariant(t, s)

	m1, err := s.Mutate(map[string]any{"round": float64(1)}, t0)
	require.NoError(t, err)
	assertInvariant(t, m1)
	assert.Equal(t, StatusPending, m1.SyncStatus)
	assert.Equal(t, int64(1), m1.LocalVersion)

	failed := m1.Failed(t0)
	assertInvariant(t, failed)
	assert.True(t, failed.Dirty)
	assert.Equal(t, StatusError, failed.SyncStatus)

	m2, err := failed.Mutate(map[string]any{"round": float64(2)}, t0)
	require.NoError(t, err)
	assertInvariant(t, m2)
	assert.Equal(t, StatusPending, m2.SyncStatus)

	// a push of version 1 lands while version 2 exists locally
	partial := m2.Pushed(1, t0)
	assertInvariant(t, partial)
	assert.True(t, partial.Dirty)
	assert.Equal(t, StatusPending, partial.SyncStatus)

	done := partial.Pushed(2, t0)
	assertInvariant(t, done)
	assert.False(t, done.Dirty)
	assert.Equal(t, StatusSynced, done.SyncStatus)

	conflicted := m2.Conflicted(t0)
	assertInvariant(t, conflicted)
	assert.Equal(t, StatusConflict, conflicted.SyncStatus)

	rebased := conflicted.Rebase(7, t0)
	assertInvariant(t, rebased)
	assert.Equal(t, int64(7), rebased.ServerVersion)
	assert.Equal(t, int64(8), rebased.LocalVersion)
	assert.Equal(t, StatusPending, rebased.SyncStatus)

	adopted, err := conflicted.Adopt(map[string]any{"round": float64(9)}, 7, t0)
	require.NoError(t, err)
	assertInvariant(t, adopted)
	assert.False(t, adopted.Dirty)
	assert.Equal(t, StatusSynced, adopted.SyncStatus)
	assert.Equal(t, float64(9), adopted.GameState["round"])
}

func TestChecksumIsStable(t *testing.T) {
	a, err := Checksum(map[string]any{"a": float64(1), "b": "x"})
	require.NoError(t, err)
	b, err := Checksum(map[string]any{"b": "x", "a": float64(1)})
	require.NoError(t, err)
	c, err := Checksum(map[string]any{"a": float64(2), "b": "x"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCompareAndSort(t *testing.T) {
	base, err := New(Params{GameID: "g", Now: t0})
	require.NoError(t, err)
	v1, _ := base.Mutate(nil, t0)
	v2, _ := v1.Mutate(nil, t0)
	v3, _ := v2.Mutate(nil, t0)

	assert.Negative(t, Compare(v1, v2))
	assert.Positive(t, Compare(v3, v2))
	assert.Zero(t, Compare(v2, v2))

	list := []*GameSnapshot{v3, base, v2, v1}
	Sort(list)
	for i, s := range list {
		assert.Equal(t, int64(i), s.LocalVersion)
	}
}

func TestIsValid(t *testing.T) {
	s, err := New(Params{GameID: "g1", UserID: "u1", State: sampleState(), LocalVersion: 3, ServerVersion: 1, Now: t0})
	require.NoError(t, err)
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.True(t, IsValid(raw))

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"id":`},
		{"array", `[]`},
		{"missing gameState", `{"id":"g_v1","gameId":"g","localVersion":1,"serverVersion":0,"userId":"u","timestamp":1,"dirty":true,"syncStatus":"pending"}`},
		{"gameState is array", `{"id":"g_v1","gameId":"g","localVersion":1,"serverVersion":0,"gameState":[],"userId":"u","timestamp":1,"dirty":true,"syncStatus":"pending"}`},
		{"version is string", `{"id":"g_v1","gameId":"g","localVersion":"1","serverVersion":0,"gameState":{},"userId":"u","timestamp":1,"dirty":true,"syncStatus":"pending"}`},
		{"dirty is string", `{"id":"g_v1","gameId":"g","localVersion":1,"serverVersion":0,"gameState":{},"userId":"u","timestamp":1,"dirty":"yes","syncStatus":"pending"}`},
		{"unknown status", `{"id":"g_v1","gameId":"g","localVersion":1,"serverVersion":0,"gameState":{},"userId":"u","timestamp":1,"dirty":true,"syncStatus":"lost"}`},
		{"empty game id", `{"id":"_v1","gameId":"","localVersion":1,"serverVersion":0,"gameState":{},"userId":"u","timestamp":1,"dirty":true,"syncStatus":"pending"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, IsValid([]byte(tt.doc)))
		})
	}
}

func TestDecode(t *testing.T) {
	s, err := New(Params{GameID: "g1", UserID: "u1", State: sampleState(), LocalVersion: 2, Now: t0})
	require.NoError(t, err)
	raw, err := json.Marshal(s)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Checksum, got.Checksum)

	_, err = Decode([]byte(`{"id":"g_v9","gameId":"g","localVersion":1,"serverVersion":0,"gameState":{},"userId":"u","timestamp":1,"dirty":true,"syncStatus":"pending"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = Decode([]byte(`{"id":"g_v1","gameId":"g","localVersion":1,"serverVersion":0,"gameState":{},"userId":"u","timestamp":1,"dirty":false,"syncStatus":"pending"}`))
	require.Error(t, err, "dirty flag contradicts versions")
}
