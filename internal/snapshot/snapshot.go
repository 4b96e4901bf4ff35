// Package snapshot defines the versioned, serializable representation of one
// game's state as it moves between the cache, the recovery coordinator and
// the sync manager.
//
// A GameSnapshot is a value: every transition returns a new snapshot and
// never mutates the receiver, and the game state is deep-copied on the way in.
package snapshot

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/clone"
)

// SyncStatus describes where a game stands relative to the server.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
	StatusError    SyncStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusConflict, StatusError:
		return true
	}
	return false
}

// ErrInvalid is returned for snapshots that break a structural rule.
var ErrInvalid = errors.New("invalid game snapshot")

// GameSnapshot is one immutable version of a game.
// Timestamp is epoch milliseconds, matching the persisted layout.
type GameSnapshot struct {
	ID            string         `json:"id"`
	GameID        string         `json:"gameId"`
	LocalVersion  int64          `json:"localVersion"`
	ServerVersion int64          `json:"serverVersion"`
	GameState     map[string]any `json:"gameState"`
	UserID        string         `json:"userId"`
	Timestamp     int64          `json:"timestamp"`
	Dirty         bool           `json:"dirty"`
	SyncStatus    SyncStatus     `json:"syncStatus"`
	Checksum      string         `json:"checksum,omitempty"`
}

// Params are the inputs to New.
type Params struct {
	GameID        string
	UserID        string
	State         map[string]any
	LocalVersion  int64
	ServerVersion int64
	// Now defaults to time.Now.
	Now time.Time
}

// ID derives the snapshot id for one version of a game. Re-snapshotting the
// same version yields the same id.
func ID(gameID string, localVersion int64) string {
	return gameID + "_v" + strconv.FormatInt(localVersion, 10)
}

// Checksum hashes the canonical JSON encoding of a game state.
// encoding/json sorts map keys, so equal states hash equally.
func Checksum(state map[string]any) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode game state: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

// New builds a snapshot with a deep copy of p.State.
// A snapshot whose local version is ahead of the server version is dirty and pending,
// otherwise it is clean and synced.
func New(p Params) (*GameSnapshot, error) {
	if p.GameID == "" {
		return nil, fmt.Errorf("%w: game id is required", ErrInvalid)
	}
	if p.LocalVersion < 0 || p.ServerVersion < 0 {
		return nil, fmt.Errorf("%w: versions must not be negative", ErrInvalid)
	}
	if p.LocalVersion < p.ServerVersion {
		return nil, fmt.Errorf("%w: local version %d behind server version %d", ErrInvalid, p.LocalVersion, p.ServerVersion)
	}

	state, err := copyState(p.State)
	if err != nil {
		return nil, err
	}
	sum, err := Checksum(state)
	if err != nil {
		return nil, err
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}

	s := &GameSnapshot{
		GameID:        p.GameID,
		UserID:        p.UserID,
		LocalVersion:  p.LocalVersion,
		ServerVersion: p.ServerVersion,
		GameState:     state,
		Timestamp:     now.UnixMilli(),
		Checksum:      sum,
	}
	s.derive(StatusSynced)
	return s, nil
}

func copyState(state map[string]any) (map[string]any, error) {
	if state == nil {
		return map[string]any{}, nil
	}
	c, err := clone.Map(state)
	if err != nil {
		return nil, fmt.Errorf("copy game state: %w", err)
	}
	return c, nil
}

// derive recomputes the id and dirty flag from the versions. A clean snapshot
// is always synced; a dirty one keeps status unless that status is synced.
func (s *GameSnapshot) derive(status SyncStatus) {
	s.ID = ID(s.GameID, s.LocalVersion)
	s.Dirty = s.LocalVersion > s.ServerVersion
	switch {
	case !s.Dirty:
		s.SyncStatus = StatusSynced
	case status == StatusSynced:
		s.SyncStatus = StatusPending
	default:
		s.SyncStatus = status
	}
}

// with returns a shallow copy of s. GameState is shared, which is safe
// because no transition writes into it.
func (s *GameSnapshot) with(now time.Time) *GameSnapshot {
	c := *s
	if !now.IsZero() {
		c.Timestamp = now.UnixMilli()
	}
	return &c
}

// Clone returns a deep copy of s.
func (s *GameSnapshot) Clone() (*GameSnapshot, error) {
	c := *s
	state, err := copyState(s.GameState)
	if err != nil {
		return nil, err
	}
	c.GameState = state
	return &c, nil
}

// Time returns the snapshot timestamp.
func (s *GameSnapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Mutate records a locally applied change: the local version advances,
// the snapshot becomes dirty and pending.
func (s *GameSnapshot) Mutate(state map[string]any, now time.Time) (*GameSnapshot, error) {
	copied, err := copyState(state)
	if err != nil {
		return nil, err
	}
	sum, err := Checksum(copied)
	if err != nil {
		return nil, err
	}
	next := s.with(now)
	next.GameState = copied
	next.Checksum = sum
	next.LocalVersion++
	next.derive(StatusPending)
	return next, nil
}

// Pushed records that the server persisted version. If the game changed
// locally while the push was in flight it stays dirty.
func (s *GameSnapshot) Pushed(version int64, now time.Time) *GameSnapshot {
	next := s.with(now)
	if version > next.ServerVersion {
		next.ServerVersion = version
	}
	if next.ServerVersion > next.LocalVersion {
		next.LocalVersion = next.ServerVersion
	}
	next.derive(StatusPending)
	return next
}

// Failed records a push or pull failure. The snapshot keeps its versions and
// dirty flag so the next trigger retries it.
func (s *GameSnapshot) Failed(now time.Time) *GameSnapshot {
	next := s.with(now)
	next.derive(StatusError)
	return next
}

// Conflicted marks that another writer produced a server version this
// client did not know about. The state is terminal until resolved.
func (s *GameSnapshot) Conflicted(now time.Time) *GameSnapshot {
	next := s.with(now)
	next.derive(StatusConflict)
	next.SyncStatus = StatusConflict
	return next
}

// Rebase keeps the local state but moves it on top of remoteVersion, so the
// next push overwrites the server copy.
func (s *GameSnapshot) Rebase(remoteVersion int64, now time.Time) *GameSnapshot {
	next := s.with(now)
	next.ServerVersion = remoteVersion
	next.LocalVersion = max(next.LocalVersion, remoteVersion) + 1
	next.derive(StatusPending)
	return next
}

// Adopt replaces the local state with the server copy at remoteVersion.
// The result is clean.
func (s *GameSnapshot) Adopt(state map[string]any, remoteVersion int64, now time.Time) (*GameSnapshot, error) {
	copied, err := copyState(state)
	if err != nil {
		return nil, err
	}
	sum, err := Checksum(copied)
	if err != nil {
		return nil, err
	}
	next := s.with(now)
	next.GameState = copied
	next.Checksum = sum
	next.LocalVersion = remoteVersion
	next.ServerVersion = remoteVersion
	next.derive(StatusSynced)
	return next, nil
}

// Validate checks the structural and version invariants of a typed snapshot.
func (s *GameSnapshot) Validate() error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil snapshot", ErrInvalid)
	case s.GameID == "":
		return fmt.Errorf("%w: missing gameId", ErrInvalid)
	case s.ID != ID(s.GameID, s.LocalVersion):
		return fmt.Errorf("%w: id %q does not match %q", ErrInvalid, s.ID, ID(s.GameID, s.LocalVersion))
	case s.GameState == nil:
		return fmt.Errorf("%w: missing gameState", ErrInvalid)
	case s.LocalVersion < s.ServerVersion:
		return fmt.Errorf("%w: local version %d behind server version %d", ErrInvalid, s.LocalVersion, s.ServerVersion)
	case s.Dirty != (s.LocalVersion > s.ServerVersion):
		return fmt.Errorf("%w: dirty flag disagrees with versions", ErrInvalid)
	case !s.SyncStatus.Valid():
		return fmt.Errorf("%w: unknown syncStatus %q", ErrInvalid, s.SyncStatus)
	}
	return nil
}

// Compare orders snapshots by local version, oldest first.
func Compare(a, b *GameSnapshot) int {
	return cmp.Compare(a.LocalVersion, b.LocalVersion)
}

// Sort orders snapshots in place by local version.
func Sort(s []*GameSnapshot) {
	slices.SortStableFunc(s, Compare)
}

// Decode parses and validates a persisted snapshot.
func Decode(raw []byte) (*GameSnapshot, error) {
	if !IsValid(raw) {
		return nil, fmt.Errorf("%w: malformed document", ErrInvalid)
	}
	var s GameSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode game snapshot: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
