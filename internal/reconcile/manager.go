// Package reconcile tracks, per game, whether the local copy is ahead of,
// behind or in conflict with the server, and drives the two towards each
// other by pushing dirty games and pulling newer server copies.
//
// Every game is held as a snapshot.GameSnapshot and persisted through the
// tiered cache, partitioned by user id, so pending changes survive restarts.
package reconcile

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/cache"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/snapshot"
)

// DefaultFlushInterval is the period of the background push loop.
const DefaultFlushInterval = 30 * time.Second

// Cache is the subset of the tiered cache the manager persists through.
type Cache interface {
	Set(ctx context.Context, key string, value any, opts ...cache.SetOption) error
	Lookup(ctx context.Context, key string) (json.RawMessage, bool)
	Remove(ctx context.Context, key string)
}

// Config holds manager configuration.
type Config struct {
	// UserID partitions persisted games.
	UserID string
	// ConflictPolicy defaults to PolicyManual.
	ConflictPolicy ConflictPolicy
	// FlushInterval is the Run loop period (default: 30s).
	FlushInterval time.Duration
}

// Observer receives sync outcomes, typically to feed metrics.
type Observer interface {
	// GameSynced is called once per game and operation ("push" or "pull").
	GameSynced(op, outcome string)
}

// Outcomes passed to Observer.
const (
	OutcomePushed    = "pushed"
	OutcomeFailed    = "failed"
	OutcomeConflict  = "conflict"
	OutcomeAdopted   = "adopted"
	OutcomeConverged = "converged"
	OutcomeLocalWins = "local_wins"
	OutcomeIgnored   = "ignored"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver reports sync outcomes to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.obs = o
	}
}

// FlushResult lists the outcome of a push per game id.
type FlushResult struct {
	Pushed []string `json:"pushed"`
	// Resolved lists conflicts settled by the last-write-wins policy.
	Resolved  []string          `json:"resolved,omitempty"`
	Conflicts []string          `json:"conflicts,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// PullResult lists the outcome of a pull per game id.
type PullResult struct {
	Adopted   []string `json:"adopted"`
	Converged []string `json:"converged,omitempty"`
	LocalWins []string `json:"local_wins,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	Ignored   []string `json:"ignored,omitempty"`
}

// Manager is safe for concurrent use. Flush, Pull and ResolveConflict are
// serialised; RecordMutation may run alongside them.
type Manager struct {
	cache  Cache
	remote Remote
	cfg    Config
	now    func() time.Time
	obs    Observer

	syncMu sync.Mutex

	mu      sync.Mutex
	games   map[string]*snapshot.GameSnapshot
	remotes map[string]RemoteGame

	// beforeAdopt runs between deciding to adopt a server copy and applying it.
	beforeAdopt func(gameID string)
}

// NewManager creates a manager for cfg.UserID.
func NewManager(c Cache, remote Remote, cfg Config, opts ...Option) (*Manager, error) {
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	policy, err := ParseConflictPolicy(string(cfg.ConflictPolicy))
	if err != nil {
		return nil, err
	}
	cfg.ConflictPolicy = policy
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	m := &Manager{
		cache:   c,
		remote:  remote,
		cfg:     cfg,
		now:     time.Now,
		games:   make(map[string]*snapshot.GameSnapshot),
		remotes: make(map[string]RemoteGame),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// UserID returns the user this manager syncs for.
func (m *Manager) UserID() string {
	return m.cfg.UserID
}

// Load reads the persisted games of the user. Entries that fail validation
// are logged and skipped. It returns the number of games loaded.
func (m *Manager) Load(ctx context.Context) int {
	user := m.cfg.UserID
	var ids []string
	if raw, ok := m.cache.Lookup(ctx, IndexKey(user)); ok {
		if err := json.Unmarshal(raw, &ids); err != nil {
			slog.Warn("game index is corrupt", "user", user, "error", err)
		}
	}

	loaded := make(map[string]*snapshot.GameSnapshot, len(ids))
	remotes := make(map[string]RemoteGame)
	for _, id := range ids {
		raw, ok := m.cache.Lookup(ctx, GameKey(user, id))
		if !ok {
			continue
		}
		s, err := snapshot.Decode(raw)
		if err != nil {
			slog.Warn("discarding invalid game snapshot", "user", user, "game", id, "error", err)
			continue
		}
		if s.GameID != id || s.UserID != user {
			slog.Warn("discarding game snapshot of another owner", "user", user, "game", id,
				"snapshot_user", s.UserID, "snapshot_game", s.GameID)
			continue
		}
		loaded[id] = s
		if s.SyncStatus == snapshot.StatusConflict {
			var rg RemoteGame
			if raw, ok := m.cache.Lookup(ctx, ConflictKey(user, id)); ok && json.Unmarshal(raw, &rg) == nil {
				remotes[id] = rg
			}
		}
	}

	m.mu.Lock()
	m.games = loaded
	m.remotes = remotes
	m.mu.Unlock()

	slog.Info("games loaded", "user", user, "count", len(loaded))
	return len(loaded)
}

// RecordMutation applies a locally made change to a game. The first
// mutation of an unknown game creates it at local version 1.
func (m *Manager) RecordMutation(ctx context.Context, gameID string, state map[string]any) (*snapshot.GameSnapshot, error) {
	if gameID == "" {
		return nil, fmt.Errorf("game id is required")
	}
	now := m.now()

	m.mu.Lock()
	cur, known := m.games[gameID]
	var (
		next *snapshot.GameSnapshot
		err  error
	)
	if known {
		next, err = cur.Mutate(state, now)
		if err == nil && cur.SyncStatus == snapshot.StatusConflict {
			next = next.Conflicted(now)
		}
	} else {
		next, err = snapshot.New(snapshot.Params{
			GameID:       gameID,
			UserID:       m.cfg.UserID,
			State:        state,
			LocalVersion: 1,
			Now:          now,
		})
	}
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.games[gameID] = next
	m.mu.Unlock()

	m.persist(ctx, next)
	if !known {
		m.persistIndex(ctx)
	}
	return next.Clone()
}

// Game returns a copy of the tracked snapshot of gameID.
func (m *Manager) Game(gameID string) (*snapshot.GameSnapshot, bool) {
	m.mu.Lock()
	s, ok := m.games[gameID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	c, err := s.Clone()
	if err != nil {
		return nil, false
	}
	return c, true
}

// Games returns copies of every tracked game ordered by game id.
func (m *Manager) Games() []*snapshot.GameSnapshot {
	return m.collect(func(*snapshot.GameSnapshot) bool { return true })
}

// Dirty returns copies of the games with changes the server has not confirmed.
func (m *Manager) Dirty() []*snapshot.GameSnapshot {
	return m.collect(func(s *snapshot.GameSnapshot) bool { return s.Dirty })
}

func (m *Manager) collect(keep func(*snapshot.GameSnapshot) bool) []*snapshot.GameSnapshot {
	m.mu.Lock()
	out := make([]*snapshot.GameSnapshot, 0, len(m.games))
	for _, s := range m.games {
		if keep(s) {
			out = append(out, s)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b *snapshot.GameSnapshot) int { return cmp.Compare(a.GameID, b.GameID) })
	for i, s := range out {
		if c, err := s.Clone(); err == nil {
			out[i] = c
		}
	}
	return out
}

// Flush pushes every dirty game that is not in conflict. A failed push
// leaves the game dirty with status error so the next flush retries it.
func (m *Manager) Flush(ctx context.Context) FlushResult {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	var res FlushResult
	for _, s := range m.Dirty() {
		if s.SyncStatus == snapshot.StatusConflict {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.fail(s.GameID, err)
			continue
		}

		up, err := m.remote.UploadGame(ctx, UploadRequest{
			SnapshotID:  s.ID,
			GameID:      s.GameID,
			UserID:      m.cfg.UserID,
			Version:     s.LocalVersion,
			BaseVersion: s.ServerVersion,
			State:       s.GameState,
			Checksum:    s.Checksum,
			Timestamp:   s.Timestamp,
		})

		var conflict *ConflictError
		switch {
		case err == nil:
			version := up.Version
			if version == 0 {
				version = s.LocalVersion
			}
			m.update(ctx, s.GameID, func(cur *snapshot.GameSnapshot) (*snapshot.GameSnapshot, error) {
				return cur.Pushed(version, m.now()), nil
			})
			res.Pushed = append(res.Pushed, s.GameID)
			m.observe("push", OutcomePushed)

		case errors.As(err, &conflict):
			rg := RemoteGame{GameID: s.GameID, Version: conflict.RemoteVersion}
			if conflict.Remote != nil {
				rg = *conflict.Remote
			}
			if outcome := m.onConflict(ctx, s.GameID, rg); outcome == OutcomeConflict {
				res.Conflicts = append(res.Conflicts, s.GameID)
			} else {
				res.Resolved = append(res.Resolved, s.GameID)
			}
			m.observe("push", OutcomeConflict)

		default:
			slog.Warn("game push failed", "game", s.GameID, "version", s.LocalVersion, "error", err)
			m.update(ctx, s.GameID, func(cur *snapshot.GameSnapshot) (*snapshot.GameSnapshot, error) {
				return cur.Failed(m.now()), nil
			})
			res.fail(s.GameID, err)
			m.observe("push", OutcomeFailed)
		}
	}

	if len(res.Pushed)+len(res.Conflicts)+len(res.Failed) > 0 {
		slog.Info("game flush finished", "pushed", len(res.Pushed), "conflicts", len(res.Conflicts), "failed", len(res.Failed))
	}
	return res
}

func (r *FlushResult) fail(gameID string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[gameID] = err.Error()
}

// Pull downloads the user's games and reconciles each with the local copy:
//
//   - unknown locally: adopted
//   - server version not newer than the last confirmed one: ignored
//   - local copy clean: fast-forwarded to the server copy
//   - local copy dirty but identical to the server copy: converged
//   - local copy dirty and different: conflict, settled by the policy
//
// A download failure marks every dirty game as errored.
func (m *Manager) Pull(ctx context.Context) (PullResult, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	var res PullResult
	remoteGames, err := m.remote.DownloadGames(ctx, m.cfg.UserID)
	if err != nil {
		for _, s := range m.Dirty() {
			if s.SyncStatus == snapshot.StatusConflict {
				continue
			}
			m.update(ctx, s.GameID, func(cur *snapshot.GameSnapshot) (*snapshot.GameSnapshot, error) {
				return cur.Failed(m.now()), nil
			})
		}
		m.observe("pull", OutcomeFailed)
		return res, fmt.Errorf("download games: %w", err)
	}

	added := false
	for _, rg := range remoteGames {
		if rg.GameID == "" {
			continue
		}
		outcome, isNew := m.reconcile(ctx, rg)
		added = added || isNew
		switch outcome {
		case OutcomeAdopted:
			res.Adopted = append(res.Adopted, rg.GameID)
		case OutcomeConverged:
			res.Converged = append(res.Converged, rg.GameID)
		case OutcomeLocalWins:
			res.LocalWins = append(res.LocalWins, rg.GameID)
		case OutcomeConflict:
			res.Conflicts = append(res.Conflicts, rg.GameID)
		default:
			res.Ignored = append(res.Ignored, rg.GameID)
		}
		m.observe("pull", outcome)
	}
	if added {
		m.persistIndex(ctx)
	}
	return res, nil
}

func (m *Manager) reconcile(ctx context.Context, rg RemoteGame) (outcome string, isNew bool) {
	if rg.State == nil {
		slog.Warn("ignoring server game without state", "game", rg.GameID)
		return OutcomeIgnored, false
	}

	// A local mutation landing between the decision and the swap makes adopt
	// refuse; the loop then decides again against the newer local copy.
	for {
		m.mu.Lock()
		cur, known := m.games[rg.GameID]
		m.mu.Unlock()

		if !known {
			s, err := snapshot.New(snapshot.Params{
				GameID:        rg.GameID,
				UserID:        m.cfg.UserID,
				State:         rg.State,
				LocalVersion:  rg.Version,
				ServerVersion: rg.Version,
				Now:           remoteTime(rg, m.now()),
			})
			if err != nil {
				slog.Warn("ignoring invalid server game", "game", rg.GameID, "error", err)
				return OutcomeIgnored, false
			}
			m.mu.Lock()
			if _, raced := m.games[rg.GameID]; raced {
				m.mu.Unlock()
				continue
			}
			m.games[rg.GameID] = s
			m.mu.Unlock()
			m.persist(ctx, s)
			return OutcomeAdopted, true
		}

		if rg.Version <= cur.ServerVersion {
			return OutcomeIgnored, false
		}
		if cur.SyncStatus == snapshot.StatusConflict || cur.Dirty {
			if remoteChecksum(rg) != cur.Checksum {
				return m.onConflict(ctx, rg.GameID, rg), false
			}
			switch err := m.adopt(ctx, rg, cur); {
			case err == nil:
				return OutcomeConverged, false
			case !errors.Is(err, errStale):
				return OutcomeIgnored, false
			}
			continue
		}
		switch err := m.adopt(ctx, rg, cur); {
		case err == nil:
			return OutcomeAdopted, false
		case !errors.Is(err, errStale):
			return OutcomeIgnored, false
		}
	}
}

// onConflict applies the conflict policy to gameID against the server copy rg.
func (m *Manager) onConflict(ctx context.Context, gameID string, rg RemoteGame) string {
	for m.cfg.ConflictPolicy == PolicyLastWriteWins && rg.State != nil {
		m.mu.Lock()
		cur, ok := m.games[gameID]
		m.mu.Unlock()
		if !ok {
			break
		}
		if rg.UpdatedAt > cur.Timestamp {
			err := m.adopt(ctx, rg, cur)
			if err == nil {
				return OutcomeAdopted
			}
			if errors.Is(err, errStale) {
				continue
			}
			break
		}
		m.update(ctx, gameID, func(cur *snapshot.GameSnapshot) (*snapshot.GameSnapshot, error) {
			return cur.Rebase(rg.Version, m.now()), nil
		})
		return OutcomeLocalWins
	}

	m.mu.Lock()
	m.remotes[gameID] = rg
	m.mu.Unlock()
	if err := m.cache.Set(ctx, ConflictKey(m.cfg.UserID, gameID), rg, cache.WithLargeStore(), cache.Immediately()); err != nil {
		slog.Warn("failed to persist conflicting server copy", "game", gameID, "error", err)
	}
	m.update(ctx, gameID, func(cur *snapshot.GameSnapshot) (*snapshot.GameSnapshot, error) {
		return cur.Conflicted(m.now()), nil
	})
	slog.Warn("game sync conflict", "game", gameID, "remote_version", rg.Version)
	return OutcomeConflict
}

// adopt replaces the local copy with rg provided the local copy is still
// seen. It returns errStale when a local change landed in between.
func (m *Manager) adopt(ctx context.Context, rg RemoteGame, seen *snapshot.GameSnapshot) error {
	if m.beforeAdopt != nil {
		m.beforeAdopt(rg.GameID)
	}
	err := m.update(ctx, rg.GameID, func(cur *snapshot.GameSnapshot) (*snapshot.GameSnapshot, error) {
		if cur.LocalVersion != seen.LocalVersion || cur.Checksum != seen.Checksum {
			return nil, errStale
		}
		return cur.Adopt(rg.State, rg.Version, remoteTime(rg, m.now()))
	})
	if err != nil {
		return err
	}
	m.dropRemote(ctx, rg.GameID)
	return nil
}

func (m *Manager) dropRemote(ctx context.Context, gameID string) {
	m.mu.Lock()
	_, held := m.remotes[gameID]
	delete(m.remotes, gameID)
	m.mu.Unlock()
	if held {
		m.cache.Remove(ctx, ConflictKey(m.cfg.UserID, gameID))
	}
}

// ResolveConflict ends a conflict. KeepLocal moves the local copy on top of
// the server version so the next flush overwrites the server; KeepRemote
// replaces the local copy with the server one.
func (m *Manager) ResolveConflict(ctx context.Context, gameID string, resolution Resolution) (*snapshot.GameSnapshot, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.mu.Lock()
	cur, ok := m.games[gameID]
	rg, haveRemote := m.remotes[gameID]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	if cur.SyncStatus != snapshot.StatusConflict {
		return nil, fmt.Errorf("%w: %s is %s", ErrNoConflict, gameID, cur.SyncStatus)
	}

	if !haveRemote || (resolution == KeepRemote && rg.State == nil) {
		fetched, err := m.fetchRemote(ctx, gameID)
		if err != nil {
			return nil, err
		}
		rg = fetched
	}

	switch resolution {
	case KeepLocal:
		m.update(ctx, gameID, func(cur *snapshot.GameSnapshot) (*snapshot.GameSnapshot, error) {
			return cur.Rebase(max(rg.Version, cur.ServerVersion), m.now()), nil
		})
		m.dropRemote(ctx, gameID)
	case KeepRemote:
		if err := m.adopt(ctx, rg, cur); errors.Is(err, errStale) {
			return nil, fmt.Errorf("%w: %s", ErrLocalChanged, gameID)
		} else if err != nil {
			return nil, fmt.Errorf("adopt server copy of %s: %w", gameID, err)
		}
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}

	slog.Info("game conflict resolved", "game", gameID, "resolution", resolution, "remote_version", rg.Version)
	s, _ := m.Game(gameID)
	return s, nil
}

func (m *Manager) fetchRemote(ctx context.Context, gameID string) (RemoteGame, error) {
	games, err := m.remote.DownloadGames(ctx, m.cfg.UserID)
	if err != nil {
		return RemoteGame{}, fmt.Errorf("fetch server copy of %s: %w", gameID, err)
	}
	for _, rg := range games {
		if rg.GameID == gameID {
			return rg, nil
		}
	}
	return RemoteGame{}, fmt.Errorf("fetch server copy of %s: not on server", gameID)
}

// HandleConnectivity pulls and then flushes when the client comes online.
func (m *Manager) HandleConnectivity(ctx context.Context, online bool) {
	if !online {
		return
	}
	if _, err := m.Pull(ctx); err != nil {
		slog.Warn("pull after reconnect failed", "error", err)
	}
	m.Flush(ctx)
}

// Run flushes every FlushInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

var errStale = errors.New("local copy changed")

// update replaces the snapshot of gameID with fn's result and persists it.
// It is a no-op for games no longer tracked.
func (m *Manager) update(ctx context.Context, gameID string, fn func(*snapshot.GameSnapshot) (*snapshot.GameSnapshot, error)) error {
	m.mu.Lock()
	cur, ok := m.games[gameID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	next, err := fn(cur)
	if err != nil {
		m.mu.Unlock()
		if !errors.Is(err, errStale) {
			slog.Warn("game transition failed", "game", gameID, "error", err)
		}
		return err
	}
	m.games[gameID] = next
	m.mu.Unlock()

	m.persist(ctx, next)
	return nil
}

func (m *Manager) persist(ctx context.Context, s *snapshot.GameSnapshot) {
	if err := m.cache.Set(ctx, GameKey(m.cfg.UserID, s.GameID), s, cache.WithLargeStore(), cache.Immediately()); err != nil {
		slog.Warn("failed to persist game snapshot", "game", s.GameID, "error", err)
	}
}

func (m *Manager) persistIndex(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.games))
	for id := range m.games {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)

	if err := m.cache.Set(ctx, IndexKey(m.cfg.UserID), ids, cache.Immediately()); err != nil {
		slog.Warn("failed to persist game index", "user", m.cfg.UserID, "error", err)
	}
}

func (m *Manager) observe(op, outcome string) {
	if m.obs != nil {
		m.obs.GameSynced(op, outcome)
	}
}

func remoteChecksum(rg RemoteGame) string {
	if rg.Checksum != "" {
		return rg.Checksum
	}
	if rg.State == nil {
		return ""
	}
	sum, err := snapshot.Checksum(rg.State)
	if err != nil {
		return ""
	}
	return sum
}

func remoteTime(rg RemoteGame, fallback time.Time) time.Time {
	if rg.UpdatedAt > 0 {
		return time.UnixMilli(rg.UpdatedAt)
	}
	return fallback
}
