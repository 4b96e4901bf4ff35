// Package app wires the cache tiers, the recovery coordinator, the sync
// manager and the control API together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jkrumboe/wizard-tracker-sub006/config"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/cache"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/httpclient"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/observability"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/reconcile"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/recordstore"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/recovery"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/remote"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/server"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/storage"
)

// shutdownTimeout bounds the HTTP server drain once Run's context ends.
const shutdownTimeout = 30 * time.Second

// App represents the main application with all its dependencies.
type App struct {
	config    *config.Config
	sessionID string

	metrics  *observability.Metrics
	storage  storage.Storage
	cache    *cache.TieredCache
	recovery *recovery.Coordinator
	games    *reconcile.Manager
	server   *server.Server

	// sessionDir is removed on shutdown; the session tier does not outlive the process.
	sessionDir string

	// gamesWG tracks connectivity triggered syncs.
	gamesWG sync.WaitGroup

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the options for creating an App.
type Config struct {
	AppConfig *config.LoadResult
	// Remote replaces the HTTP sync client, mainly for tests.
	Remote reconcile.Remote
}

// New creates an App with every component initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil || cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig.Config

	a := &App{config: appCfg, sessionID: uuid.NewString()}
	if appCfg.Metrics.Enabled {
		a.metrics = observability.New()
	}

	tiers, err := a.openTiers(ctx)
	if err != nil {
		return nil, errors.Join(err, a.closeStores(tiers))
	}

	var cacheOpts []cache.Option
	if a.metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(a.metrics))
	}
	a.cache = cache.New(cache.Config{
		Namespace:          appCfg.Cache.Namespace,
		MemoryCapacity:     appCfg.Cache.MemoryCapacity,
		MinPersistInterval: appCfg.Cache.MinPersistInterval,
	}, tiers, cacheOpts...)

	var recOpts []recovery.Option
	if a.metrics != nil {
		recOpts = append(recOpts, recovery.WithObserver(a.metrics))
	}
	a.recovery = recovery.NewCoordinator(a.cache, recovery.Config{
		DebounceDelay:    appCfg.Recovery.DebounceDelay,
		AutoSaveInterval: appCfg.Recovery.AutoSaveInterval,
	}, recOpts...)

	if appCfg.Sync.Enabled || cfg.Remote != nil {
		if err := a.initSync(ctx, cfg.Remote); err != nil {
			return nil, errors.Join(err, a.closeAll())
		}
	}

	deps := server.Deps{
		Cache:    a.cache,
		Recovery: a.recovery,
		States:   recovery.NewBoard(a.recovery),
	}
	if a.games != nil {
		deps.Games = a.games
		deps.OnConnectivity = a.onConnectivity
	}
	srvCfg := server.Config{
		MasterKey: appCfg.Server.MasterKey,
		BodyLimit: appCfg.Server.BodyLimit,
	}
	if a.metrics != nil {
		srvCfg.MetricsHandler = a.metrics.Handler()
		srvCfg.MetricsEndpoint = appCfg.Metrics.Endpoint
	}
	a.server = server.New(deps, srvCfg)

	a.logStartupInfo(cfg.AppConfig.Path)
	return a, nil
}

// openTiers builds the durable tiers. On error the tiers opened so far are
// returned so the caller can close them.
func (a *App) openTiers(ctx context.Context) (cache.Tiers, error) {
	cc := a.config.Cache
	var tiers cache.Tiers

	session, err := a.openStringTier(cache.TierSession, cc.Session)
	if err != nil {
		return tiers, err
	}
	tiers.Session = session

	local, err := a.openStringTier(cache.TierLocal, cc.Local)
	if err != nil {
		return tiers, err
	}
	tiers.Local = local

	if cc.Large.Enabled {
		res, err := recordstore.Open(ctx, storageConfig(a.config.Storage), recordstore.Options{
			CompressThreshold: cc.Large.CompressThreshold,
		})
		if err != nil {
			return tiers, fmt.Errorf("failed to initialize large tier: %w", err)
		}
		a.storage = res.Storage
		tiers.Large = res.Store
	}
	return tiers, nil
}

func (a *App) openStringTier(tier string, tc config.TierConfig) (cache.StringStore, error) {
	cc := a.config.Cache
	switch tc.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		return cache.NewMemoryStore(tier, tc.Quota), nil
	case config.BackendFile:
		dir := filepath.Join(cc.Dir, tier)
		if tier == cache.TierSession {
			dir = filepath.Join(cc.Dir, "sessions", a.sessionID)
			a.sessionDir = dir
		}
		s, err := cache.NewFileStore(tier, dir, tc.Quota)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s tier: %w", tier, err)
		}
		return s, nil
	case config.BackendRedis:
		prefix := cc.Redis.Prefix + tier + ":"
		if tier == cache.TierSession {
			prefix += a.sessionID + ":"
		}
		s, err := cache.NewRedisStore(tier, cache.RedisConfig{URL: cc.Redis.URL, Prefix: prefix, TTL: tc.TTL})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s tier: %w", tier, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown %s tier backend %q", tier, tc.Backend)
	}
}

func storageConfig(sc config.StorageConfig) storage.Config {
	return storage.Config{
		Type:       sc.Type,
		SQLite:     storage.SQLiteConfig{Path: sc.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{URL: sc.PostgreSQL.URL, MaxConns: sc.PostgreSQL.MaxConns},
		MongoDB:    storage.MongoDBConfig{URL: sc.MongoDB.URL, Database: sc.MongoDB.Database},
	}
}

func (a *App) initSync(ctx context.Context, rm reconcile.Remote) error {
	sc := a.config.Sync
	if rm == nil {
		rcfg := remote.DefaultConfig(sc.BaseURL)
		rcfg.Token = sc.Token
		rcfg.MaxRetries = sc.MaxRetries
		rcfg.RequestsPerSecond = sc.RequestsPerSecond
		rcfg.HTTP = httpclient.ClientConfig{
			Timeout:               time.Duration(a.config.HTTP.Timeout) * time.Second,
			ResponseHeaderTimeout: time.Duration(a.config.HTTP.ResponseHeaderTimeout) * time.Second,
		}
		client, err := remote.New(rcfg)
		if err != nil {
			return fmt.Errorf("failed to create sync client: %w", err)
		}
		rm = client
	}

	policy, err := reconcile.ParseConflictPolicy(sc.ConflictPolicy)
	if err != nil {
		return err
	}
	var opts []reconcile.Option
	if a.metrics != nil {
		opts = append(opts, reconcile.WithObserver(a.metrics))
	}
	mgr, err := reconcile.NewManager(a.cache, rm, reconcile.Config{
		UserID:         sc.UserID,
		ConflictPolicy: policy,
		FlushInterval:  sc.FlushInterval,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create sync manager: %w", err)
	}
	n := mgr.Load(ctx)
	slog.Info("sync enabled", "user", sc.UserID, "policy", policy, "games_loaded", n)
	a.games = mgr
	return nil
}

// onConnectivity runs the reconnect sync outside the request.
func (a *App) onConnectivity(online bool) {
	if !online {
		return
	}
	a.gamesWG.Add(1)
	go func() {
		defer a.gamesWG.Done()
		a.games.HandleConnectivity(context.Background(), true)
	}()
}

// Handler returns the control API handler.
func (a *App) Handler() http.Handler {
	return a.server
}

// Run serves the control API on addr and runs the periodic save and sync
// loops until ctx is cancelled. The recovery loop ends with an unload sweep.
func (a *App) Run(ctx context.Context, addr string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.recovery.Run(gctx)
		return nil
	})
	if a.games != nil {
		g.Go(func() error {
			if a.recovery.NetworkState(gctx) != recovery.NetworkOffline {
				a.games.HandleConnectivity(gctx, true)
			}
			a.games.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("starting server", "address", addr)
		if err := a.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		slog.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

// Shutdown tears components down in dependency order:
// 1. HTTP server, so no new requests arrive.
// 2. Reconnect syncs still in flight.
// 3. Recovery coordinator, writing debounced saves into the cache.
// 4. Cache, flushing throttled writes and closing its tiers.
// 5. Large tier database connection and the session directory.
//
// Shutdown is idempotent. It attempts every step and joins the failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	a.gamesWG.Wait()
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	slog.Info("application shutdown complete")
	return nil
}

func (a *App) closeAll() error {
	var errs []error
	if a.recovery != nil {
		if err := a.recovery.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recovery close: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	errs = append(errs, a.closeStores(cache.Tiers{}))
	return errors.Join(errs...)
}

// closeStores releases tiers never handed to a cache, the large tier
// connection and the session directory.
func (a *App) closeStores(tiers cache.Tiers) error {
	var errs []error
	for _, s := range []cache.StringStore{tiers.Session, tiers.Local} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	if tiers.Large != nil {
		errs = append(errs, tiers.Large.Close())
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		a.storage = nil
	}
	if a.sessionDir != "" {
		if err := os.RemoveAll(a.sessionDir); err != nil {
			errs = append(errs, fmt.Errorf("remove session dir: %w", err))
		}
		a.sessionDir = ""
	}
	return errors.Join(errs...)
}

func (a *App) logStartupInfo(path string) {
	cfg := a.config

	if path != "" {
		slog.Info("config loaded", "path", path)
	}
	if cfg.Server.MasterKey == "" {
		slog.Warn("WIZARD_MASTER_KEY not set, control API is unauthenticated")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}
	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}
	slog.Info("cache configured",
		"namespace", a.cache.Namespace(),
		"session", cfg.Cache.Session.Backend,
		"local", cfg.Cache.Local.Backend,
		"large", cfg.Cache.Large.Enabled,
	)
	if cfg.Cache.Large.Enabled {
		slog.Info("storage configured", "type", cfg.Storage.Type)
	}
	if a.games == nil {
		slog.Info("sync disabled")
	}
}
