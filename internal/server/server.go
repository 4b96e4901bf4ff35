// Package server exposes the offline state core over a local control API:
// cache inspection, lifecycle signals, state checkpoints and game sync.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/cache"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/reconcile"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/recovery"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/snapshot"
)

// Cache is the tiered cache surface the API uses.
type Cache interface {
	Lookup(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value any, opts ...cache.SetOption) error
	Remove(ctx context.Context, key string)
	Clear(ctx context.Context, preserveAuth bool)
	Flush() int
	Stats(ctx context.Context) cache.Stats
	Export(ctx context.Context) (cache.Export, error)
}

// Recovery is the state recovery coordinator surface the API uses.
type Recovery interface {
	HandleEvent(ctx context.Context, ev recovery.Event) (recovery.Report, error)
	NetworkState(ctx context.Context) recovery.NetworkState
	Providers() []string
	CreateSnapshot(ctx context.Context) (*recovery.Snapshot, error)
	RestoreSnapshot(ctx context.Context, snap *recovery.Snapshot) recovery.Report
}

// States holds client submitted states.
type States interface {
	Put(ctx context.Context, name string, state json.RawMessage, opts recovery.SaveOptions) error
	Get(ctx context.Context, name string) (recovery.Recovered, bool)
	Delete(name string)
	Names() []string
}

// Games is the sync manager surface the API uses.
type Games interface {
	UserID() string
	Games() []*snapshot.GameSnapshot
	Game(gameID string) (*snapshot.GameSnapshot, bool)
	RecordMutation(ctx context.Context, gameID string, state map[string]any) (*snapshot.GameSnapshot, error)
	Flush(ctx context.Context) reconcile.FlushResult
	Pull(ctx context.Context) (reconcile.PullResult, error)
	ResolveConflict(ctx context.Context, gameID string, resolution reconcile.Resolution) (*snapshot.GameSnapshot, error)
}

// Deps are the components behind the API. Games may be nil when sync is
// not configured; its routes are then not registered.
type Deps struct {
	Cache    Cache
	Recovery Recovery
	States   States
	Games    Games
	// OnConnectivity is told about online and offline lifecycle events.
	OnConnectivity func(online bool)
}

// Config holds server configuration options.
type Config struct {
	MasterKey string
	// MetricsHandler is served at MetricsEndpoint when set.
	MetricsHandler  http.Handler
	MetricsEndpoint string
	// BodyLimit uses echo size notation (default: 4M).
	BodyLimit string
}

// Server wraps the Echo server.
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// New creates the HTTP server.
func New(deps Deps, cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := &Handler{deps: deps}
	skip := []string{"/health"}

	metricsPath := ""
	if cfg.MetricsHandler != nil {
		metricsPath = "/metrics"
		if cfg.MetricsEndpoint != "" {
			metricsPath = path.Clean("/" + cfg.MetricsEndpoint)
		}
		skip = append(skip, metricsPath)
	}

	bodyLimit := cfg.BodyLimit
	if bodyLimit == "" {
		bodyLimit = "4M"
	}

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "request_id", v.RequestID}
			if v.Error != nil {
				slog.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Debug("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(AuthMiddleware(cfg.MasterKey, skip))

	e.GET("/health", h.Health)
	if metricsPath != "" {
		e.GET(metricsPath, echo.WrapHandler(cfg.MetricsHandler))
	}

	v1 := e.Group("/v1")

	v1.GET("/cache/stats", h.CacheStats)
	v1.GET("/cache/export", h.CacheExport)
	v1.GET("/cache/entries/:key", h.GetEntry)
	v1.PUT("/cache/entries/:key", h.PutEntry)
	v1.DELETE("/cache/entries/:key", h.DeleteEntry)
	v1.POST("/cache/clear", h.ClearCache)
	v1.POST("/cache/flush", h.FlushCache)

	v1.POST("/lifecycle/:event", h.Lifecycle)
	v1.GET("/network", h.Network)

	v1.GET("/state", h.ListStates)
	v1.POST("/state/snapshot", h.CreateSnapshot)
	v1.POST("/state/restore", h.RestoreSnapshot)
	v1.GET("/state/:name", h.GetState)
	v1.PUT("/state/:name", h.PutState)
	v1.DELETE("/state/:name", h.DeleteState)

	if deps.Games != nil {
		v1.GET("/games", h.ListGames)
		v1.GET("/games/:id", h.GetGame)
		v1.PUT("/games/:id", h.MutateGame)
		v1.POST("/games/:id/resolve", h.ResolveConflict)
		v1.POST("/sync/flush", h.SyncFlush)
		v1.POST("/sync/pull", h.SyncPull)
	}

	return &Server{echo: e, handler: h}
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
