package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkrumboe/wizard-tracker-sub006/config"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/reconcile"
)

type noRemote struct{}

func (noRemote) UploadGame(_ context.Context, req reconcile.UploadRequest) (reconcile.UploadResult, error) {
	return reconcile.UploadResult{Version: req.Version}, nil
}

func (noRemote) DownloadGames(context.Context, string) ([]reconcile.RemoteGame, error) {
	return nil, nil
}

func testConfig(t *testing.T, dir string) *config.LoadResult {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{BodyLimit: "1M"},
		Metrics: config.MetricsConfig{Enabled: true, Endpoint: "/metrics"},
		Cache: config.CacheConfig{
			Namespace:          "wizard_",
			MemoryCapacity:     10,
			MinPersistInterval: time.Millisecond,
			Dir:                filepath.Join(dir, "cache"),
			Session:            config.TierConfig{Backend: config.BackendFile},
			Local:              config.TierConfig{Backend: config.BackendFile},
			Large:              config.LargeConfig{Enabled: true, CompressThreshold: 64},
		},
		Storage: config.StorageConfig{
			Type:   "sqlite",
			SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "wizard.db")},
		},
		Recovery: config.RecoveryConfig{DebounceDelay: time.Hour, AutoSaveInterval: time.Hour},
		Sync:     config.SyncConfig{UserID: "u1", ConflictPolicy: "manual", FlushInterval: time.Hour},
	}
	return &config.LoadResult{Config: cfg}
}

func serve(t *testing.T, a *App, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a, err := New(ctx, Config{AppConfig: testConfig(t, dir), Remote: noRemote{}})
	require.NoError(t, err)
	sessionDir := a.sessionDir
	require.DirExists(t, sessionDir)

	rec := serve(t, a, http.MethodPut, "/v1/state/scoreboard", `{"round":7}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = serve(t, a, http.MethodPut, "/v1/games/g1", `{"gameState":{"round":7}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The debounced save is only written by Shutdown.
	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx))
	_, err = os.Stat(sessionDir)
	assert.True(t, os.IsNotExist(err))

	b, err := New(ctx, Config{AppConfig: testConfig(t, dir), Remote: noRemote{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(ctx) })

	rec = serve(t, b, http.MethodGet, "/v1/state/scoreboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"round":7`)
	assert.Contains(t, rec.Body.String(), "saved_at")

	rec = serve(t, b, http.MethodGet, "/v1/games/g1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dirty":true`)
}

func TestMetricsExposed(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Config{AppConfig: testConfig(t, t.TempDir())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(ctx) })

	serve(t, a, http.MethodPut, "/v1/cache/entries/k", `1`)
	rec := serve(t, a, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wizard_cache_tier_operations_total")

	rec = serve(t, a, http.MethodGet, "/v1/games", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownBackendFails(t *testing.T) {
	lr := testConfig(t, t.TempDir())
	lr.Config.Cache.Local.Backend = "tape"
	_, err := New(context.Background(), Config{AppConfig: lr})
	assert.ErrorContains(t, err, "unknown local tier backend")
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, Config{AppConfig: testConfig(t, t.TempDir()), Remote: noRemote{}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, a.Shutdown(context.Background()))
}
