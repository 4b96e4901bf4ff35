package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{"no placeholders", "wizard_", nil, "wizard_"},
		{"simple", "${SYNC_TOKEN}", map[string]string{"SYNC_TOKEN": "tok"}, "tok"},
		{"embedded", "redis://${REDIS_HOST}:6379/0", map[string]string{"REDIS_HOST": "cache"}, "redis://cache:6379/0"},
		{"default used when unset", "${CACHE_DIR:-/var/lib/wizard}", nil, "/var/lib/wizard"},
		{"default used when empty", "${CACHE_DIR:-/var/lib/wizard}", map[string]string{"CACHE_DIR": ""}, "/var/lib/wizard"},
		{"value beats default", "${CACHE_DIR:-/var/lib/wizard}", map[string]string{"CACHE_DIR": "/tmp/c"}, "/tmp/c"},
		{"default with colons", "${SYNC_BASE_URL:-http://localhost:3000}/api", nil, "http://localhost:3000/api"},
		{"empty default", "${WIZARD_MASTER_KEY:-}", nil, ""},
		{"unresolved kept", "${MISSING_VAR}", nil, "${MISSING_VAR}"},
		{"empty without default kept", "${EMPTY_VAR}", map[string]string{"EMPTY_VAR": ""}, "${EMPTY_VAR}"},
		{"mixed", "${A}-${B:-b}-${C}", map[string]string{"A": "a"}, "a-b-${C}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"SYNC_TOKEN", "REDIS_HOST", "CACHE_DIR", "SYNC_BASE_URL", "WIZARD_MASTER_KEY", "MISSING_VAR", "EMPTY_VAR", "A", "B", "C"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, expandString(tt.input))
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "server",
			env:  map[string]string{"PORT": "3000", "WIZARD_MASTER_KEY": "secret"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "3000", cfg.Server.Port)
				assert.Equal(t, "secret", cfg.Server.MasterKey)
			},
		},
		{
			name: "cache tiers",
			env: map[string]string{
				"CACHE_NAMESPACE":            "test_",
				"CACHE_MEMORY_CAPACITY":      "10",
				"CACHE_MIN_PERSIST_INTERVAL": "250ms",
				"CACHE_LOCAL_BACKEND":        "redis",
				"CACHE_LOCAL_QUOTA":          "1024",
				"REDIS_URL":                  "redis://localhost:6379",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "test_", cfg.Cache.Namespace)
				assert.Equal(t, 10, cfg.Cache.MemoryCapacity)
				assert.Equal(t, 250*time.Millisecond, cfg.Cache.MinPersistInterval)
				assert.Equal(t, BackendRedis, cfg.Cache.Local.Backend)
				assert.Equal(t, int64(1024), cfg.Cache.Local.Quota)
				assert.Equal(t, "redis://localhost:6379", cfg.Cache.Redis.URL)
			},
		},
		{
			name: "storage",
			env:  map[string]string{"STORAGE_TYPE": "postgresql", "POSTGRES_URL": "postgres://localhost/test", "POSTGRES_MAX_CONNS": "20"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgresql", cfg.Storage.Type)
				assert.Equal(t, "postgres://localhost/test", cfg.Storage.PostgreSQL.URL)
				assert.Equal(t, 20, cfg.Storage.PostgreSQL.MaxConns)
			},
		},
		{
			name: "durations accept plain seconds",
			env:  map[string]string{"RECOVERY_DEBOUNCE_DELAY": "5", "SYNC_FLUSH_INTERVAL": "1m"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5*time.Second, cfg.Recovery.DebounceDelay)
				assert.Equal(t, time.Minute, cfg.Sync.FlushInterval)
			},
		},
		{
			name: "bools",
			env:  map[string]string{"METRICS_ENABLED": "true", "SYNC_ENABLED": "1", "CACHE_LARGE_ENABLED": "false"},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Metrics.Enabled)
				assert.True(t, cfg.Sync.Enabled)
				assert.False(t, cfg.Cache.Large.Enabled)
			},
		},
		{
			name: "nothing set keeps defaults",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "8080", cfg.Server.Port)
				assert.Equal(t, 50, cfg.Cache.MemoryCapacity)
				assert.Equal(t, "wizard_", cfg.Cache.Namespace)
				assert.Equal(t, 3*time.Second, cfg.Recovery.DebounceDelay)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverridesReportsBadValues(t *testing.T) {
	t.Setenv("CACHE_MEMORY_CAPACITY", "lots")
	t.Setenv("SYNC_FLUSH_INTERVAL", "often")

	err := applyEnvOverrides(buildDefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHE_MEMORY_CAPACITY")
	assert.Contains(t, err.Error(), "SYNC_FLUSH_INTERVAL")
}
