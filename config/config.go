// Package config loads the wizard-tracker process configuration.
//
// Values are layered: built-in defaults, then an optional YAML file whose
// ${VAR} and ${VAR:-default} placeholders are expanded from the environment,
// then environment variable overrides. A .env file in the working directory
// is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tier backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LogConfig      `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	HTTP     HTTPConfig     `yaml:"http"`
	Cache    CacheConfig    `yaml:"cache"`
	Storage  StorageConfig  `yaml:"storage"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Sync     SyncConfig     `yaml:"sync"`
}

// ServerConfig holds the control API settings.
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey protects every route except health and metrics when set.
	MasterKey string `yaml:"master_key"`
	// BodyLimit caps request bodies, in echo's size notation (e.g. "4M").
	BodyLimit string `yaml:"body_limit"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// HTTPConfig holds outbound HTTP timeouts in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// CacheConfig holds tiered cache settings.
type CacheConfig struct {
	Namespace          string        `yaml:"namespace"`
	MemoryCapacity     int           `yaml:"memory_capacity"`
	MinPersistInterval time.Duration `yaml:"min_persist_interval"`
	// Dir is the root for file backed tiers.
	Dir     string      `yaml:"dir"`
	Session TierConfig  `yaml:"session"`
	Local   TierConfig  `yaml:"local"`
	Large   LargeConfig `yaml:"large"`
	Redis   RedisConfig `yaml:"redis"`
}

// TierConfig selects and sizes a string tier.
type TierConfig struct {
	// Backend is none, memory, file or redis.
	Backend string `yaml:"backend"`
	// Quota is the byte budget; zero is unlimited.
	Quota int64 `yaml:"quota"`
	// TTL expires Redis keys not rewritten in time.
	TTL time.Duration `yaml:"ttl"`
}

// LargeConfig holds settings of the database backed tier.
type LargeConfig struct {
	Enabled bool `yaml:"enabled"`
	// CompressThreshold is the payload size from which records are
	// brotli compressed. Negative disables compression.
	CompressThreshold int `yaml:"compress_threshold"`
}

// RedisConfig holds the Redis connection shared by redis tiers.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// StorageConfig holds the database behind the large tier.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// RecoveryConfig holds state recovery settings.
type RecoveryConfig struct {
	DebounceDelay    time.Duration `yaml:"debounce_delay"`
	AutoSaveInterval time.Duration `yaml:"auto_save_interval"`
}

// SyncConfig holds sync server settings. Sync is off without a base URL.
type SyncConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	UserID            string        `yaml:"user_id"`
	ConflictPolicy    string        `yaml:"conflict_policy"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// LoadResult is the loaded configuration and where it came from.
type LoadResult struct {
	Config *Config
	// Path is the YAML file that was read, empty when none was found.
	Path string
}

// DefaultPaths are searched in order when CONFIG_PATH is not set.
var DefaultPaths = []string{"config/config.yaml", "config.yaml"}

// Load builds the configuration from defaults, the YAML file, .env and the
// environment.
func Load() (*LoadResult, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := buildDefaultConfig()
	path, err := readYAML(cfg)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, Path: path}, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8080",
			BodyLimit: "4M",
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		HTTP: HTTPConfig{
			Timeout:               30,
			ResponseHeaderTimeout: 15,
		},
		Cache: CacheConfig{
			Namespace:          "wizard_",
			MemoryCapacity:     50,
			MinPersistInterval: time.Second,
			Dir:                "data/cache",
			Session:            TierConfig{Backend: BackendMemory, Quota: 5 << 20},
			Local:              TierConfig{Backend: BackendFile, Quota: 5 << 20},
			Large:              LargeConfig{Enabled: true, CompressThreshold: 1024},
			Redis:              RedisConfig{Prefix: "wizardtracker:"},
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/wizardtracker.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "wizardtracker"},
		},
		Recovery: RecoveryConfig{
			DebounceDelay:    3 * time.Second,
			AutoSaveInterval: 30 * time.Second,
		},
		Sync: SyncConfig{
			ConflictPolicy: "manual",
			FlushInterval:  30 * time.Second,
			MaxRetries:     3,
		},
	}
}

func readYAML(cfg *Config) (string, error) {
	paths := DefaultPaths
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		paths = []string{p}
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) && os.Getenv("CONFIG_PATH") == "" {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read config %s: %w", p, err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return "", fmt.Errorf("parse config %s: %w", p, err)
		}
		return p, nil
	}
	return "", nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} with the value of VAR and ${VAR:-default}
// with the value of VAR or default when VAR is unset or empty. Placeholders
// without a default whose variable is unset or empty are left as they are.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return m
	})
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	bytes := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PORT", &cfg.Server.Port)
	str("WIZARD_MASTER_KEY", &cfg.Server.MasterKey)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)
	num("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	num("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	str("CACHE_NAMESPACE", &cfg.Cache.Namespace)
	num("CACHE_MEMORY_CAPACITY", &cfg.Cache.MemoryCapacity)
	dur("CACHE_MIN_PERSIST_INTERVAL", &cfg.Cache.MinPersistInterval)
	str("CACHE_DIR", &cfg.Cache.Dir)
	str("CACHE_SESSION_BACKEND", &cfg.Cache.Session.Backend)
	bytes("CACHE_SESSION_QUOTA", &cfg.Cache.Session.Quota)
	str("CACHE_LOCAL_BACKEND", &cfg.Cache.Local.Backend)
	bytes("CACHE_LOCAL_QUOTA", &cfg.Cache.Local.Quota)
	flag("CACHE_LARGE_ENABLED", &cfg.Cache.Large.Enabled)
	num("CACHE_COMPRESS_THRESHOLD", &cfg.Cache.Large.CompressThreshold)
	str("REDIS_URL", &cfg.Cache.Redis.URL)
	str("REDIS_PREFIX", &cfg.Cache.Redis.Prefix)

	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	str("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	num("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	str("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	str("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	dur("RECOVERY_DEBOUNCE_DELAY", &cfg.Recovery.DebounceDelay)
	dur("RECOVERY_AUTOSAVE_INTERVAL", &cfg.Recovery.AutoSaveInterval)

	flag("SYNC_ENABLED", &cfg.Sync.Enabled)
	str("SYNC_BASE_URL", &cfg.Sync.BaseURL)
	str("SYNC_TOKEN", &cfg.Sync.Token)
	str("SYNC_USER_ID", &cfg.Sync.UserID)
	str("SYNC_CONFLICT_POLICY", &cfg.Sync.ConflictPolicy)
	dur("SYNC_FLUSH_INTERVAL", &cfg.Sync.FlushInterval)
	num("SYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)

	return errors.Join(errs...)
}

// parseDuration accepts integer seconds or Go duration syntax.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks values that cannot be defaulted later.
func (c *Config) Validate() error {
	var errs []error
	for name, t := range map[string]TierConfig{"session": c.Cache.Session, "local": c.Cache.Local} {
		switch t.Backend {
		case BackendNone, BackendMemory, BackendFile:
		case BackendRedis:
			if c.Cache.Redis.URL == "" {
				errs = append(errs, fmt.Errorf("cache.%s: redis backend needs cache.redis.url", name))
			}
		default:
			errs = append(errs, fmt.Errorf("cache.%s: unknown backend %q", name, t.Backend))
		}
	}
	if c.Cache.MemoryCapacity < 0 {
		errs = append(errs, fmt.Errorf("cache.memory_capacity must not be negative"))
	}
	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb":
	default:
		errs = append(errs, fmt.Errorf("storage.type: unknown type %q", c.Storage.Type))
	}
	if c.Sync.Enabled {
		if c.Sync.BaseURL == "" {
			errs = append(errs, fmt.Errorf("sync.base_url is required when sync is enabled"))
		}
		if c.Sync.UserID == "" {
			errs = append(errs, fmt.Errorf("sync.user_id is required when sync is enabled"))
		}
	}
	return errors.Join(errs...)
}
