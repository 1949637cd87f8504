// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment
// variables take precedence over the YAML file. A .env file in the working
// directory is also loaded, if present, before anything else.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
//
// The returned Config is immutable: it is built once at startup and threaded
// explicitly through app.New into every subsystem. Nothing mutates it after
// Load returns.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/trackproxy/internal/idhash"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Redis holds the connection URL for the Redis-backed cache, rate
	// limiter, and endpoint registry. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls the host edge cache backend and default TTLs.
	Cache CacheConfig

	// CircuitBreaker controls per-origin-group circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls the fixed-window per-(IP, endpoint group) limiter.
	RateLimit RateLimitConfig

	// Obfuscation controls UUID derivation for the well-known provider endpoints.
	Obfuscation ObfuscationConfig

	// Fetch controls upstream fetch behavior.
	Fetch FetchConfig

	// AllowedOrigins is the CORS allow-list. Empty ⇒ auto-detect from the
	// request's own host.
	AllowedOrigins []string

	// GTMServerURL is the base URL events are forwarded to. Empty disables
	// POST /events (503).
	GTMServerURL string

	// EndpointsAPIToken authorizes GET /endpoints. Empty disables the route (503).
	EndpointsAPIToken string

	// MaxRequestSize caps incoming request bodies (bytes). Default: 1 MiB.
	MaxRequestSize int64

	// ScriptSizeLimit caps scripts eligible for URL extraction (bytes). Default: 10 MiB.
	ScriptSizeLimit int64

	// GTMContainerAliases maps a short alias to a real GTM/GA container ID,
	// e.g. {"shop": "GTM-ABCDEF"} lets a client request ?c=shop instead of
	// exposing the real ID in ?id=.
	GTMContainerAliases map[string]string

	// FullScriptProxyEnabled toggles C5 URL extraction/rewriting. When false,
	// scripts are proxied byte-for-byte.
	FullScriptProxyEnabled bool

	// WorkerBaseURL is the absolute base used to mint /x/{uuid} URLs when
	// there is no inbound request to derive a host from (scheduled refresh).
	WorkerBaseURL string

	// DebugHeadersEnabled adds internal diagnostic response headers.
	DebugHeadersEnabled bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the host edge cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	Mode string

	// TTL is the default time-to-live applied to generic (non-script) cache
	// entries. Default: 1h.
	TTL time.Duration
}

// CircuitBreakerConfig controls per-origin-group circuit breaker settings.
type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls the fixed-window rate limiter.
type RateLimitConfig struct {
	// Requests is the max requests per window. 0 disables rate limiting.
	Requests int
	// Window is the bucket duration.
	Window time.Duration
}

// ObfuscationConfig controls endpoint UUID derivation.
type ObfuscationConfig struct {
	// Secret seeds the rotating UUID derivation. Auto-generated per process
	// if empty, in which case separate instances derive different UUIDs.
	Secret string

	// FacebookUUID and GoogleUUID pin the public path segment for each
	// provider. When empty, the UUID is derived via RotationEnabled logic.
	FacebookUUID string
	GoogleUUID   string

	// RotationEnabled derives a fresh endpoint UUID every RotationInterval
	// instead of using a fixed one.
	RotationEnabled  bool
	RotationInterval time.Duration
}

// FetchConfig controls upstream fetch behavior.
type FetchConfig struct {
	// Timeout is the wall-clock deadline for a single upstream fetch. Default: 10s.
	Timeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("ALLOWED_ORIGINS", []string{})

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("RATE_LIMIT_REQUESTS", 0)
	v.SetDefault("RATE_LIMIT_WINDOW", "60000") // ms, per spec

	v.SetDefault("FETCH_TIMEOUT", "10000") // ms

	v.SetDefault("UUID_ROTATION_ENABLED", false)
	v.SetDefault("UUID_ROTATION_INTERVAL_MS", fmt.Sprintf("%d", 7*24*time.Hour/time.Millisecond))

	v.SetDefault("MAX_REQUEST_SIZE", 1<<20)    // 1 MiB
	v.SetDefault("SCRIPT_SIZE_LIMIT", 10<<20)  // 10 MiB
	v.SetDefault("FULL_SCRIPT_PROXY_ENABLED", true)
	v.SetDefault("DEBUG_HEADERS_ENABLED", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			Requests: v.GetInt("RATE_LIMIT_REQUESTS"),
			Window:   time.Duration(v.GetInt64("RATE_LIMIT_WINDOW")) * time.Millisecond,
		},

		Obfuscation: ObfuscationConfig{
			Secret:           v.GetString("OBFUSCATION_SECRET"),
			FacebookUUID:     v.GetString("OBFUSCATION_FB_UUID"),
			GoogleUUID:       v.GetString("OBFUSCATION_GA_UUID"),
			RotationEnabled:  v.GetBool("UUID_ROTATION_ENABLED"),
			RotationInterval: time.Duration(v.GetInt64("UUID_ROTATION_INTERVAL_MS")) * time.Millisecond,
		},

		Fetch: FetchConfig{
			Timeout: time.Duration(v.GetInt64("FETCH_TIMEOUT")) * time.Millisecond,
		},

		AllowedOrigins:    v.GetStringSlice("ALLOWED_ORIGINS"),
		GTMServerURL:      strings.TrimSuffix(v.GetString("GTM_SERVER_URL"), "/"),
		EndpointsAPIToken: v.GetString("ENDPOINTS_API_TOKEN"),

		MaxRequestSize:  v.GetInt64("MAX_REQUEST_SIZE"),
		ScriptSizeLimit: v.GetInt64("SCRIPT_SIZE_LIMIT"),

		FullScriptProxyEnabled: v.GetBool("FULL_SCRIPT_PROXY_ENABLED"),
		WorkerBaseURL:          strings.TrimSuffix(v.GetString("WORKER_BASE_URL"), "/"),
		DebugHeadersEnabled:    v.GetBool("DEBUG_HEADERS_ENABLED"),
	}

	if aliases := v.GetString("GTM_CONTAINER_ALIASES"); aliases != "" {
		m := make(map[string]string)
		if err := json.Unmarshal([]byte(aliases), &m); err != nil {
			return nil, fmt.Errorf("config: invalid GTM_CONTAINER_ALIASES JSON: %w", err)
		}
		cfg.GTMContainerAliases = m
	}

	// OBFUSCATION_SECRET auto-generates when absent. This only gives
	// byte-identical endpoint UUIDs across a single-instance deployment; a
	// multi-instance fleet must set OBFUSCATION_SECRET explicitly so every
	// worker derives the same rotating UUID (see idhash.DefaultSecret).
	if cfg.Obfuscation.Secret == "" {
		cfg.Obfuscation.Secret = idhash.DefaultSecret()
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("config: FETCH_TIMEOUT must be a positive duration")
	}
	if c.Obfuscation.RotationEnabled && c.Obfuscation.RotationInterval <= 0 {
		return fmt.Errorf("config: UUID_ROTATION_INTERVAL_MS must be positive when UUID_ROTATION_ENABLED=true")
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("config: MAX_REQUEST_SIZE must be positive")
	}
	if c.ScriptSizeLimit <= 0 {
		return fmt.Errorf("config: SCRIPT_SIZE_LIMIT must be positive")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
