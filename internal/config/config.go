// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers),
// a .env file, and an optional config.yaml in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example RATE_LIMIT_QPM becomes
// rate_limit_qpm in YAML.
//
// Provider API keys are not part of Config. They are resolved per request
// through the secrets cache, by the names in OPENAI_SECRET_NAME and
// ANTHROPIC_SECRET_NAME.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Backend and sink names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	SecretsEnv   = "env"
	SecretsStore = "store"

	SinkLog        = "log"
	SinkBlob       = "blob"
	SinkSQLite     = "sqlite"
	SinkPostgres   = "postgres"
	SinkClickHouse = "clickhouse"
)

// AuditSinks lists every supported audit sink.
var AuditSinks = []string{SinkLog, SinkBlob, SinkSQLite, SinkPostgres, SinkClickHouse}

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string

	OpenAI    ProviderConfig
	Anthropic ProviderConfig

	// UpstreamTimeout is the HTTP client timeout of each provider. Default: 10m.
	UpstreamTimeout time.Duration

	// RequestTimeout bounds one upstream call including the whole stream.
	// Default: 5m.
	RequestTimeout time.Duration

	// SecretsBackend selects where provider keys come from: "env" or "store".
	SecretsBackend string

	// SecretValues holds provider keys found in .env or config.yaml, keyed by
	// secret name. The process environment is consulted after these.
	SecretValues map[string]string

	// StoreMode selects the blob store: "memory" or "redis".
	StoreMode string

	Redis          RedisConfig
	RateLimit      RateLimitConfig
	ModelMap       ModelMapConfig
	CircuitBreaker CircuitBreakerConfig
	Audit          AuditConfig

	// RolePolicyFile is an optional YAML role policy replacing the built-in table.
	RolePolicyFile string

	// AllowOrigins is the CORS origin list. Default: https://app.cursor.sh.
	AllowOrigins []string

	// MaskPII scrubs emails, phone numbers and long digit runs from audit
	// records. Default: true.
	MaskPII bool
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// SecretName is the credential name looked up in the secrets cache.
	SecretName string

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls per-identity request-rate limiting.
type RateLimitConfig struct {
	// QPM is the per-identity limit per minute. 0 admits everything.
	// Default: 60.
	QPM int

	// Backend is "memory" (per replica) or "redis" (shared). Default: memory.
	Backend string
}

// ModelMapConfig says where the role to model map comes from.
type ModelMapConfig struct {
	// File is a local JSON or YAML map. When empty the map is read from
	// the blob store under Key.
	File string

	// Key is the blob store key. Default: config/model_map.json.
	Key string

	// TTL bounds how stale a served map can be. Default: 60s.
	TTL time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trip
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the window over which failures are counted. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before one probe
	// request is let through. Default: 30s.
	HalfOpenTimeout time.Duration
}

// AuditConfig controls where audit records go.
type AuditConfig struct {
	// Sinks are the enabled sinks, any of log, blob, sqlite, postgres,
	// clickhouse. Default: log.
	Sinks []string

	SQLitePath    string
	PostgresDSN   string
	ClickHouseDSN string

	// ExcludeModels are model names, or /regex/ patterns, whose requests
	// are kept out of the durable sinks.
	ExcludeModels []string

	// Workers is the number of background delivery workers. Default: 4.
	Workers int

	// Timeout bounds delivery of one record to all sinks. Default: 10s.
	Timeout time.Duration
}

// HasSink reports whether name is among the enabled audit sinks.
func (a AuditConfig) HasSink(name string) bool {
	return slices.Contains(a.Sinks, name)
}

// Load reads configuration from the environment, a .env file and a YAML
// config file. An empty path looks for config.yaml in the working directory
// and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		_ = v.ReadInConfig()
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("OPENAI_SECRET_NAME", "OPENAI_API_KEY")
	v.SetDefault("ANTHROPIC_SECRET_NAME", "ANTHROPIC_API_KEY")
	v.SetDefault("SECRETS_BACKEND", SecretsEnv)
	v.SetDefault("UPSTREAM_TIMEOUT", "10m")
	v.SetDefault("REQUEST_TIMEOUT", "5m")

	v.SetDefault("STORE_MODE", BackendMemory)
	v.SetDefault("RATE_LIMIT_QPM", 60)
	v.SetDefault("RATE_LIMIT_BACKEND", BackendMemory)

	v.SetDefault("MODEL_MAP_KEY", "config/model_map.json")
	v.SetDefault("MODEL_MAP_TTL", "60s")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("ALLOW_ORIGINS", "https://app.cursor.sh")
	v.SetDefault("LOG_MASK_PII", true)

	v.SetDefault("AUDIT_SINKS", SinkLog)
	v.SetDefault("AUDIT_WORKERS", 4)
	v.SetDefault("AUDIT_TIMEOUT", "10s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI: ProviderConfig{
			SecretName: v.GetString("OPENAI_SECRET_NAME"),
			BaseURL:    v.GetString("OPENAI_BASE_URL"),
		},
		Anthropic: ProviderConfig{
			SecretName: v.GetString("ANTHROPIC_SECRET_NAME"),
			BaseURL:    v.GetString("ANTHROPIC_BASE_URL"),
		},
		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		RequestTimeout:  v.GetDuration("REQUEST_TIMEOUT"),

		SecretsBackend: strings.ToLower(v.GetString("SECRETS_BACKEND")),
		StoreMode:      strings.ToLower(v.GetString("STORE_MODE")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			QPM:     v.GetInt("RATE_LIMIT_QPM"),
			Backend: strings.ToLower(v.GetString("RATE_LIMIT_BACKEND")),
		},

		ModelMap: ModelMapConfig{
			File: v.GetString("MODEL_MAP_FILE"),
			Key:  v.GetString("MODEL_MAP_KEY"),
			TTL:  v.GetDuration("MODEL_MAP_TTL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Audit: AuditConfig{
			Sinks:         lowerAll(list(v, "AUDIT_SINKS")),
			SQLitePath:    v.GetString("AUDIT_SQLITE_PATH"),
			PostgresDSN:   v.GetString("AUDIT_POSTGRES_DSN"),
			ClickHouseDSN: v.GetString("AUDIT_CLICKHOUSE_DSN"),
			ExcludeModels: list(v, "AUDIT_EXCLUDE_MODELS"),
			Workers:       v.GetInt("AUDIT_WORKERS"),
			Timeout:       v.GetDuration("AUDIT_TIMEOUT"),
		},

		RolePolicyFile: v.GetString("ROLE_POLICY_FILE"),
		AllowOrigins:   list(v, "ALLOW_ORIGINS"),
		MaskPII:        v.GetBool("LOG_MASK_PII"),
	}

	cfg.SecretValues = make(map[string]string, 2)
	for _, name := range []string{cfg.OpenAI.SecretName, cfg.Anthropic.SecretName} {
		if val := v.GetString(name); name != "" && val != "" {
			cfg.SecretValues[name] = val
		}
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.StoreMode {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: memory, redis", c.StoreMode)
	}

	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: invalid RATE_LIMIT_BACKEND %q; must be one of: memory, redis", c.RateLimit.Backend)
	}

	if c.NeedsRedis() && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: invalid redis settings: REDIS_URL is required when STORE_MODE=redis or RATE_LIMIT_BACKEND=redis",
		)
	}

	if c.RateLimit.QPM < 0 {
		return fmt.Errorf("config: invalid RATE_LIMIT_QPM %d; must be ≥ 0", c.RateLimit.QPM)
	}

	switch c.SecretsBackend {
	case SecretsEnv, SecretsStore:
	default:
		return fmt.Errorf("config: invalid SECRETS_BACKEND %q; must be one of: env, store", c.SecretsBackend)
	}
	if c.OpenAI.SecretName == "" || c.Anthropic.SecretName == "" {
		return fmt.Errorf("config: invalid secret names: OPENAI_SECRET_NAME and ANTHROPIC_SECRET_NAME must not be empty")
	}

	if c.ModelMap.File == "" {
		if c.StoreMode == BackendMemory {
			return fmt.Errorf("config: invalid model map source: MODEL_MAP_FILE is required when STORE_MODE=memory")
		}
		if c.ModelMap.Key == "" {
			return fmt.Errorf("config: invalid model map source: MODEL_MAP_KEY must not be empty")
		}
	}
	if c.ModelMap.TTL <= 0 {
		return fmt.Errorf("config: invalid MODEL_MAP_TTL; must be a positive duration")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: invalid UPSTREAM_TIMEOUT; must be a positive duration")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: invalid REQUEST_TIMEOUT; must be a positive duration")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: invalid CB_ERROR_THRESHOLD %d; must be ≥ 1", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: invalid CB_TIME_WINDOW; must be a positive duration")
	}
	if c.CircuitBreaker.HalfOpenTimeout <= 0 {
		return fmt.Errorf("config: invalid CB_HALF_OPEN_TIMEOUT; must be a positive duration")
	}

	return c.Audit.validate()
}

func (a AuditConfig) validate() error {
	for _, s := range a.Sinks {
		if !slices.Contains(AuditSinks, s) {
			return fmt.Errorf("config: invalid AUDIT_SINKS entry %q; must be among: %s", s, strings.Join(AuditSinks, ", "))
		}
	}
	if a.HasSink(SinkSQLite) && a.SQLitePath == "" {
		return fmt.Errorf("config: invalid audit settings: AUDIT_SQLITE_PATH is required for the sqlite sink")
	}
	if a.HasSink(SinkPostgres) && a.PostgresDSN == "" {
		return fmt.Errorf("config: invalid audit settings: AUDIT_POSTGRES_DSN is required for the postgres sink")
	}
	if a.HasSink(SinkClickHouse) && a.ClickHouseDSN == "" {
		return fmt.Errorf("config: invalid audit settings: AUDIT_CLICKHOUSE_DSN is required for the clickhouse sink")
	}
	if a.Workers < 1 {
		return fmt.Errorf("config: invalid AUDIT_WORKERS %d; must be ≥ 1", a.Workers)
	}
	if a.Timeout <= 0 {
		return fmt.Errorf("config: invalid AUDIT_TIMEOUT; must be a positive duration")
	}
	return nil
}

// NeedsRedis reports whether any component is backed by Redis.
func (c *Config) NeedsRedis() bool {
	return c.StoreMode == BackendRedis || c.RateLimit.Backend == BackendRedis
}

// SecretNames maps provider names to the secret holding their key.
func (c *Config) SecretNames() map[string]string {
	return map[string]string{
		"openai":    c.OpenAI.SecretName,
		"anthropic": c.Anthropic.SecretName,
	}
}

// list reads a comma-separated env value or a YAML sequence.
func list(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case string:
		raw = strings.Split(val, ",")
	case nil:
		return nil
	default:
		raw = v.GetStringSlice(key)
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func lowerAll(in []string) []string {
	for i, s := range in {
		in[i] = strings.ToLower(s)
	}
	return in
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
