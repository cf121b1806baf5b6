package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig holds top-level HTTP server settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// OAuthConfig mirrors auth.OAuthConfig without importing internal/auth,
// keeping config free of domain package dependencies.
type OAuthConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Algorithm     string `json:"algorithm" yaml:"algorithm"` // HS256 or RS256
	Secret        string `json:"secret" yaml:"secret"`
	PublicKeyFile string `json:"public_key_file" yaml:"public_key_file"`
	Issuer        string `json:"issuer" yaml:"issuer"`
}

// StaticAPIKey represents an API key defined directly in config rather than
// provisioned through the API key store.
type StaticAPIKey struct {
	Name   string   `json:"name" yaml:"name"`
	Key    string   `json:"key" yaml:"key"`
	Tier   string   `json:"tier" yaml:"tier"`
	Scopes []string `json:"scopes" yaml:"scopes"`
}

// APIKeyConfig holds API key authentication settings.
type APIKeyConfig struct {
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	StaticKeys []StaticAPIKey `json:"static_keys" yaml:"static_keys"`
}

// AuthConfig holds settings for the authentication/authorization resolver.
type AuthConfig struct {
	Enabled         bool                `json:"enabled" yaml:"enabled"`
	OAuth           OAuthConfig         `json:"oauth" yaml:"oauth"`
	APIKeys         APIKeyConfig        `json:"api_keys" yaml:"api_keys"`
	PublicPaths     []string            `json:"public_paths" yaml:"public_paths"`
	InternalHeader  string              `json:"internal_header" yaml:"internal_header"`
	InternalSecret  string              `json:"internal_secret" yaml:"internal_secret"`
	RouteScopes     map[string][]string `json:"route_scopes" yaml:"route_scopes"`
}

// WindowConfig is a fixed-window rate limit setting for one category.
type WindowConfig struct {
	Enabled     bool  `json:"enabled" yaml:"enabled"`
	WindowMs    int64 `json:"window_ms" yaml:"window_ms"`
	MaxRequests int   `json:"max_requests" yaml:"max_requests"`
}

// RateLimitConfig holds settings for the sliding/fixed window rate limiter.
type RateLimitConfig struct {
	Enabled        bool            `json:"enabled" yaml:"enabled"`
	Endpoint       WindowConfig    `json:"endpoint" yaml:"endpoint"`
	Custom         WindowConfig    `json:"custom" yaml:"custom"`
	Function       WindowConfig    `json:"function" yaml:"function"`
	IP             WindowConfig    `json:"ip" yaml:"ip"`
	BypassPaths    []string        `json:"bypass_paths" yaml:"bypass_paths"`
	Whitelist      []string        `json:"whitelist" yaml:"whitelist"`
	InstanceCap    int             `json:"instance_cap" yaml:"instance_cap"`
	SweepInterval  time.Duration   `json:"sweep_interval" yaml:"sweep_interval"`
	UseRedis       bool            `json:"use_redis" yaml:"use_redis"`
}

// RetryConfig controls the loader's exponential backoff on transient
// upstream/build failures.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay    time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	JitterFactor float64       `json:"jitter_factor" yaml:"jitter_factor"` // e.g. 0.25 = +/-25%
}

// BreakerConfig mirrors circuitbreaker.Config in plain config form.
type BreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold    int           `json:"success_threshold" yaml:"success_threshold"`
	ResetTimeout        time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
	MaxHalfOpenRequests int           `json:"max_half_open_requests" yaml:"max_half_open_requests"`
}

// LoaderConfig holds settings for the function loader: cache lookups,
// in-flight coalescing, retries, and the circuit breaker it drives.
type LoaderConfig struct {
	CacheTTL            time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	NegativeTTL         time.Duration `json:"negative_ttl" yaml:"negative_ttl"`
	LoadTimeout         time.Duration `json:"load_timeout" yaml:"load_timeout"`
	Retry               RetryConfig   `json:"retry" yaml:"retry"`
	Breaker             BreakerConfig `json:"breaker" yaml:"breaker"`
	GracefulDegradation bool          `json:"graceful_degradation" yaml:"graceful_degradation"`
}

// DedupConfig holds settings for in-flight request deduplication/coalescing.
type DedupConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	TTL     time.Duration `json:"ttl" yaml:"ttl"`
}

// TierConfig holds the fixed execution timeout budget per function kind.
type TierConfig struct {
	CodeTimeout       time.Duration `json:"code_timeout" yaml:"code_timeout"`
	GenerativeTimeout time.Duration `json:"generative_timeout" yaml:"generative_timeout"`
	AgenticTimeout    time.Duration `json:"agentic_timeout" yaml:"agentic_timeout"`
	HumanTimeout      time.Duration `json:"human_timeout" yaml:"human_timeout"`
}

// CacheConfig holds settings for the tiered L1/L2 cache.
type CacheConfig struct {
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	KeyPrefix     string `json:"key_prefix" yaml:"key_prefix"`
	L1Capacity    int    `json:"l1_capacity" yaml:"l1_capacity"`
	UseRedis      bool   `json:"use_redis" yaml:"use_redis"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level" yaml:"level"`
	Format         string `json:"format" yaml:"format"`
	IncludeTraceID bool   `json:"include_trace_id" yaml:"include_trace_id"`
}

// ObservabilityConfig aggregates tracing, metrics, and logging settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Loader        LoaderConfig        `json:"loader" yaml:"loader"`
	Dedup         DedupConfig         `json:"dedup" yaml:"dedup"`
	Tiers         TierConfig          `json:"tiers" yaml:"tiers"`
	Cache         CacheConfig         `json:"cache" yaml:"cache"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults matching spec budgets.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
		Auth: AuthConfig{
			Enabled: false,
			OAuth: OAuthConfig{
				Enabled:   false,
				Algorithm: "HS256",
			},
			APIKeys: APIKeyConfig{
				Enabled: false,
			},
			PublicPaths: []string{
				"/health",
				"/health/live",
				"/health/ready",
			},
			InternalHeader: "X-Internal-Secret",
			RouteScopes:    make(map[string][]string),
		},
		RateLimit: RateLimitConfig{
			Enabled:       false,
			Endpoint:      WindowConfig{Enabled: true, WindowMs: 1_000, MaxRequests: 50},
			Custom:        WindowConfig{Enabled: false, WindowMs: 60_000, MaxRequests: 1000},
			Function:      WindowConfig{Enabled: true, WindowMs: 1_000, MaxRequests: 20},
			IP:            WindowConfig{Enabled: true, WindowMs: 60_000, MaxRequests: 300},
			InstanceCap:   10_000,
			SweepInterval: 5 * time.Minute,
		},
		Loader: LoaderConfig{
			CacheTTL:    5 * time.Minute,
			NegativeTTL: 10 * time.Second,
			LoadTimeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				BaseDelay:    100 * time.Millisecond,
				MaxDelay:     2 * time.Second,
				JitterFactor: 0.25,
			},
			Breaker: BreakerConfig{
				FailureThreshold:    5,
				SuccessThreshold:    2,
				ResetTimeout:        30 * time.Second,
				MaxHalfOpenRequests: 1,
			},
		},
		Dedup: DedupConfig{
			Enabled: true,
			TTL:     30 * time.Second,
		},
		Tiers: TierConfig{
			CodeTimeout:       5 * time.Second,
			GenerativeTimeout: 30 * time.Second,
			AgenticTimeout:    5 * time.Minute,
			HumanTimeout:      24 * time.Hour,
		},
		Cache: CacheConfig{
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "gateway:cache:",
			L1Capacity: 10_000,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "gateway",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "gateway",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, detected by
// extension, applied on top of DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	// Auth overrides
	if v := os.Getenv("GATEWAY_AUTH_ENABLED"); v != "" {
		cfg.Auth.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_AUTH_OAUTH_ENABLED"); v != "" {
		cfg.Auth.OAuth.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_AUTH_OAUTH_SECRET"); v != "" {
		cfg.Auth.OAuth.Secret = v
		cfg.Auth.OAuth.Enabled = true
	}
	if v := os.Getenv("GATEWAY_AUTH_OAUTH_ALGORITHM"); v != "" {
		cfg.Auth.OAuth.Algorithm = v
	}
	if v := os.Getenv("GATEWAY_AUTH_OAUTH_PUBLIC_KEY_FILE"); v != "" {
		cfg.Auth.OAuth.PublicKeyFile = v
	}
	if v := os.Getenv("GATEWAY_AUTH_OAUTH_ISSUER"); v != "" {
		cfg.Auth.OAuth.Issuer = v
	}
	if v := os.Getenv("GATEWAY_AUTH_APIKEYS_ENABLED"); v != "" {
		cfg.Auth.APIKeys.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_AUTH_INTERNAL_SECRET"); v != "" {
		cfg.Auth.InternalSecret = v
	}

	// Rate limit overrides
	if v := os.Getenv("GATEWAY_RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_RATELIMIT_USE_REDIS"); v != "" {
		cfg.RateLimit.UseRedis = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_RATELIMIT_IP_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.IP.MaxRequests = n
		}
	}
	if v := os.Getenv("GATEWAY_RATELIMIT_IP_WINDOW_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RateLimit.IP.WindowMs = n
		}
	}

	// Loader overrides
	if v := os.Getenv("GATEWAY_LOADER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Loader.CacheTTL = d
		}
	}
	if v := os.Getenv("GATEWAY_LOADER_LOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Loader.LoadTimeout = d
		}
	}
	if v := os.Getenv("GATEWAY_LOADER_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Loader.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("GATEWAY_LOADER_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Loader.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("GATEWAY_LOADER_BREAKER_RESET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Loader.Breaker.ResetTimeout = d
		}
	}

	// Dedup overrides
	if v := os.Getenv("GATEWAY_DEDUP_ENABLED"); v != "" {
		cfg.Dedup.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_DEDUP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dedup.TTL = d
		}
	}

	// Tier timeout overrides
	if v := os.Getenv("GATEWAY_TIER_CODE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tiers.CodeTimeout = d
		}
	}
	if v := os.Getenv("GATEWAY_TIER_GENERATIVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tiers.GenerativeTimeout = d
		}
	}
	if v := os.Getenv("GATEWAY_TIER_AGENTIC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tiers.AgenticTimeout = d
		}
	}
	if v := os.Getenv("GATEWAY_TIER_HUMAN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tiers.HumanTimeout = d
		}
	}

	// Cache overrides
	if v := os.Getenv("GATEWAY_CACHE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
		cfg.Cache.UseRedis = true
	}
	if v := os.Getenv("GATEWAY_CACHE_USE_REDIS"); v != "" {
		cfg.Cache.UseRedis = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_CACHE_L1_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.L1Capacity = n
		}
	}

	// Observability overrides
	if v := os.Getenv("GATEWAY_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("GATEWAY_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("GATEWAY_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("GATEWAY_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("GATEWAY_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("GATEWAY_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("GATEWAY_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
