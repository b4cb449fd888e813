// Package config provides YAML configuration loading with validation and
// environment variable substitution for the price gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server" json:"server"`
	Metrics         MetricsConfig         `yaml:"metrics" json:"metrics"`
	Logging         LoggingConfig         `yaml:"logging" json:"logging"`
	Redis           RedisConfig           `yaml:"redis" json:"redis"`
	Upstream        UpstreamConfig        `yaml:"upstream" json:"upstream"`
	Batch           BatchConfig           `yaml:"batch" json:"batch"`
	Cache           CacheConfig           `yaml:"cache" json:"cache"`
	CircuitBreaker  CircuitBreakerConfig  `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry           RetryConfig           `yaml:"retry" json:"retry"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit" json:"rate_limit"`
	ClientRateLimit ClientRateLimitConfig `yaml:"client_rate_limit" json:"client_rate_limit"`
	History         HistoryConfig         `yaml:"history" json:"history"`
	Auth            AuthConfig            `yaml:"auth" json:"auth"`
	Admin           AdminConfig           `yaml:"admin" json:"admin"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port             int           `yaml:"port" json:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	RequestTimeoutMs int           `yaml:"request_timeout_ms" json:"request_timeout_ms"`
	TrustedProxies   []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// RequestTimeout returns the per-request deadline. Returns 0 (disabled) when
// RequestTimeoutMs is not set.
func (s ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	Format     string `yaml:"format" json:"format"`             // "json" or "text"; default: "json"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
	Compress   bool   `yaml:"compress" json:"compress"`
}

// RedisConfig selects and configures the cache store.
type RedisConfig struct {
	Driver      string `yaml:"driver" json:"driver"` // "redis" or "memory"; default: "redis"
	Addr        string `yaml:"addr" json:"addr"`
	Password    string `yaml:"password" json:"password"`
	DB          int    `yaml:"db" json:"db"`
	OpTimeoutMs int    `yaml:"op_timeout_ms" json:"op_timeout_ms"`
}

// OpTimeout bounds a single cache operation.
func (r RedisConfig) OpTimeout() time.Duration {
	return time.Duration(r.OpTimeoutMs) * time.Millisecond
}

// UpstreamConfig describes the upstream price source.
type UpstreamConfig struct {
	Name            string        `yaml:"name" json:"name"`
	BaseURL         string        `yaml:"base_url" json:"base_url"`
	APIKey          string        `yaml:"api_key" json:"api_key"`
	TimeoutMs       int           `yaml:"timeout_ms" json:"timeout_ms"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
}

// Timeout returns the per-attempt upstream timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

// BatchConfig holds request coalescing settings.
type BatchConfig struct {
	WindowMs       int `yaml:"window_ms" json:"window_ms"`
	Threshold      int `yaml:"threshold" json:"threshold"`
	FlushTimeoutMs int `yaml:"flush_timeout_ms" json:"flush_timeout_ms"`
}

// Window returns the batch window as a time.Duration.
func (b BatchConfig) Window() time.Duration {
	return time.Duration(b.WindowMs) * time.Millisecond
}

// FlushTimeout bounds one whole flush (rate limit, retries, cache write).
func (b BatchConfig) FlushTimeout() time.Duration {
	return time.Duration(b.FlushTimeoutMs) * time.Millisecond
}

// CacheConfig holds cache-aside settings.
type CacheConfig struct {
	TTLSeconds        int `yaml:"ttl_seconds" json:"ttl_seconds"`
	InvalidateRetries int `yaml:"invalidate_retries" json:"invalidate_retries"`
	InvalidateDelayMs int `yaml:"invalidate_delay_ms" json:"invalidate_delay_ms"`
	HistoryTTLSeconds int `yaml:"history_ttl_seconds" json:"history_ttl_seconds"`
}

// TTL returns the primary price cache TTL.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// HistoryTTL returns the derived history listing cache TTL.
func (c CacheConfig) HistoryTTL() time.Duration {
	return time.Duration(c.HistoryTTLSeconds) * time.Second
}

// CircuitBreakerConfig holds circuit breaker settings for the upstream.
type CircuitBreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeoutMs      int `yaml:"reset_timeout_ms" json:"reset_timeout_ms"`
	HalfOpenMaxAttempts int `yaml:"half_open_max_attempts" json:"half_open_max_attempts"`
}

// ResetTimeout returns the open-state cooldown.
func (c CircuitBreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMs) * time.Millisecond
}

// RetryConfig holds retry-with-backoff settings for upstream calls.
type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries" json:"max_retries"`
	BaseDelayMs int `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms" json:"max_delay_ms"`
}

// BaseDelay returns the first backoff step.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// RateLimitConfig holds the fixed-window budget for upstream calls.
type RateLimitConfig struct {
	MaxPerWindow int `yaml:"max_per_window" json:"max_per_window"`
}

// ClientRateLimitConfig holds the per-client token bucket on the gateway API.
type ClientRateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// HistoryConfig holds price history retention settings.
type HistoryConfig struct {
	MaxRecords int `yaml:"max_records" json:"max_records"`
}

// AuthConfig holds JWT authentication settings.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// Cache store defaults
	if cfg.Redis.Driver == "" {
		cfg.Redis.Driver = "redis"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.OpTimeoutMs == 0 {
		cfg.Redis.OpTimeoutMs = 500
	}

	// Upstream defaults
	if cfg.Upstream.Name == "" {
		cfg.Upstream.Name = "coingecko"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.Upstream.TimeoutMs == 0 {
		cfg.Upstream.TimeoutMs = 5000
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 10
	}
	if cfg.Upstream.IdleConnTimeout == 0 {
		cfg.Upstream.IdleConnTimeout = 90 * time.Second
	}

	// Batch defaults
	if cfg.Batch.WindowMs == 0 {
		cfg.Batch.WindowMs = 5000
	}
	if cfg.Batch.Threshold == 0 {
		cfg.Batch.Threshold = 3
	}
	if cfg.Batch.FlushTimeoutMs == 0 {
		cfg.Batch.FlushTimeoutMs = 30000
	}

	// Cache-aside defaults
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 30
	}
	if cfg.Cache.InvalidateRetries == 0 {
		cfg.Cache.InvalidateRetries = 2
	}
	if cfg.Cache.InvalidateDelayMs == 0 {
		cfg.Cache.InvalidateDelayMs = 50
	}
	if cfg.Cache.HistoryTTLSeconds == 0 {
		cfg.Cache.HistoryTTLSeconds = cfg.Cache.TTLSeconds
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.ResetTimeoutMs == 0 {
		cb.ResetTimeoutMs = 30000
	}
	if cb.HalfOpenMaxAttempts == 0 {
		cb.HalfOpenMaxAttempts = 1
	}

	// Retry defaults
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = 200
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = 5000
	}

	if cfg.RateLimit.MaxPerWindow == 0 {
		cfg.RateLimit.MaxPerWindow = 30
	}

	crl := &cfg.ClientRateLimit
	if crl.RequestsPerSecond == 0 {
		crl.RequestsPerSecond = 100.0 / 60.0
	}
	if crl.BurstSize == 0 {
		crl.BurstSize = 20
	}

	if cfg.History.MaxRecords == 0 {
		cfg.History.MaxRecords = 500
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeoutMs < 0 {
		return fmt.Errorf("server.request_timeout_ms must be non-negative")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.Redis.Driver != "redis" && cfg.Redis.Driver != "memory" {
		return fmt.Errorf("redis.driver must be \"redis\" or \"memory\", got %q", cfg.Redis.Driver)
	}
	if cfg.Redis.OpTimeoutMs < 0 {
		return fmt.Errorf("redis.op_timeout_ms must be non-negative")
	}

	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url: host is required")
	}
	if cfg.Upstream.TimeoutMs < 0 {
		return fmt.Errorf("upstream.timeout_ms must be non-negative")
	}

	if cfg.Batch.WindowMs < 1 {
		return fmt.Errorf("batch.window_ms must be positive")
	}
	if cfg.Batch.Threshold < 1 {
		return fmt.Errorf("batch.threshold must be positive")
	}
	if cfg.Batch.FlushTimeoutMs < 1 {
		return fmt.Errorf("batch.flush_timeout_ms must be positive")
	}

	if cfg.Cache.TTLSeconds < 1 {
		return fmt.Errorf("cache.ttl_seconds must be positive")
	}
	if cfg.Cache.InvalidateRetries < 0 {
		return fmt.Errorf("cache.invalidate_retries must be non-negative")
	}

	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.ResetTimeoutMs < 1 {
		return fmt.Errorf("circuit_breaker.reset_timeout_ms must be positive")
	}
	if cb.HalfOpenMaxAttempts < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max_attempts must be positive")
	}

	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative")
	}
	if cfg.Retry.BaseDelayMs < 0 || cfg.Retry.MaxDelayMs < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}
	if cfg.Retry.MaxDelayMs < cfg.Retry.BaseDelayMs {
		return fmt.Errorf("retry.max_delay_ms must be >= retry.base_delay_ms")
	}

	if cfg.RateLimit.MaxPerWindow < 1 {
		return fmt.Errorf("rate_limit.max_per_window must be positive")
	}
	if cfg.ClientRateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("client_rate_limit.requests_per_second must be positive")
	}
	if cfg.ClientRateLimit.BurstSize <= 0 {
		return fmt.Errorf("client_rate_limit.burst_size must be positive")
	}

	if cfg.History.MaxRecords < 1 {
		return fmt.Errorf("history.max_records must be positive")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if strings.Contains(cfg.Upstream.APIKey, "${") {
		warnings = append(warnings, "upstream.api_key contains unresolved environment variable")
	}
	if cfg.Redis.Driver == "memory" {
		warnings = append(warnings, "redis.driver is memory: cache and rate-limit counters are not shared across instances")
	}
	return warnings
}
