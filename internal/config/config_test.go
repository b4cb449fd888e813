package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
auth:
  enabled: false
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Batch.Window() != 5*time.Second {
		t.Errorf("expected default batch window 5s, got %v", cfg.Batch.Window())
	}
	if cfg.Batch.Threshold != 3 {
		t.Errorf("expected default threshold 3, got %d", cfg.Batch.Threshold)
	}
	if cfg.Cache.TTL() != 30*time.Second {
		t.Errorf("expected default ttl 30s, got %v", cfg.Cache.TTL())
	}
	if cfg.Cache.HistoryTTL() != cfg.Cache.TTL() {
		t.Errorf("expected history ttl to follow ttl, got %v", cfg.Cache.HistoryTTL())
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.ResetTimeout() != 30*time.Second {
		t.Errorf("expected default reset timeout 30s, got %v", cfg.CircuitBreaker.ResetTimeout())
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BaseDelay() != 200*time.Millisecond || cfg.Retry.MaxDelay() != 5*time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.RateLimit.MaxPerWindow != 30 {
		t.Errorf("expected default max_per_window 30, got %d", cfg.RateLimit.MaxPerWindow)
	}
	if cfg.Upstream.BaseURL != "https://api.coingecko.com/api/v3" {
		t.Errorf("unexpected default base url %q", cfg.Upstream.BaseURL)
	}
	if cfg.Redis.Driver != "redis" || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("unexpected redis defaults: %+v", cfg.Redis)
	}
	if cfg.History.MaxRecords != 500 {
		t.Errorf("expected default history max 500, got %d", cfg.History.MaxRecords)
	}
	if !cfg.Metrics.IsEnabled() || cfg.Metrics.Path != "/metrics" {
		t.Errorf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
}

func TestLoadFromBytes_FullConfig(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 20s
  shutdown_timeout: 5s
  request_timeout_ms: 45000
  trusted_proxies: ["10.0.0.0/8"]
redis:
  driver: redis
  addr: "redis:6379"
  db: 2
  op_timeout_ms: 250
upstream:
  base_url: "http://fakegecko:9000/api/v3"
  api_key: "demo-key"
  timeout_ms: 2000
batch:
  window_ms: 100
  threshold: 5
  flush_timeout_ms: 10000
cache:
  ttl_seconds: 60
  history_ttl_seconds: 10
circuit_breaker:
  failure_threshold: 2
  reset_timeout_ms: 1000
  half_open_max_attempts: 3
retry:
  max_retries: 2
  base_delay_ms: 50
  max_delay_ms: 400
rate_limit:
  max_per_window: 10
client_rate_limit:
  enabled: true
  requests_per_second: 5
  burst_size: 10
auth:
  enabled: true
  jwt_secret: "test-secret"
  issuer: "test-issuer"
  audience: "test-audience"
  scopes: ["prices:read"]
admin:
  enabled: true
  ip_allowlist: ["127.0.0.1/32"]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read timeout 10s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.RequestTimeout() != 45*time.Second {
		t.Errorf("expected request timeout 45s, got %v", cfg.Server.RequestTimeout())
	}
	if cfg.Redis.OpTimeout() != 250*time.Millisecond || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Upstream.Timeout() != 2*time.Second || cfg.Upstream.APIKey != "demo-key" {
		t.Errorf("unexpected upstream config: %+v", cfg.Upstream)
	}
	if cfg.Batch.Window() != 100*time.Millisecond || cfg.Batch.Threshold != 5 {
		t.Errorf("unexpected batch config: %+v", cfg.Batch)
	}
	if cfg.Batch.FlushTimeout() != 10*time.Second {
		t.Errorf("expected flush timeout 10s, got %v", cfg.Batch.FlushTimeout())
	}
	if cfg.Cache.HistoryTTL() != 10*time.Second {
		t.Errorf("expected history ttl 10s, got %v", cfg.Cache.HistoryTTL())
	}
	if cfg.CircuitBreaker.HalfOpenMaxAttempts != 3 {
		t.Errorf("expected 3 half-open attempts, got %d", cfg.CircuitBreaker.HalfOpenMaxAttempts)
	}
	if cfg.Retry.MaxRetries != 2 {
		t.Errorf("expected 2 retries, got %d", cfg.Retry.MaxRetries)
	}
	if !cfg.ClientRateLimit.Enabled || cfg.ClientRateLimit.BurstSize != 10 {
		t.Errorf("unexpected client rate limit: %+v", cfg.ClientRateLimit)
	}
	if len(cfg.Auth.Scopes) != 1 || cfg.Auth.Scopes[0] != "prices:read" {
		t.Errorf("unexpected scopes: %v", cfg.Auth.Scopes)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", cfg.Warnings)
	}
}

func TestServerConfig_RequestTimeoutDisabled(t *testing.T) {
	var s ServerConfig
	if got := s.RequestTimeout(); got != 0 {
		t.Errorf("expected disabled request timeout, got %v", got)
	}
}

func TestLoadFromBytes_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_COINGECKO_KEY", "env-key-value")

	cfg, err := LoadFromBytes([]byte(`
upstream:
  api_key: "${TEST_COINGECKO_KEY}"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Upstream.APIKey != "env-key-value" {
		t.Errorf("expected env var expansion, got %q", cfg.Upstream.APIKey)
	}
}

func TestLoadFromBytes_UnresolvedEnvVarWarning(t *testing.T) {
	os.Unsetenv("NONEXISTENT_SECRET")

	cfg, err := LoadFromBytes([]byte(`
auth:
  enabled: true
  jwt_secret: "${NONEXISTENT_SECRET}"
  issuer: "iss"
  audience: "aud"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "unresolved environment variable") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected warning about unresolved environment variable")
	}
}

func TestLoadFromBytes_MemoryDriverWarning(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
redis:
  driver: memory
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "memory") {
		t.Errorf("expected memory driver warning, got %v", cfg.Warnings)
	}
}

func TestLoadFromBytes_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "invalid port", yaml: `
server:
  port: 99999
`},
		{name: "negative request timeout", yaml: `
server:
  request_timeout_ms: -1
`},
		{name: "bad log level", yaml: `
logging:
  level: verbose
`},
		{name: "bad log format", yaml: `
logging:
  format: xml
`},
		{name: "unknown cache driver", yaml: `
redis:
  driver: memcached
`},
		{name: "upstream without scheme", yaml: `
upstream:
  base_url: "api.coingecko.com/api/v3"
`},
		{name: "upstream ftp scheme", yaml: `
upstream:
  base_url: "ftp://api.coingecko.com"
`},
		{name: "negative threshold", yaml: `
batch:
  threshold: -2
`},
		{name: "negative window", yaml: `
batch:
  window_ms: -5
`},
		{name: "negative ttl", yaml: `
cache:
  ttl_seconds: -1
`},
		{name: "negative failure threshold", yaml: `
circuit_breaker:
  failure_threshold: -1
`},
		{name: "negative retries", yaml: `
retry:
  max_retries: -1
`},
		{name: "max delay below base", yaml: `
retry:
  base_delay_ms: 1000
  max_delay_ms: 10
`},
		{name: "negative window budget", yaml: `
rate_limit:
  max_per_window: -3
`},
		{name: "negative client burst", yaml: `
client_rate_limit:
  burst_size: -1
`},
		{name: "auth without secret", yaml: `
auth:
  enabled: true
  issuer: "iss"
  audience: "aud"
`},
		{name: "auth without issuer", yaml: `
auth:
  enabled: true
  jwt_secret: "s"
  audience: "aud"
`},
		{name: "admin without allowlist", yaml: `
admin:
  enabled: true
`},
		{name: "admin bad cidr", yaml: `
admin:
  enabled: true
  ip_allowlist: ["not-a-cidr"]
`},
		{name: "malformed yaml", yaml: `
server: [port
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromBytes([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 7070
batch:
  threshold: 1
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Batch.Threshold != 1 {
		t.Errorf("expected threshold 1, got %d", cfg.Batch.Threshold)
	}
}
