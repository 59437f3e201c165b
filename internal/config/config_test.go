package config

import (
	"errors"
	"testing"
	"time"
)

var configKeys = []string{
	"APP_ENV", "APP_HTTP_ADDR", "METRICS_ADDR", "LOG_LEVEL", "STORE_TYPE", "DB_DSN",
	"FLAGS_FILE", "ENVIRONMENTS", "ADMIN_API_KEY", "CLIENT_API_KEY",
	"SNAPSHOT_REFRESH_INTERVAL", "CACHE_TYPE", "CACHE_TTL", "CACHE_MAX_COST", "REDIS_URL",
	"AUDIT_SINK", "OTEL_EXPORTER_OTLP_ENDPOINT", "RATE_LIMIT_PER_IP", "TRIGGER_RATE_LIMIT_PER_MIN",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS", "WEBHOOK_MAX_RETRIES",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AppEnv != "dev" {
		t.Errorf("Expected AppEnv='dev', got '%s'", cfg.AppEnv)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected HTTPAddr=':8080', got '%s'", cfg.HTTPAddr)
	}
	if len(cfg.Environments) != 1 || cfg.Environments[0] != "prod" {
		t.Errorf("Expected Environments=[prod], got %v", cfg.Environments)
	}
	if cfg.AdminAPIKey != "admin-123" {
		t.Errorf("Expected AdminAPIKey='admin-123', got '%s'", cfg.AdminAPIKey)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("Expected MetricsAddr=':9090', got '%s'", cfg.MetricsAddr)
	}
	if cfg.StoreType != "postgres" {
		t.Errorf("Expected StoreType='postgres', got '%s'", cfg.StoreType)
	}
	if cfg.RefreshInterval != 30*time.Second {
		t.Errorf("Expected RefreshInterval=30s, got %s", cfg.RefreshInterval)
	}
	if cfg.CacheType != "memory" || cfg.CacheTTL != time.Minute {
		t.Errorf("Expected memory cache with 1m TTL, got %s/%s", cfg.CacheType, cfg.CacheTTL)
	}
	if cfg.TriggerRateLimit != 60 {
		t.Errorf("Expected TriggerRateLimit=60, got %d", cfg.TriggerRateLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "test")
	t.Setenv("APP_HTTP_ADDR", ":9999")
	t.Setenv("ENVIRONMENTS", "prod, staging ,,dev")
	t.Setenv("ADMIN_API_KEY", "custom-key")
	t.Setenv("STORE_TYPE", "memory")
	t.Setenv("SNAPSHOT_REFRESH_INTERVAL", "5s")
	t.Setenv("CACHE_TYPE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RATE_LIMIT_PER_IP", "200")
	t.Setenv("WEBHOOK_URLS", "https://hooks.example.com/a,https://hooks.example.com/b")
	t.Setenv("WEBHOOK_SECRET", "whsec_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AppEnv != "test" {
		t.Errorf("Expected AppEnv='test', got '%s'", cfg.AppEnv)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("Expected HTTPAddr=':9999', got '%s'", cfg.HTTPAddr)
	}
	want := []string{"prod", "staging", "dev"}
	if len(cfg.Environments) != len(want) {
		t.Fatalf("Expected Environments=%v, got %v", want, cfg.Environments)
	}
	for i := range want {
		if cfg.Environments[i] != want[i] {
			t.Errorf("Environments[%d] = %s, want %s", i, cfg.Environments[i], want[i])
		}
	}
	if cfg.AdminAPIKey != "custom-key" {
		t.Errorf("Expected AdminAPIKey='custom-key', got '%s'", cfg.AdminAPIKey)
	}
	if cfg.StoreType != "memory" {
		t.Errorf("Expected StoreType='memory', got '%s'", cfg.StoreType)
	}
	if cfg.RefreshInterval != 5*time.Second {
		t.Errorf("Expected RefreshInterval=5s, got %s", cfg.RefreshInterval)
	}
	if cfg.CacheType != "redis" || cfg.RedisURL == "" {
		t.Errorf("Expected redis cache, got %s (%q)", cfg.CacheType, cfg.RedisURL)
	}
	if cfg.RateLimitPerIP != 200 {
		t.Errorf("Expected RateLimitPerIP=200, got %d", cfg.RateLimitPerIP)
	}
	if len(cfg.WebhookURLs) != 2 || cfg.WebhookSecret != "whsec_test" || cfg.WebhookRetries != 3 {
		t.Errorf("unexpected webhook config: %v %q %d", cfg.WebhookURLs, cfg.WebhookSecret, cfg.WebhookRetries)
	}
}

func validConfig() *Config {
	return &Config{
		AppEnv:           "dev",
		HTTPAddr:         ":8080",
		MetricsAddr:      ":9090",
		StoreType:        "memory",
		Environments:     []string{"prod"},
		AdminAPIKey:      "admin-123",
		RefreshInterval:  time.Second,
		CacheType:        "none",
		CacheTTL:         time.Minute,
		AuditSink:        "log",
		RateLimitPerIP:   10,
		TriggerRateLimit: 10,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.StoreType = "mysql" }, wantField: "STORE_TYPE"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.StoreType = "postgres" }, wantField: "DB_DSN"},
		{name: "file without path", mutate: func(c *Config) { c.StoreType = "file" }, wantField: "FLAGS_FILE"},
		{name: "file with path", mutate: func(c *Config) { c.StoreType = "file"; c.FlagsFile = "flags.yaml" }},
		{name: "empty http addr", mutate: func(c *Config) { c.HTTPAddr = "" }, wantField: "APP_HTTP_ADDR"},
		{name: "empty metrics addr", mutate: func(c *Config) { c.MetricsAddr = "" }, wantField: "METRICS_ADDR"},
		{name: "no environments", mutate: func(c *Config) { c.Environments = nil }, wantField: "ENVIRONMENTS"},
		{name: "unknown cache", mutate: func(c *Config) { c.CacheType = "memcached" }, wantField: "CACHE_TYPE"},
		{name: "redis without url", mutate: func(c *Config) { c.CacheType = "redis" }, wantField: "REDIS_URL"},
		{name: "unknown audit sink", mutate: func(c *Config) { c.AuditSink = "kafka" }, wantField: "AUDIT_SINK"},
		{name: "postgres audit on memory store", mutate: func(c *Config) { c.AuditSink = "postgres" }, wantField: "AUDIT_SINK"},
		{name: "zero refresh interval", mutate: func(c *Config) { c.RefreshInterval = 0 }, wantField: "SNAPSHOT_REFRESH_INTERVAL"},
		{name: "zero cache ttl", mutate: func(c *Config) { c.CacheTTL = 0 }, wantField: "CACHE_TTL"},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimitPerIP = 0 }, wantField: "RATE_LIMIT_PER_IP"},
		{name: "zero trigger rate limit", mutate: func(c *Config) { c.TriggerRateLimit = 0 }, wantField: "TRIGGER_RATE_LIMIT_PER_MIN"},
		{name: "webhook without secret", mutate: func(c *Config) { c.WebhookURLs = []string{"https://hooks.example.com"} }, wantField: "WEBHOOK_SECRET"},
		{name: "negative webhook retries", mutate: func(c *Config) { c.WebhookRetries = -1 }, wantField: "WEBHOOK_MAX_RETRIES"},
		{name: "default admin key in production", mutate: func(c *Config) { c.AppEnv = "prod" }, wantField: "ADMIN_API_KEY"},
		{name: "custom admin key in production", mutate: func(c *Config) { c.AppEnv = "production"; c.AdminAPIKey = "s3cret" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error = %v, want ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %s, want %s", verr.Field, tt.wantField)
			}
		})
	}
}
