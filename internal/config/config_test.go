package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_DRIVER", "NATS_URL", "REDIS_URL", "WS_AUTH_TIMEOUT", "CORS_ALLOWED_ORIGINS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Errorf("StoreDriver = %q, want %q", cfg.StoreDriver, DriverPostgres)
	}
	if cfg.NATSURL != "" || cfg.RedisURL != "" {
		t.Errorf("NATS/Redis enabled by default: %q %q", cfg.NATSURL, cfg.RedisURL)
	}
	if cfg.WSAuthTimeout != 10*time.Second {
		t.Errorf("WSAuthTimeout = %v, want 10s", cfg.WSAuthTimeout)
	}
	if cfg.CORSAllowedOrigins != nil {
		t.Errorf("CORSAllowedOrigins = %v, want nil", cfg.CORSAllowedOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate defaults: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/chat.db")
	t.Setenv("RATE_LIMIT_REQUESTS", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("UPLOAD_MAX_BYTES", "2048")

	cfg := Load()
	if cfg.StoreDriver != DriverSQLite || cfg.SQLitePath != "/tmp/chat.db" {
		t.Errorf("store = %q %q", cfg.StoreDriver, cfg.SQLitePath)
	}
	if cfg.RateLimitRequests != 5 || cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("rate limit = %d per %v", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if !cfg.TracingEnabled {
		t.Error("TracingEnabled = false, want true")
	}
	if cfg.UploadMaxBytes != 2048 {
		t.Errorf("UploadMaxBytes = %d, want 2048", cfg.UploadMaxBytes)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS", "lots")
	t.Setenv("WS_AUTH_TIMEOUT", "soon")

	cfg := Load()
	if cfg.RateLimitRequests != 120 {
		t.Errorf("RateLimitRequests = %d, want default 120", cfg.RateLimitRequests)
	}
	if cfg.WSAuthTimeout != 10*time.Second {
		t.Errorf("WSAuthTimeout = %v, want default", cfg.WSAuthTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }},
		{"postgres without url", func(c *Config) { c.StoreDriver = DriverPostgres; c.DatabaseURL = "" }},
		{"sqlite without path", func(c *Config) { c.StoreDriver = DriverSQLite; c.SQLitePath = "" }},
		{"empty secret", func(c *Config) { c.JWTSecret = "" }},
		{"zero upload limit", func(c *Config) { c.UploadMaxBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate = nil, want error")
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CHAT_CONFIG_TEST_KEY=from-file\nPORT=9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7000")
	t.Cleanup(func() { os.Unsetenv("CHAT_CONFIG_TEST_KEY") })

	if err := LoadEnvFile(path, true); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("CHAT_CONFIG_TEST_KEY"); got != "from-file" {
		t.Errorf("CHAT_CONFIG_TEST_KEY = %q, want from-file", got)
	}
	if got := os.Getenv("PORT"); got != "7000" {
		t.Errorf("PORT = %q, existing value should win", got)
	}

	missing := filepath.Join(t.TempDir(), "absent.env")
	if err := LoadEnvFile(missing, false); err != nil {
		t.Errorf("optional missing file: %v", err)
	}
	if err := LoadEnvFile(missing, true); err == nil {
		t.Error("required missing file: err = nil")
	}
}
