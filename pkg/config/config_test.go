package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }, "server.address"},
		{"pong not after ping", func(c *Config) { c.Realtime.PongTimeout = c.Realtime.PingInterval }, "pong_timeout"},
		{"zero message limit", func(c *Config) { c.Realtime.MaxMessageBytes = 0 }, "max_message_bytes"},
		{"zero connection cap", func(c *Config) { c.Realtime.MaxConnectionsPerUser = 0 }, "max_connections_per_user"},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, "jwt_secret"},
		{"redis enabled without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }, "redis.address"},
		{"tracing sample rate out of range", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }, "sample_rate"},
		{"rate limiting without rps", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.HTTP.RequestsPerSecond = 0 }, "requests_per_second"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected default address, got %s", cfg.Server.Address)
	}
}

func TestLoadAppliesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  address: ":9090"
realtime:
  ping_interval: 5s
  pong_timeout: 12s
auth:
  super_admin_id: "root"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("address = %s", cfg.Server.Address)
	}
	if cfg.Realtime.PingInterval != 5*time.Second || cfg.Realtime.PongTimeout != 12*time.Second {
		t.Errorf("realtime timings not applied: %v / %v", cfg.Realtime.PingInterval, cfg.Realtime.PongTimeout)
	}
	if cfg.Auth.SuperAdminID != "root" {
		t.Errorf("super admin = %s", cfg.Auth.SuperAdminID)
	}
	// Untouched sections keep their defaults.
	if cfg.Realtime.MaxMessageBytes != 64*1024 {
		t.Errorf("max_message_bytes default lost: %d", cfg.Realtime.MaxMessageBytes)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
auth:
  jwt_secret: ""
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid config must not load")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRIPSYNC_SERVER_ADDRESS", ":7070")
	t.Setenv("TRIPSYNC_JWT_SECRET", "env-secret")
	t.Setenv("TRIPSYNC_SUPER_ADMIN_ID", "ops")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Errorf("address = %s", cfg.Server.Address)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("jwt secret not overridden")
	}
	if cfg.Auth.SuperAdminID != "ops" {
		t.Errorf("super admin not overridden")
	}
}
