package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collab.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
env: development
server:
  addr: 0.0.0.0:9000
presence:
  heartbeatInterval: 5s
  staleAfter: 20s
  allowedOrigins: ["https://app.example.com"]
redis:
  url: redis://localhost:6379/0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("expected addr from file, got %q", cfg.Server.Addr)
	}
	if cfg.Presence.HeartbeatInterval != 5*time.Second || cfg.Presence.StaleAfter != 20*time.Second {
		t.Fatalf("unexpected heartbeat settings: %s / %s", cfg.Presence.HeartbeatInterval, cfg.Presence.StaleAfter)
	}
	if cfg.Presence.OutboxSize != 64 {
		t.Fatalf("expected default outbox size to survive, got %d", cfg.Presence.OutboxSize)
	}
	if len(cfg.Presence.AllowedOrigins) != 1 || cfg.Presence.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.Presence.AllowedOrigins)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" || cfg.Redis.TTL != 2*time.Minute {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.RequireRPCToken() {
		t.Fatal("development env should not require an rpc token by default")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "presence:\n  heartbeatInterval: 5s\nrpc:\n  token: file-token\n")
	t.Setenv("COLLAB_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("COLLAB_STALE_AFTER", "9s")
	t.Setenv("COLLAB_RPC_TOKEN", "env-token")
	t.Setenv("COLLAB_WS_ALLOWED_ORIGINS", "http://localhost:3000, ,https://a.example")
	t.Setenv("COLLAB_RPC_STREAM_MAX_GLOBAL", "-3")
	t.Setenv("COLLAB_LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Presence.HeartbeatInterval != 2*time.Second || cfg.Presence.StaleAfter != 9*time.Second {
		t.Fatalf("env durations not applied: %s / %s", cfg.Presence.HeartbeatInterval, cfg.Presence.StaleAfter)
	}
	if cfg.RPC.Token != "env-token" {
		t.Fatalf("expected env token, got %q", cfg.RPC.Token)
	}
	if got := strings.Join(cfg.Presence.AllowedOrigins, "|"); got != "http://localhost:3000|https://a.example" {
		t.Fatalf("unexpected origins: %q", got)
	}
	if cfg.RPC.StreamMaxGlobal != 128 {
		t.Fatalf("invalid env value should keep default, got %d", cfg.RPC.StreamMaxGlobal)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected normalized log level, got %q", cfg.Log.Level)
	}
}

func TestLoadRejectsUnknownKeysAndMissingExplicitFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "presense:\n  heartbeatInterval: 5s\n")); err == nil {
		t.Fatal("expected unknown key error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}

func TestLoadValidates(t *testing.T) {
	t.Setenv("COLLAB_LOG_FORMAT", "xml")
	_, err := Load(writeConfig(t, ""))
	if err == nil || !strings.Contains(err.Error(), "log.format") {
		t.Fatalf("expected log format validation error, got %v", err)
	}
}

func TestStaleAfterNeverBelowHeartbeat(t *testing.T) {
	cfg, err := Load(writeConfig(t, "presence:\n  heartbeatInterval: 10s\n  staleAfter: 3s\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Presence.StaleAfter != 30*time.Second {
		t.Fatalf("expected stale-after raised to 3 heartbeats, got %s", cfg.Presence.StaleAfter)
	}
}

func TestRequireRPCToken(t *testing.T) {
	off, on := false, true
	cases := []struct {
		env      string
		override *bool
		want     bool
	}{
		{"production", nil, true},
		{"development", nil, false},
		{"production", &off, true},
		{"test", &off, false},
		{"test", &on, true},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.Env = tc.env
		cfg.RPC.RequireToken = tc.override
		if got := cfg.RequireRPCToken(); got != tc.want {
			t.Fatalf("env=%s override=%v: got %v want %v", tc.env, tc.override, got, tc.want)
		}
	}
}

func TestRPCRateLimitedDefaultsOffInTest(t *testing.T) {
	cfg := Default()
	if !cfg.RPCRateLimited() {
		t.Fatal("rate limiting should default on")
	}
	cfg.Env = "test"
	if cfg.RPCRateLimited() {
		t.Fatal("rate limiting should default off in test env")
	}
	t.Setenv("COLLAB_RPC_RATE_LIMIT_ENABLED", "true")
	ApplyEnvOverrides(&cfg)
	if !cfg.RPCRateLimited() {
		t.Fatal("explicit env should win")
	}
}
