package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides applies COLLAB_* variables on top of cfg. Unparsable
// values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := envString("COLLAB_ENV"); v != "" {
		cfg.Env = v
	}
	if v := envString("COLLAB_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := envString("COLLAB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := envString("COLLAB_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	cfg.Server.MetricsEnabled = envBoolWithFallback("COLLAB_METRICS_ENABLED", cfg.Server.MetricsEnabled)

	cfg.Presence.HeartbeatInterval = envDurationWithFallback("COLLAB_HEARTBEAT_INTERVAL", cfg.Presence.HeartbeatInterval)
	cfg.Presence.StaleAfter = envDurationWithFallback("COLLAB_STALE_AFTER", cfg.Presence.StaleAfter)
	cfg.Presence.MaxConnections = envIntWithFallback("COLLAB_WS_MAX_CONNECTIONS", cfg.Presence.MaxConnections)
	cfg.Presence.MaxConnectionsPerActor = envIntWithFallback("COLLAB_WS_MAX_CONNECTIONS_PER_ACTOR", cfg.Presence.MaxConnectionsPerActor)
	if origins := envCSV("COLLAB_WS_ALLOWED_ORIGINS"); origins != nil {
		cfg.Presence.AllowedOrigins = origins
	}

	cfg.Serializer.DrainTimeout = envDurationWithFallback("COLLAB_SERIALIZER_DRAIN_TIMEOUT", cfg.Serializer.DrainTimeout)

	cfg.RPC.Enabled = envBoolWithFallback("COLLAB_RPC_ENABLED", cfg.RPC.Enabled)
	if v := envString("COLLAB_RPC_TOKEN"); v != "" {
		cfg.RPC.Token = v
	}
	if v := envString("COLLAB_RPC_TOKEN_FILE"); v != "" {
		cfg.RPC.TokenFile = v
	}
	cfg.RPC.RotateTokenOnStart = envBoolWithFallback("COLLAB_RPC_TOKEN_ROTATE_ON_START", cfg.RPC.RotateTokenOnStart)
	if v, ok := parseBoolEnv("COLLAB_REQUIRE_RPC_TOKEN"); ok {
		cfg.RPC.RequireToken = &v
	}
	cfg.RPC.AllowNullOrigin = envBoolWithFallback("COLLAB_ALLOW_NULL_ORIGIN", cfg.RPC.AllowNullOrigin)
	if v, ok := parseBoolEnv("COLLAB_RPC_RATE_LIMIT_ENABLED"); ok {
		cfg.RPC.RateLimitEnabled = &v
	}
	cfg.RPC.RateLimitRPS = envPositiveFloatWithFallback("COLLAB_RPC_RATE_LIMIT_RPS", cfg.RPC.RateLimitRPS)
	cfg.RPC.RateLimitBurst = envIntWithFallback("COLLAB_RPC_RATE_LIMIT_BURST", cfg.RPC.RateLimitBurst)
	cfg.RPC.StreamMaxGlobal = envIntWithFallback("COLLAB_RPC_STREAM_MAX_GLOBAL", cfg.RPC.StreamMaxGlobal)
	cfg.RPC.StreamMaxPerClient = envIntWithFallback("COLLAB_RPC_STREAM_MAX_PER_CLIENT", cfg.RPC.StreamMaxPerClient)

	if v := envString("COLLAB_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := envString("COLLAB_REDIS_PREFIX"); v != "" {
		cfg.Redis.Prefix = v
	}
	cfg.Redis.TTL = envDurationWithFallback("COLLAB_REDIS_TTL", cfg.Redis.TTL)
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envCSV(key string) []string {
	raw := envString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBoolEnv(key string) (bool, bool) {
	switch strings.ToLower(envString(key)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func envBoolWithFallback(key string, fallback bool) bool {
	if v, ok := parseBoolEnv(key); ok {
		return v
	}
	return fallback
}

// envIntWithFallback keeps fallback unless the variable holds a positive int.
func envIntWithFallback(key string, fallback int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envPositiveFloatWithFallback(key string, fallback float64) float64 {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envDurationWithFallback(key string, fallback time.Duration) time.Duration {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
