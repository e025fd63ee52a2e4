// Package config loads the collaboration daemon configuration from a yaml
// file and COLLAB_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultAddr = "127.0.0.1:8790"

type Config struct {
	Env        string           `yaml:"env"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Presence   PresenceConfig   `yaml:"presence"`
	Serializer SerializerConfig `yaml:"serializer"`
	RPC        RPCConfig        `yaml:"rpc"`
	Redis      RedisConfig      `yaml:"redis"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	MetricsEnabled    bool          `yaml:"metricsEnabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PresenceConfig struct {
	HeartbeatInterval      time.Duration `yaml:"heartbeatInterval"`
	StaleAfter             time.Duration `yaml:"staleAfter"`
	WriteTimeout           time.Duration `yaml:"writeTimeout"`
	OutboxSize             int           `yaml:"outboxSize"`
	MaxMessageBytes        int64         `yaml:"maxMessageBytes"`
	MessagesPerSecond      float64       `yaml:"messagesPerSecond"`
	MessageBurst           int           `yaml:"messageBurst"`
	MaxConnections         int           `yaml:"maxConnections"`
	MaxConnectionsPerActor int           `yaml:"maxConnectionsPerActor"`
	AllowedOrigins         []string      `yaml:"allowedOrigins"`
}

type SerializerConfig struct {
	// DrainTimeout bounds how long shutdown waits for queued tasks.
	DrainTimeout time.Duration `yaml:"drainTimeout"`
}

type RPCConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Token               string        `yaml:"token"`
	TokenFile           string        `yaml:"tokenFile"`
	RotateTokenOnStart  bool          `yaml:"rotateTokenOnStart"`
	RequireToken        *bool         `yaml:"requireToken"`
	AllowNullOrigin     bool          `yaml:"allowNullOrigin"`
	RateLimitEnabled    *bool         `yaml:"rateLimitEnabled"`
	RateLimitRPS        float64       `yaml:"rateLimitRps"`
	RateLimitBurst      int           `yaml:"rateLimitBurst"`
	StreamMaxGlobal     int           `yaml:"streamMaxGlobal"`
	StreamMaxPerClient  int           `yaml:"streamMaxPerClient"`
	KeepAlive           time.Duration `yaml:"keepAlive"`
	NotificationBacklog int           `yaml:"notificationBacklog"`
}

type RedisConfig struct {
	URL       string        `yaml:"url"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
	QueueSize int           `yaml:"queueSize"`
}

func Default() Config {
	return Config{
		Env: "production",
		Server: ServerConfig{
			Addr:              DefaultAddr,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			MetricsEnabled:    true,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Presence: PresenceConfig{
			HeartbeatInterval:      15 * time.Second,
			StaleAfter:             45 * time.Second,
			WriteTimeout:           10 * time.Second,
			OutboxSize:             64,
			MaxMessageBytes:        4 << 10,
			MessagesPerSecond:      20,
			MessageBurst:           40,
			MaxConnections:         4096,
			MaxConnectionsPerActor: 16,
		},
		Serializer: SerializerConfig{DrainTimeout: 5 * time.Second},
		RPC: RPCConfig{
			Enabled:             true,
			RateLimitRPS:        30,
			RateLimitBurst:      60,
			StreamMaxGlobal:     128,
			StreamMaxPerClient:  8,
			KeepAlive:           20 * time.Second,
			NotificationBacklog: 512,
		},
		Redis: RedisConfig{
			Prefix:    "collab:presence:",
			TTL:       2 * time.Minute,
			QueueSize: 256,
		},
	}
}

// DefaultPaths are tried in order when Load is called without a path.
var DefaultPaths = []string{"configs/collab.yaml", "collab.yaml"}

// Load reads configuration from path, or from the first readable default
// path when path is empty, then applies environment overrides. An explicit
// path that cannot be read is an error; missing default files are not.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else {
		for _, candidate := range DefaultPaths {
			data, err := os.ReadFile(candidate)
			if err != nil {
				continue
			}
			if err := decode(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", candidate, err)
			}
			break
		}
	}

	ApplyEnvOverrides(&cfg)
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode merges yaml data into cfg. Keys absent from data keep their value.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// IsNonProd reports whether the environment relaxes token and rate limit
// defaults.
func (c Config) IsNonProd() bool {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "test", "testing", "dev", "development", "local":
		return true
	default:
		return false
	}
}

func (c Config) isTest() bool {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "test", "testing":
		return true
	default:
		return false
	}
}

// RequireRPCToken reports whether RPC calls need a token. Production-like
// environments always require one.
func (c Config) RequireRPCToken() bool {
	if c.RPC.RequireToken != nil {
		if !*c.RPC.RequireToken && !c.IsNonProd() {
			return true
		}
		return *c.RPC.RequireToken
	}
	return !c.IsNonProd()
}

// RPCRateLimited reports whether per-client RPC rate limiting is on.
func (c Config) RPCRateLimited() bool {
	if c.RPC.RateLimitEnabled != nil {
		return *c.RPC.RateLimitEnabled
	}
	return !c.isTest()
}

func (c *Config) resolve() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Presence.StaleAfter < c.Presence.HeartbeatInterval {
		c.Presence.StaleAfter = 3 * c.Presence.HeartbeatInterval
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

func (c Config) Validate() error {
	var errs []error
	if c.Presence.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("presence.heartbeatInterval must be positive"))
	}
	if c.Presence.OutboxSize <= 0 {
		errs = append(errs, errors.New("presence.outboxSize must be positive"))
	}
	if c.Presence.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("presence.maxMessageBytes must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}
	if c.Redis.URL != "" && c.Redis.TTL <= 0 {
		errs = append(errs, errors.New("redis.ttl must be positive when redis.url is set"))
	}
	return errors.Join(errs...)
}
