package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all server configuration, read from the environment.
// Priority: ENV vars > .env file > defaults
type Config struct {
	Port   string `env:"PORT" envDefault:"8080"`
	DBPath string `env:"REVIEWROOM_DB_PATH" envDefault:"./data/reviewroom.db"`

	// Token service
	JWTSecret string `env:"JWT_SECRET,required"`

	// Redis backs presence and, optionally, the broadcast backbone
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	PresenceBackend  string        `env:"PRESENCE_BACKEND" envDefault:"redis"`
	PresenceTTL      time.Duration `env:"PRESENCE_TTL" envDefault:"24h"`
	PresenceRefresh  time.Duration `env:"PRESENCE_REFRESH_INTERVAL" envDefault:"1h"`
	BroadcastBackend string        `env:"BROADCAST_BACKEND" envDefault:"local"`

	// Per-connection limits
	SendBuffer        int     `env:"WS_SEND_BUFFER" envDefault:"256"`
	OverflowPolicy    string  `env:"WS_OVERFLOW_POLICY" envDefault:"drop"`
	MaxMessageSize    int64   `env:"WS_MAX_MESSAGE_SIZE" envDefault:"1048576"`
	MessagesPerSecond float64 `env:"WS_MESSAGES_PER_SECOND" envDefault:"100"`
	MessageBurst      int     `env:"WS_MESSAGE_BURST" envDefault:"200"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file, then parses and validates the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 bytes, got %d", len(c.JWTSecret))
	}

	if c.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL must be > 0, got %s", c.PresenceTTL)
	}
	if c.PresenceRefresh <= 0 || c.PresenceRefresh >= c.PresenceTTL {
		return fmt.Errorf("PRESENCE_REFRESH_INTERVAL must be > 0 and shorter than PRESENCE_TTL, got %s", c.PresenceRefresh)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("WS_MAX_MESSAGE_SIZE must be > 0, got %d", c.MaxMessageSize)
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst < 1 {
		return fmt.Errorf("WS_MESSAGES_PER_SECOND and WS_MESSAGE_BURST must be > 0")
	}

	validPresence := map[string]bool{"redis": true, "memory": true}
	if !validPresence[c.PresenceBackend] {
		return fmt.Errorf("PRESENCE_BACKEND must be one of: redis, memory (got: %s)", c.PresenceBackend)
	}

	validBroadcast := map[string]bool{"local": true, "redis": true, "nats": true}
	if !validBroadcast[c.BroadcastBackend] {
		return fmt.Errorf("BROADCAST_BACKEND must be one of: local, redis, nats (got: %s)", c.BroadcastBackend)
	}

	validOverflow := map[string]bool{"drop": true, "disconnect": true}
	if !validOverflow[c.OverflowPolicy] {
		return fmt.Errorf("WS_OVERFLOW_POLICY must be one of: drop, disconnect (got: %s)", c.OverflowPolicy)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.PresenceBackend == "redis" || c.BroadcastBackend == "redis"
}
