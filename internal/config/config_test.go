package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "redis", cfg.PresenceBackend)
	assert.Equal(t, "local", cfg.BroadcastBackend)
	assert.Equal(t, 24*time.Hour, cfg.PresenceTTL)
	assert.Equal(t, time.Hour, cfg.PresenceRefresh)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.Equal(t, "drop", cfg.OverflowPolicy)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:              "8080",
			JWTSecret:         "0123456789abcdef",
			PresenceBackend:   "memory",
			PresenceTTL:       time.Hour,
			PresenceRefresh:   10 * time.Minute,
			BroadcastBackend:  "local",
			SendBuffer:        16,
			OverflowPolicy:    "disconnect",
			MaxMessageSize:    1024,
			MessagesPerSecond: 10,
			MessageBurst:      10,
			LogLevel:          "info",
			LogFormat:         "json",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: true},
		{name: "unknown presence backend", mutate: func(c *Config) { c.PresenceBackend = "etcd" }, wantErr: true},
		{name: "unknown broadcast backend", mutate: func(c *Config) { c.BroadcastBackend = "kafka" }, wantErr: true},
		{name: "unknown overflow policy", mutate: func(c *Config) { c.OverflowPolicy = "block" }, wantErr: true},
		{name: "zero buffer", mutate: func(c *Config) { c.SendBuffer = 0 }, wantErr: true},
		{name: "zero ttl", mutate: func(c *Config) { c.PresenceTTL = 0 }, wantErr: true},
		{name: "refresh not shorter than ttl", mutate: func(c *Config) { c.PresenceRefresh = time.Hour }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	cfg := valid()
	assert.False(t, cfg.UsesRedis())
}
