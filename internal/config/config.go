// Package config loads host configuration from environment variables, with
// optional overrides from a TOML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that decodes from strings like "15s" in both
// environment variables and TOML files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for envconfig and
// go-toml.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all host configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	Sessions  SessionConfig
	Watchdog  WatchdogConfig
	Buffer    BufferConfig
	Persist   PersistConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090" toml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" toml:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development"`
}

// SessionConfig holds registry limits.
type SessionConfig struct {
	Max             int  `envconfig:"SESSIONS_MAX" default:"10" toml:"max"`
	Min             int  `envconfig:"SESSIONS_MIN" default:"1" toml:"min"`
	ProtectLast     bool `envconfig:"SESSIONS_PROTECT_LAST" default:"true" toml:"protect_last"`
	ScrollbackLimit int  `envconfig:"SESSIONS_SCROLLBACK" default:"1000" toml:"scrollback_limit"`
}

// WatchdogConfig holds the per-phase initialization budgets.
type WatchdogConfig struct {
	AckTimeout     Duration `envconfig:"WATCHDOG_ACK_TIMEOUT" default:"10s" toml:"ack_timeout"`
	AckAttempts    int      `envconfig:"WATCHDOG_ACK_ATTEMPTS" default:"3" toml:"ack_attempts"`
	PromptTimeout  Duration `envconfig:"WATCHDOG_PROMPT_TIMEOUT" default:"15s" toml:"prompt_timeout"`
	PromptAttempts int      `envconfig:"WATCHDOG_PROMPT_ATTEMPTS" default:"2" toml:"prompt_attempts"`
}

// BufferConfig holds output coalescing thresholds.
type BufferConfig struct {
	LargeChunk    int `envconfig:"BUFFER_LARGE_CHUNK" default:"1000" toml:"large_chunk"`
	Capacity      int `envconfig:"BUFFER_CAPACITY" default:"50" toml:"capacity"`
	ModerateChunk int `envconfig:"BUFFER_MODERATE_CHUNK" default:"100" toml:"moderate_chunk"`
	HighFrequency int `envconfig:"BUFFER_HIGH_FREQUENCY" default:"5" toml:"high_frequency"`
}

// PersistConfig holds durable snapshot settings.
type PersistConfig struct {
	Path             string   `envconfig:"PERSIST_PATH" default:"/var/lib/muxpanel/sessions.db" toml:"path"`
	ExpiryWindow     Duration `envconfig:"PERSIST_EXPIRY" default:"168h" toml:"expiry_window"`
	AutosaveInterval Duration `envconfig:"PERSIST_AUTOSAVE" default:"30s" toml:"autosave_interval"`
	SettleDelay      Duration `envconfig:"PERSIST_SETTLE_DELAY" default:"250ms" toml:"settle_delay"`
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" toml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("MUXPANEL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from the environment and then applies
// overrides from the given TOML file.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns
// defaults when processing fails.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8090", Host: "0.0.0.0"},
		Logging: LogConfig{Level: "info"},
		Sessions: SessionConfig{
			Max:             10,
			Min:             1,
			ProtectLast:     true,
			ScrollbackLimit: 1000,
		},
		Watchdog: WatchdogConfig{
			AckTimeout:     Duration(10 * time.Second),
			AckAttempts:    3,
			PromptTimeout:  Duration(15 * time.Second),
			PromptAttempts: 2,
		},
		Buffer: BufferConfig{
			LargeChunk:    1000,
			Capacity:      50,
			ModerateChunk: 100,
			HighFrequency: 5,
		},
		Persist: PersistConfig{
			Path:             "/var/lib/muxpanel/sessions.db",
			ExpiryWindow:     Duration(7 * 24 * time.Hour),
			AutosaveInterval: Duration(30 * time.Second),
			SettleDelay:      Duration(250 * time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
