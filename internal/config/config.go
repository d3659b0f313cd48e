// Package config handles TOML configuration loading with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for alertpipe. It is loaded once
// at startup and treated as immutable thereafter.
type Config struct {
	App       AppConfig       `toml:"app"`
	Buffer    BufferConfig    `toml:"buffer"`
	Batch     BatchConfig     `toml:"batch"`
	Retry     RetryConfig     `toml:"retry"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Alert     AlertConfig     `toml:"alert"`
	Archive   ArchiveConfig   `toml:"archive"`
	Log       LogConfig       `toml:"log"`
}

// AppConfig identifies the running application.
type AppConfig struct {
	Environment string `toml:"environment"`
	Version     string `toml:"version"`
	UserAgent   string `toml:"user_agent"`
}

// BufferConfig controls the in-memory event ring.
type BufferConfig struct {
	Capacity int `toml:"capacity"`
}

// BatchConfig controls batching of outbound alerts.
type BatchConfig struct {
	MaxItems    int      `toml:"max_items"`
	MaxBytes    int      `toml:"max_bytes"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

// RetryConfig controls redelivery of failed batch items.
type RetryConfig struct {
	Limit     int      `toml:"limit"`
	BaseDelay Duration `toml:"base_delay"`
	MaxJitter Duration `toml:"max_jitter"`
}

// RateLimitConfig controls per-incident alert throttling.
type RateLimitConfig struct {
	Tokens  int      `toml:"tokens"`
	Window  Duration `toml:"window"`
	MaxKeys int      `toml:"max_keys"`
}

// AlertConfig controls the remote alert sink.
type AlertConfig struct {
	Endpoint string   `toml:"endpoint"`
	Timeout  Duration `toml:"timeout"`
	Gzip     bool     `toml:"gzip"`
	// MinLevel is the lowest event level forwarded to the sink.
	MinLevel string `toml:"min_level"`
}

// ArchiveConfig controls the optional local delivery journal.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Path      string   `toml:"path"`
	Retention Duration `toml:"retention"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Environment: "development",
			Version:     "dev",
			UserAgent:   "alertpipe",
		},
		Buffer: BufferConfig{
			Capacity: 500,
		},
		Batch: BatchConfig{
			MaxItems:    10,
			MaxBytes:    64 * 1024,
			IdleTimeout: Duration{5 * time.Second},
		},
		Retry: RetryConfig{
			Limit:     3,
			BaseDelay: Duration{time.Second},
			MaxJitter: Duration{500 * time.Millisecond},
		},
		RateLimit: RateLimitConfig{
			Tokens:  3,
			Window:  Duration{time.Minute},
			MaxKeys: 1024,
		},
		Alert: AlertConfig{
			Timeout:  Duration{15 * time.Second},
			MinLevel: "error",
		},
		Archive: ArchiveConfig{
			Retention: Duration{30 * 24 * time.Hour},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "alertpipe", "config.toml")
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations that would break pipeline invariants.
func (c *Config) Validate() error {
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.Buffer.Capacity)
	}
	if c.Batch.MaxItems <= 0 {
		return fmt.Errorf("batch max_items must be positive, got %d", c.Batch.MaxItems)
	}
	if c.Batch.MaxBytes <= 0 {
		return fmt.Errorf("batch max_bytes must be positive, got %d", c.Batch.MaxBytes)
	}
	if c.Retry.Limit < 1 {
		return fmt.Errorf("retry limit must be at least 1, got %d", c.Retry.Limit)
	}
	if c.RateLimit.Tokens <= 0 {
		return fmt.Errorf("rate_limit tokens must be positive, got %d", c.RateLimit.Tokens)
	}
	if c.RateLimit.Window.Duration <= 0 {
		return fmt.Errorf("rate_limit window must be positive, got %v", c.RateLimit.Window.Duration)
	}
	if c.RateLimit.MaxKeys <= 0 {
		return fmt.Errorf("rate_limit max_keys must be positive, got %d", c.RateLimit.MaxKeys)
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive enabled but no path configured")
	}
	return nil
}

// DBPath returns the archive database path, defaulting under the user
// data directory when unset.
func (c *Config) DBPath() string {
	if c.Archive.Path != "" {
		return c.Archive.Path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "alertpipe", "deliveries.db")
}
