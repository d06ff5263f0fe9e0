// Package config implements TOML configuration loading and validation for
// fotosync, with a four-layer override chain: defaults -> config file ->
// environment variables -> command-line flags. Unknown keys are fatal with
// "did you mean?" suggestions — silently ignoring a typo in a config file
// leads to hard-to-debug behavior.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration parsed from the TOML file.
type Config struct {
	LibraryDir string `toml:"library_dir"`
	DataDir    string `toml:"data_dir"`
	LogLevel   string `toml:"log_level"`
	LogFile    string `toml:"log_file"`

	API   APIConfig   `toml:"api"`
	Sync  SyncConfig  `toml:"sync"`
	Cache CacheConfig `toml:"cache"`
}

// APIConfig points the client at the backend.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// SyncConfig controls the replay engine. Durations are strings in the file
// ("15m", "30s") and validated at load time.
type SyncConfig struct {
	RetryCeiling int    `toml:"retry_ceiling"`
	Freshness    string `toml:"freshness"`
	PollInterval string `toml:"poll_interval"` // "0s" disables the timer
}

// CacheConfig bounds the document cache.
type CacheConfig struct {
	MaxDocuments int `toml:"max_documents"`
}

// FreshnessDuration returns the parsed freshness threshold. Only valid
// after Validate has passed.
func (c *Config) FreshnessDuration() time.Duration {
	d, _ := time.ParseDuration(c.Sync.Freshness)
	return d
}

// PollIntervalDuration returns the parsed sync poll interval. Zero means
// no periodic sync.
func (c *Config) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Sync.PollInterval)
	return d
}

// Validate checks a loaded Config for internally inconsistent values.
func Validate(cfg *Config) error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}

	if cfg.Sync.RetryCeiling < 1 {
		return fmt.Errorf("sync.retry_ceiling must be at least 1, got %d", cfg.Sync.RetryCeiling)
	}

	if cfg.Cache.MaxDocuments < 1 {
		return fmt.Errorf("cache.max_documents must be at least 1, got %d", cfg.Cache.MaxDocuments)
	}

	if _, err := time.ParseDuration(cfg.Sync.Freshness); err != nil {
		return fmt.Errorf("sync.freshness: invalid duration %q", cfg.Sync.Freshness)
	}

	if _, err := time.ParseDuration(cfg.Sync.PollInterval); err != nil {
		return fmt.Errorf("sync.poll_interval: invalid duration %q", cfg.Sync.PollInterval)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", cfg.LogLevel)
	}

	return nil
}
