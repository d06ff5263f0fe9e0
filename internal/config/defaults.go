package config

import (
	"os"
	"path/filepath"
)

// Default values applied before the config file is read.
const (
	defaultBaseURL      = "https://api.fotosync.dev"
	defaultRetryCeiling = 5
	defaultFreshness    = "15m"
	defaultPollInterval = "0s"
	defaultMaxDocuments = 256
	defaultLogLevel     = "info"
)

// DefaultConfig returns a Config populated with all default values. The
// config file then only needs to state what differs.
func DefaultConfig() *Config {
	return &Config{
		LibraryDir: filepath.Join(homeDir(), "Pictures", "Fotosync"),
		DataDir:    DefaultDataDir(),
		LogLevel:   defaultLogLevel,
		API: APIConfig{
			BaseURL: defaultBaseURL,
		},
		Sync: SyncConfig{
			RetryCeiling: defaultRetryCeiling,
			Freshness:    defaultFreshness,
			PollInterval: defaultPollInterval,
		},
		Cache: CacheConfig{
			MaxDocuments: defaultMaxDocuments,
		},
	}
}

// DefaultConfigPath returns the XDG-style config file location.
func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "fotosync", "config.toml")
	}

	return filepath.Join(homeDir(), ".config", "fotosync", "config.toml")
}

// DefaultDataDir returns where the queue and cache databases live.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "fotosync")
	}

	return filepath.Join(homeDir(), ".local", "share", "fotosync")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return home
}

// QueueDBPath returns the durable queue database path under the data dir.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

// CacheDBPath returns the document cache database path under the data dir.
func (c *Config) CacheDBPath() string {
	return filepath.Join(c.DataDir, "cache.db")
}
