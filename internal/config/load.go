package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// CLIOverrides holds values from CLI flags that beat both the config file
// and the environment. Pointer fields distinguish "not specified" from
// "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
	LogLevel   *string // --log-level flag
}

// Load reads and parses a TOML config file, rejects unknown keys, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. This supports the zero-config
// first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies the override chain: defaults -> config file ->
// environment -> CLI flags, and validates the final result.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}

	if env.BaseURL != "" {
		cfg.API.BaseURL = env.BaseURL
	}

	if env.Token != "" {
		cfg.API.Token = env.Token
	}

	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}

	if cli.DataDir != nil {
		cfg.DataDir = *cli.DataDir
	}

	if cli.LogLevel != nil {
		cfg.LogLevel = *cli.LogLevel
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}
