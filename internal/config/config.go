package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Orchestrator OrchestratorRuntimeConfig `toml:"orchestrator"`
	Raw          map[string]any            `toml:"-"`
	Path         string                    `toml:"-"`
}

type OrchestratorRuntimeConfig struct {
	Addr               string `toml:"addr" json:"addr"`
	DBPath             string `toml:"db_path" json:"db_path"`
	TickIntervalMS     int    `toml:"tick_interval_ms" json:"tick_interval_ms"`
	PollIntervalMS     int    `toml:"poll_interval_ms" json:"poll_interval_ms"`
	SnapshotIntervalMS int    `toml:"snapshot_interval_ms" json:"snapshot_interval_ms"`
	MaxWhileIterations int    `toml:"max_while_iterations" json:"max_while_iterations"`
	FuelThreshold      int    `toml:"fuel_threshold" json:"fuel_threshold"`
	LogLevel           string `toml:"log_level" json:"log_level"`
	LogFormat          string `toml:"log_format" json:"log_format"`
}

// WithDefaults fills every unset field.
func (c OrchestratorRuntimeConfig) WithDefaults() OrchestratorRuntimeConfig {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8787"
	}
	if c.DBPath == "" {
		c.DBPath = "./data/turtles.db"
	}
	if c.TickIntervalMS <= 0 {
		c.TickIntervalMS = 50
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 50
	}
	if c.SnapshotIntervalMS <= 0 {
		c.SnapshotIntervalMS = 30000
	}
	if c.FuelThreshold <= 0 {
		c.FuelThreshold = 200
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	return c
}

func (c OrchestratorRuntimeConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

func (c OrchestratorRuntimeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c OrchestratorRuntimeConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMS) * time.Millisecond
}

// Load reads the toml file at path. An empty path means the default location,
// and a default file that does not exist yields an empty Config.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if !explicit {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{Path: resolved}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".turtle_botnet/config.toml"
	}
	return filepath.Join(home, ".turtle_botnet", "config.toml")
}
