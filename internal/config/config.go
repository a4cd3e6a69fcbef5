package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// LogFormat selects the log handler
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// Config represents the complete subsync configuration
type Config struct {
	Sync SyncConfig `yaml:"sync"`
	Git  GitConfig  `yaml:"git"`
	Log  LogConfig  `yaml:"log"`
}

// SyncConfig holds defaults for sync flags
type SyncConfig struct {
	FirstParent *bool  `yaml:"first_parent"` // nil means true
	SkipEmpty   bool   `yaml:"skip_empty"`
	AutoStash   bool   `yaml:"auto_stash"`
	TargetDir   string `yaml:"target_dir"`
}

// GitConfig configures the git executable
type GitConfig struct {
	Binary string `yaml:"binary"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string    `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// DefaultPath returns $XDG_CONFIG_HOME/subsync/config.yaml
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "subsync", "config.yaml")
}

// Default returns the configuration used when no file exists
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOptional loads path when it exists and falls back to Default otherwise
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(os.ExpandEnv(path)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Load(path)
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Sync.TargetDir = os.ExpandEnv(c.Sync.TargetDir)
	c.Git.Binary = os.ExpandEnv(c.Git.Binary)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.FirstParent == nil {
		firstParent := true
		c.Sync.FirstParent = &firstParent
	}
	if c.Git.Binary == "" {
		c.Git.Binary = "git"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = LogText
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Sync.TargetDir != "" {
		if filepath.IsAbs(c.Sync.TargetDir) {
			return fmt.Errorf("sync.target_dir must be a relative path: %s", c.Sync.TargetDir)
		}
		cleaned := filepath.ToSlash(filepath.Clean(c.Sync.TargetDir))
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return fmt.Errorf("sync.target_dir must stay inside the target repository: %s", c.Sync.TargetDir)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	switch c.Log.Format {
	case LogText, LogJSON:
		// valid
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// UseFirstParent reports whether history is walked along first parents only
func (c *Config) UseFirstParent() bool {
	return c.Sync.FirstParent == nil || *c.Sync.FirstParent
}
