// Package config handles canopy configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drewfead/canopy/internal/errs"
)

// Config is the root configuration for canopy.
type Config struct {
	Repos     ReposConfig     `yaml:"repos"`
	Assistant AssistantConfig `yaml:"assistant"`
	Store     StoreConfig     `yaml:"store"`
	Workers   WorkersConfig   `yaml:"workers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ReposConfig defines where worktrees are placed.
type ReposConfig struct {
	// WorktreeDir is the parent directory for new worktrees. Empty places
	// each worktree next to its repository.
	WorktreeDir string `yaml:"worktree_dir"`
}

// AssistantConfig defines how the assistant CLI is launched.
type AssistantConfig struct {
	Command        string        `yaml:"command"`
	Model          string        `yaml:"model"`
	PermissionMode string        `yaml:"permission_mode"`
	AllowedTools   []string      `yaml:"allowed_tools"`
	SystemPrompt   string        `yaml:"system_prompt"`
	SpawnTimeout   time.Duration `yaml:"spawn_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
}

// StoreConfig defines the session database location.
type StoreConfig struct {
	Database string `yaml:"database"`
}

// WorkersConfig sizes the background pools.
type WorkersConfig struct {
	Git int `yaml:"git"`
}

// LoggingConfig defines log output and error reporting.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	SentryDSN string `yaml:"sentry_dsn"`
	Env       string `yaml:"env"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	dir := configDir()

	return &Config{
		Assistant: AssistantConfig{
			Command:      "claude",
			SpawnTimeout: 10 * time.Second,
			StopGrace:    3 * time.Second,
		},
		Store: StoreConfig{
			Database: filepath.Join(dir, "canopy.db"),
		},
		Workers: WorkersConfig{Git: 4},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dir, "canopy.log"),
			Env:   "development",
		},
	}
}

// Load reads configuration from the default path, falling back to defaults
// when no file exists.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigPath())
}

// LoadFrom reads configuration from path, falling back to defaults when the
// file does not exist.
func LoadFrom(path string) (*Config, error) {
	const op = errs.Op("config.Load")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, errs.E(op, errs.KindConfig, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.E(op, errs.KindConfig, fmt.Errorf("parse %s: %w", path, err))
	}

	cfg.expandEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, errs.E(op, path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later in confusing ways.
// Failures are KindConfig.
func (c *Config) Validate() error {
	if msg := c.invalid(); msg != "" {
		return errs.E(errs.Op("config.Validate"), errs.KindConfig, msg)
	}
	return nil
}

func (c *Config) invalid() string {
	if c.Assistant.Command == "" {
		return "assistant.command must not be empty"
	}
	if c.Assistant.SpawnTimeout <= 0 {
		return "assistant.spawn_timeout must be positive"
	}
	if c.Assistant.StopGrace <= 0 {
		return "assistant.stop_grace must be positive"
	}
	if c.Workers.Git < 1 {
		return "workers.git must be at least 1"
	}
	if c.Store.Database == "" {
		return "store.database must not be empty"
	}
	return ""
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("CANOPY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/canopy")
}

func (c *Config) expandEnvVars() {
	c.Logging.SentryDSN = os.ExpandEnv(c.Logging.SentryDSN)
	c.Repos.WorktreeDir = expandHome(os.ExpandEnv(c.Repos.WorktreeDir))
	c.Store.Database = expandHome(os.ExpandEnv(c.Store.Database))
	c.Logging.File = expandHome(os.ExpandEnv(c.Logging.File))
}

func expandHome(p string) string {
	if p == "~" || (len(p) > 1 && p[:2] == "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, p[1:])
	}
	return p
}
