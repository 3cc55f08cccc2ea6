package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/storypack/internal/archive"
)

// Config represents the complete storypack configuration
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Archive ArchiveConfig `yaml:"archive"`
	Session SessionConfig `yaml:"session"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	TempDir     string `yaml:"temp_dir"`
	RollbackDir string `yaml:"rollback_dir"`
}

// ArchiveConfig configures how project archives are written
type ArchiveConfig struct {
	Compression string `yaml:"compression"`
	Level       int    `yaml:"level"`
}

// SessionConfig configures editing sessions
type SessionConfig struct {
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
	KeepBackups      int           `yaml:"keep_backups"`
}

// DefaultPath returns the per-user config file location
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(dir, "storypack", "config.yaml"), nil
}

// Default returns a configuration with every field at its default
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
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

// LoadOrDefault loads path, falling back to Default when the file does not exist
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.TempDir = os.ExpandEnv(c.Paths.TempDir)
	c.Paths.RollbackDir = os.ExpandEnv(c.Paths.RollbackDir)
	c.Archive.Compression = os.ExpandEnv(c.Archive.Compression)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.TempDir == "" {
		c.Paths.TempDir = filepath.Join(os.TempDir(), "storypack")
	}
	if c.Paths.RollbackDir == "" {
		c.Paths.RollbackDir = filepath.Join(c.Paths.TempDir, "rollback")
	}
	if c.Archive.Compression == "" {
		c.Archive.Compression = string(archive.CompressionDeflate)
	}
	if c.Session.AutosaveInterval == 0 {
		c.Session.AutosaveInterval = 2 * time.Second
	}
	if c.Session.KeepBackups == 0 {
		c.Session.KeepBackups = 10
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Paths.TempDir) {
		return fmt.Errorf("paths.temp_dir must be an absolute path: %s", c.Paths.TempDir)
	}
	if !filepath.IsAbs(c.Paths.RollbackDir) {
		return fmt.Errorf("paths.rollback_dir must be an absolute path: %s", c.Paths.RollbackDir)
	}

	compression, err := archive.ParseCompression(c.Archive.Compression)
	if err != nil {
		return fmt.Errorf("invalid archive.compression: %w", err)
	}
	if compression == archive.CompressionDeflate && (c.Archive.Level < -2 || c.Archive.Level > 9) {
		return fmt.Errorf("archive.level must be between -2 and 9 for deflate: %d", c.Archive.Level)
	}

	if c.Session.AutosaveInterval < 0 {
		return fmt.Errorf("session.autosave_interval must not be negative: %s", c.Session.AutosaveInterval)
	}
	if c.Session.KeepBackups < 0 {
		return fmt.Errorf("session.keep_backups must not be negative: %d", c.Session.KeepBackups)
	}

	return nil
}

// ArchiveOptions returns the store options for the configured codec
func (c *Config) ArchiveOptions() []archive.Option {
	compression, err := archive.ParseCompression(c.Archive.Compression)
	if err != nil {
		compression = archive.CompressionDeflate
	}
	return []archive.Option{archive.WithCompression(compression, c.Archive.Level)}
}
