package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "worldforge.yaml"

const (
	DefaultMirrorDSN  = "sqlite://runtime/world.db"
	DefaultBackupKeep = 20
	DefaultDebounce   = 250 * time.Millisecond
)

type ProjectConfig struct {
	Project string       `yaml:"project"`
	Version int          `yaml:"version"`
	Mirror  MirrorConfig `yaml:"mirror"`
	Log     LogConfig    `yaml:"log"`
	Backup  BackupConfig `yaml:"backup"`
	Watch   WatchConfig  `yaml:"watch"`
}

type MirrorConfig struct {
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BackupConfig struct {
	Keep int   `yaml:"keep"`
	Auto *bool `yaml:"auto"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

func (b BackupConfig) AutoEnabled() bool {
	return b.Auto == nil || *b.Auto
}

func Default(project string) *ProjectConfig {
	cfg := &ProjectConfig{Project: project, Version: 1}
	applyDefaults(cfg)
	return cfg
}

func LoadProjectConfig(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validateProjectConfig(&cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *ProjectConfig) {
	if strings.TrimSpace(cfg.Mirror.DSN) == "" {
		cfg.Mirror.DSN = DefaultMirrorDSN
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Backup.Keep == 0 {
		cfg.Backup.Keep = DefaultBackupKeep
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = DefaultDebounce
	}
}

func validateProjectConfig(cfg *ProjectConfig) error {
	if strings.TrimSpace(cfg.Project) == "" {
		return fmt.Errorf("project name is required")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version: %d", cfg.Version)
	}

	dsn := cfg.Mirror.DSN
	if !strings.HasPrefix(dsn, "sqlite://") && !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return fmt.Errorf("mirror dsn must start with sqlite://, postgres:// or postgresql://")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %s", cfg.Log.Format)
	}

	if cfg.Backup.Keep < 1 {
		return fmt.Errorf("backup keep must be at least 1, got %d", cfg.Backup.Keep)
	}
	if cfg.Watch.Debounce < 0 {
		return fmt.Errorf("watch debounce must not be negative")
	}

	return nil
}

func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", start, err)
	}
	for {
		_, err := os.Stat(filepath.Join(dir, FileName))
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("checking %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found in %s or any parent directory", FileName, start)
		}
		dir = parent
	}
}
