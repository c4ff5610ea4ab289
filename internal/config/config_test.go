package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadProjectConfig(t *testing.T) {
	t.Run("valid config loads with defaults", func(t *testing.T) {
		path := writeTempConfig(t, "project: aerth\nversion: 1\n")
		cfg, err := LoadProjectConfig(path)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Project != "aerth" {
			t.Fatalf("expected project name, got %q", cfg.Project)
		}
		if cfg.Mirror.DSN != DefaultMirrorDSN {
			t.Fatalf("expected default dsn, got %q", cfg.Mirror.DSN)
		}
		if cfg.Backup.Keep != DefaultBackupKeep || !cfg.Backup.AutoEnabled() {
			t.Fatalf("unexpected backup defaults: %+v", cfg.Backup)
		}
		if cfg.Watch.Debounce != DefaultDebounce {
			t.Fatalf("unexpected debounce: %v", cfg.Watch.Debounce)
		}
	})

	t.Run("explicit values win", func(t *testing.T) {
		path := writeTempConfig(t, "project: aerth\nversion: 1\nmirror:\n  dsn: postgres://localhost/world\nlog:\n  level: debug\n  format: json\nbackup:\n  keep: 3\n  auto: false\nwatch:\n  debounce: 1s\n")
		cfg, err := LoadProjectConfig(path)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Mirror.DSN != "postgres://localhost/world" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.Backup.Keep != 3 || cfg.Backup.AutoEnabled() {
			t.Fatalf("unexpected backup config: %+v", cfg.Backup)
		}
		if cfg.Watch.Debounce != time.Second {
			t.Fatalf("unexpected debounce: %v", cfg.Watch.Debounce)
		}
	})

	t.Run("missing project name", func(t *testing.T) {
		path := writeTempConfig(t, "version: 1\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		path := writeTempConfig(t, "project: aerth\nversion: 2\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("bad dsn scheme", func(t *testing.T) {
		path := writeTempConfig(t, "project: aerth\nversion: 1\nmirror:\n  dsn: mysql://localhost\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("bad log level", func(t *testing.T) {
		path := writeTempConfig(t, "project: aerth\nversion: 1\nlog:\n  level: loud\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("negative keep", func(t *testing.T) {
		path := writeTempConfig(t, "project: aerth\nversion: 1\nbackup:\n  keep: -1\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("file not found", func(t *testing.T) {
		if _, err := LoadProjectConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeTempConfig(t, "project: [\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("project: x\nversion: 1\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	nested := filepath.Join(root, "user-world", "entities")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := FindRoot(nested)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want, _ := filepath.Abs(root)
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	if _, err := FindRoot(t.TempDir()); err == nil {
		t.Fatalf("expected error when no config exists")
	}
}

func TestPaths(t *testing.T) {
	p := NewPaths("/world")
	if p.EntityFile("gods", "thorin-a1b2") != filepath.Join("/world", "user-world", "entities", "gods", "thorin-a1b2.json") {
		t.Fatalf("unexpected entity path: %s", p.EntityFile("gods", "thorin-a1b2"))
	}
	if p.ResolveDSN("sqlite://runtime/world.db") != "sqlite://"+filepath.Join("/world", "runtime", "world.db") {
		t.Fatalf("unexpected dsn: %s", p.ResolveDSN("sqlite://runtime/world.db"))
	}
	if p.ResolveDSN("sqlite://:memory:") != "sqlite://:memory:" {
		t.Fatalf("memory dsn changed")
	}
	if p.ResolveDSN("postgres://h/db") != "postgres://h/db" {
		t.Fatalf("postgres dsn changed")
	}
}

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}
