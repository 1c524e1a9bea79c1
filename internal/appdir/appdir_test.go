package appdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir_EnvOverride(t *testing.T) {
	customDir := t.TempDir()
	t.Setenv(DirEnv, customDir)
	ResetCache()
	t.Cleanup(ResetCache)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if dir != customDir {
		t.Errorf("Dir() = %q, want %q", dir, customDir)
	}
}

func TestDir_DefaultPath(t *testing.T) {
	t.Setenv(DirEnv, "")
	ResetCache()
	t.Cleanup(ResetCache)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if !strings.Contains(strings.ToLower(dir), "avatalk") {
		t.Errorf("Dir() = %q, expected path to contain 'avatalk'", dir)
	}
}

func TestEnsureDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "avatalk")
	t.Setenv(DirEnv, base)
	ResetCache()
	t.Cleanup(ResetCache)

	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir() failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(base, LogsDirName))
	if err != nil {
		t.Fatalf("logs directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("logs path is not a directory")
	}

	// Idempotent.
	if err := EnsureDir(); err != nil {
		t.Fatalf("second EnsureDir() failed: %v", err)
	}
}

func TestPaths(t *testing.T) {
	base := t.TempDir()
	t.Setenv(DirEnv, base)
	t.Setenv(ConfigEnv, "")
	ResetCache()
	t.Cleanup(ResetCache)

	sessions, err := SessionsPath()
	if err != nil {
		t.Fatalf("SessionsPath() failed: %v", err)
	}
	if sessions != filepath.Join(base, SessionsFileName) {
		t.Errorf("SessionsPath() = %q", sessions)
	}

	logPath, err := LogPath()
	if err != nil {
		t.Fatalf("LogPath() failed: %v", err)
	}
	if logPath != filepath.Join(base, LogsDirName, LogFileName) {
		t.Errorf("LogPath() = %q", logPath)
	}

	cfg, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}
	if cfg != filepath.Join(base, ConfigFileName) {
		t.Errorf("ConfigPath() = %q", cfg)
	}
}

func TestConfigPath_EnvOverride(t *testing.T) {
	want := filepath.Join(t.TempDir(), "custom.yaml")
	t.Setenv(ConfigEnv, want)

	got, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}
