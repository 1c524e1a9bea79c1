// Package appdir locates the avatalk data directory, which holds the config
// file, the session cache (sessions.json) and rotated logs.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv is the environment variable to override the data directory.
	DirEnv = "AVATALK_DIR"

	// ConfigEnv overrides the config file path.
	ConfigEnv = "AVATALK_CONFIG"

	ConfigFileName   = "avatalk.yaml"
	SessionsFileName = "sessions.json"
	LogsDirName      = "logs"
	LogFileName      = "avatalk.log"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory path, in order of preference:
//  1. AVATALK_DIR environment variable (if set)
//  2. Platform-specific default:
//     - macOS: ~/Library/Application Support/Avatalk
//     - Linux: $XDG_DATA_HOME/avatalk or ~/.local/share/avatalk
//     - Windows: %APPDATA%\Avatalk
//
// It does not create the directory; use EnsureDir for that.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}

	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, "Library", "Application Support", "Avatalk"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Avatalk"), nil

	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "avatalk"), nil
	}
}

// EnsureDir creates the data directory and its logs subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	logs := filepath.Join(dir, LogsDirName)
	if err := os.MkdirAll(logs, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", logs, err)
	}
	return nil
}

// ConfigPath returns the config file path. AVATALK_CONFIG wins over the
// data directory default.
func ConfigPath() (string, error) {
	if p := os.Getenv(ConfigEnv); p != "" {
		return p, nil
	}
	return join(ConfigFileName)
}

// SessionsPath returns the full path to the session cache file.
func SessionsPath() (string, error) {
	return join(SessionsFileName)
}

// LogPath returns the full path to the rotated log file.
func LogPath() (string, error) {
	return join(LogsDirName, LogFileName)
}

func join(elem ...string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}

// ResetCache clears the cached directory path. Tests use it after changing
// the environment.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
