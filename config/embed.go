// Package config provides the embedded default configuration for avatalk.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultConfigYAML is the commented default configuration file.
//
//go:embed avatalk.default.yaml
var DefaultConfigYAML []byte

// WriteDefault writes the default configuration to path. An existing file is
// kept unless force is set; the returned bool reports whether it was written.
func WriteDefault(path string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, DefaultConfigYAML, 0600); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}
