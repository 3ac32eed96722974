// Package home locates the docflow home directory: the config file and,
// for a managed DefraDB container, its data mount.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// EnvVar overrides the default location when no path is given.
	EnvVar = "DOCFLOW_HOME"

	// DefaultDirName is created under the user's home directory.
	DefaultDirName = ".docflow"

	// DataDirName holds the DefraDB data mount.
	DataDirName = "defra"

	// ConfigFileName is the config file read by serve and the defra commands.
	ConfigFileName = "config.yaml"
)

// Dir is a resolved docflow home directory.
type Dir struct {
	path string
}

// New resolves the home directory: path if set, then $DOCFLOW_HOME, then
// ~/.docflow. Nothing is created on disk.
func New(path string) (*Dir, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(userHome, DefaultDirName)
	}
	return &Dir{path: filepath.Clean(path)}, nil
}

func (d *Dir) Path() string       { return d.path }
func (d *Dir) DataPath() string   { return filepath.Join(d.path, DataDirName) }
func (d *Dir) ConfigPath() string { return filepath.Join(d.path, ConfigFileName) }

// EnsureExists creates the home and data directories.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.DataPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", d.DataPath(), err)
	}
	return nil
}

// Exists reports whether the home directory is present.
func (d *Dir) Exists() bool { return isDir(d.path) }

// ConfigExists reports whether config.yaml is present.
func (d *Dir) ConfigExists() bool {
	info, err := os.Stat(d.ConfigPath())
	return err == nil && !info.IsDir()
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
