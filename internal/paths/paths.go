// Package paths resolves where the unidb CLI keeps its configuration and,
// for file-backed backends, its data.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppDir is the directory name used under the platform locations.
const AppDir = "unidb"

// Environment variables overriding the directories.
const (
	EnvConfigDir = "UNIDB_CONFIG_DIR"
	EnvDataDir   = "UNIDB_DATA_DIR"
)

// platformDir holds platform lookups, replaced in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// xdg returns $env/unidb, falling back to ~/<fallback...>/unidb on Linux and
// to the user config directory elsewhere.
func xdg(env string, fallback ...string) (string, error) {
	if runtime.GOOS != "linux" {
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, AppDir), nil
	}
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, AppDir), nil
	}
	home, err := platformDir.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append(append([]string{home}, fallback...), AppDir)...), nil
}

// DefaultConfigDir returns the platform configuration directory:
// $XDG_CONFIG_HOME/unidb or ~/.config/unidb on Linux, the user config
// directory elsewhere.
func DefaultConfigDir() (string, error) {
	return xdg("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory:
// $XDG_DATA_HOME/unidb or ~/.local/share/unidb on Linux, the user config
// directory elsewhere.
func DefaultDataDir() (string, error) {
	return xdg("XDG_DATA_HOME", ".local", "share")
}

// first returns the first non-empty candidate as an absolute path, or
// "" when all are empty.
func first(candidates ...string) (string, error) {
	for _, c := range candidates {
		if c != "" {
			return filepath.Abs(c)
		}
	}
	return "", nil
}

// ResolveConfigDir applies flag > UNIDB_CONFIG_DIR > DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	dir, err := first(flag, os.Getenv(EnvConfigDir))
	if err != nil || dir != "" {
		return dir, err
	}
	return DefaultConfigDir()
}

// ResolveDataDir applies flag > config.yaml data_dir > UNIDB_DATA_DIR >
// DefaultDataDir.
func ResolveDataDir(flag, configValue string) (string, error) {
	dir, err := first(flag, configValue, os.Getenv(EnvDataDir))
	if err != nil || dir != "" {
		return dir, err
	}
	return DefaultDataDir()
}
