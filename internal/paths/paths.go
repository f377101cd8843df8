// Package paths resolves marcus's configuration and data directories and
// the state files that live under them.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment overrides. Both take precedence over the home-relative
// defaults; the data dir override loses to an explicit --data-dir flag or
// data_dir config key.
const (
	EnvConfigDir = "MARCUS_CONFIG_DIR"
	EnvDataDir   = "MARCUS_DATA_DIR"
)

// ConfigDir returns the directory holding config.yaml.
// Resolution: $MARCUS_CONFIG_DIR, then ~/.config/marcus, then ./.marcus
// when no home directory exists.
func ConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return filepath.Clean(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".marcus"
	}
	return filepath.Join(home, ".config", "marcus")
}

// ConfigFile returns the default config file path under ConfigDir.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the directory for runtime state. An explicit override
// (flag or config key) wins, then $MARCUS_DATA_DIR, then
// ~/.local/share/marcus, then ./.marcus when no home directory exists.
func DataDir(override string) string {
	if override != "" {
		return filepath.Clean(override)
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return filepath.Clean(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".marcus"
	}
	return filepath.Join(home, ".local", "share", "marcus")
}

// LedgerFile returns the assignment ledger path under dataDir.
func LedgerFile(dataDir string) string {
	return filepath.Join(dataDir, "ledger.json")
}

// EventsFile returns the realtime event log path under dataDir.
func EventsFile(dataDir string) string {
	return filepath.Join(dataDir, "events.jsonl")
}

// MonitorFile returns the monitor snapshot path under dataDir.
func MonitorFile(dataDir string) string {
	return filepath.Join(dataDir, "monitor.json")
}

// BoardFile returns the local provider's database path under dataDir.
func BoardFile(dataDir string) string {
	return filepath.Join(dataDir, "board.db")
}

// EnsureDir creates dir and any missing parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}
