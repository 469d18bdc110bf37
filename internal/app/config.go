package app

import (
	"os"
	"path/filepath"
)

// ConfigDir returns ~/.config/stateguard/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "stateguard"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# stateguard configuration
# Run: stateguard --help

# Optional: override the SQLite database location.
# Can also be set via STATEGUARD_DB_PATH or --db-path.
# db_path: ~/.config/stateguard/stateguard.db

# Resilience tuning. Zero or missing values fall back to defaults.
# max_errors: 100
# max_backups: 10
# backup_interval_ms: 2000
# retention_days: 7
# session_ttl_hours: 24
# max_sessions: 5
`
