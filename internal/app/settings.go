package app

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings represents configuration loaded from config.yaml.
// Field names match snake_case YAML keys.
type Settings struct {
	DBPath           string `yaml:"db_path"`
	MaxErrors        int    `yaml:"max_errors"`
	MaxBackups       int    `yaml:"max_backups"`
	BackupIntervalMS int    `yaml:"backup_interval_ms"`
	RetentionDays    int    `yaml:"retention_days"`
	SessionTTLHours  int    `yaml:"session_ttl_hours"`
	MaxSessions      int    `yaml:"max_sessions"`
}

// ResilienceSettings are effective runtime values used to configure the
// state guard (ledger capacity, backup cadence, session retention).
type ResilienceSettings struct {
	MaxErrors       int           `json:"max_errors"`
	MaxBackups      int           `json:"max_backups"`
	BackupInterval  time.Duration `json:"backup_interval"`
	RetentionPeriod time.Duration `json:"retention_period"`
	SessionTTL      time.Duration `json:"session_ttl"`
	MaxSessions     int           `json:"max_sessions"`
}

const (
	defaultMaxErrors        = 100
	defaultMaxBackups       = 10
	defaultBackupIntervalMS = 2000
	defaultRetentionDays    = 7
	defaultSessionTTLHours  = 24
	defaultMaxSessions      = 5
)

// EffectiveResilienceSettings returns validated resilience settings with defaults.
// Invalid or missing config values fall back to safe defaults.
func EffectiveResilienceSettings() ResilienceSettings {
	cfg := ResilienceSettings{
		MaxErrors:       defaultMaxErrors,
		MaxBackups:      defaultMaxBackups,
		BackupInterval:  time.Duration(defaultBackupIntervalMS) * time.Millisecond,
		RetentionPeriod: time.Duration(defaultRetentionDays) * 24 * time.Hour,
		SessionTTL:      time.Duration(defaultSessionTTLHours) * time.Hour,
		MaxSessions:     defaultMaxSessions,
	}

	s, err := LoadSettings()
	if err != nil {
		return cfg
	}

	if s.MaxErrors > 0 {
		cfg.MaxErrors = s.MaxErrors
	}
	if s.MaxBackups > 0 {
		cfg.MaxBackups = s.MaxBackups
	}
	if s.BackupIntervalMS > 0 {
		cfg.BackupInterval = time.Duration(s.BackupIntervalMS) * time.Millisecond
	}
	if s.RetentionDays > 0 {
		cfg.RetentionPeriod = time.Duration(s.RetentionDays) * 24 * time.Hour
	}
	if s.SessionTTLHours > 0 {
		cfg.SessionTTL = time.Duration(s.SessionTTLHours) * time.Hour
	}
	if s.MaxSessions > 0 {
		cfg.MaxSessions = s.MaxSessions
	}

	if cfg.MaxErrors > 10000 {
		cfg.MaxErrors = 10000
	}
	if cfg.RetentionPeriod > 3650*24*time.Hour {
		cfg.RetentionPeriod = 3650 * 24 * time.Hour
	}
	if cfg.BackupInterval < 100*time.Millisecond {
		cfg.BackupInterval = 100 * time.Millisecond
	}
	return cfg
}

// settingsOnce, settings, settingsErr implement the sync.Once lazy-load singleton for config.
// dbPathOverrideMu and dbPathOverride implement a mutex-protected process-wide override for CLI --db-path.
// These globals are required by the sync.Once pattern and the RWMutex pattern; they cannot be avoided.
//
//nolint:gochecknoglobals // sync.Once singleton + RWMutex override are intentional process-wide state
var (
	settingsOnce sync.Once
	settings     Settings
	settingsErr  error

	dbPathOverrideMu sync.RWMutex
	dbPathOverride   string
)

// SetDBPathOverride sets a process-wide database path override.
// Intended for CLI flag support (e.g. --db-path).
func SetDBPathOverride(path string) {
	dbPathOverrideMu.Lock()
	dbPathOverride = path
	dbPathOverrideMu.Unlock()
}

func getDBPathOverride() string {
	dbPathOverrideMu.RLock()
	v := dbPathOverride
	dbPathOverrideMu.RUnlock()
	return v
}

// LoadSettings loads configuration once using the documented lookup order.
// Lookup order (first found wins):
// 1) ~/.config/stateguard/config.yaml
// 2) /etc/stateguard/config.yaml
// 3) ./config.yaml (lowest priority; allows repo-local overrides if desired)
// Environment variables are handled separately.
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		settings = Settings{}

		// 1) User config (~/.config/stateguard/config.yaml)
		dir, err := ConfigDir()
		if err != nil {
			settingsErr = err
			return
		}
		if s, err := loadSettingsFile(filepath.Join(dir, "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		// 2) /etc
		if s, err := loadSettingsFile(filepath.Join(string(os.PathSeparator), "etc", "stateguard", "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		// 3) Local ./config.yaml (lowest priority)
		if s, err := loadSettingsFile("config.yaml"); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}
	})

	return settings, settingsErr
}

func loadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
