package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// AppDirName is the per-application directory under the platform data root.
const AppDirName = "ZK-Attendance"

// DefaultDataRoot returns the platform application-data root: %APPDATA% on
// Windows, ~/Library/Application Support on macOS, /var/local elsewhere.
func DefaultDataRoot() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return appData
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "AppData", "Roaming")
		}
		return "."
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support")
		}
		return "."
	default:
		return "/var/local"
	}
}

// DataDir returns the application data directory, honoring the data_dir
// override.
func (c *Config) DataDir() string {
	if c.DataDirOverride != "" {
		return c.DataDirOverride
	}
	return filepath.Join(DefaultDataRoot(), AppDirName)
}

// OfflineDataDir holds the spill, the user cache file and the photos.
func (c *Config) OfflineDataDir() string {
	return filepath.Join(c.DataDir(), "offline-data")
}

// PhotosDir holds offloaded user photos served under /static/photos/.
func (c *Config) PhotosDir() string {
	return filepath.Join(c.OfflineDataDir(), "photos")
}

// PendingAttendancePath is the active spill file.
func (c *Config) PendingAttendancePath() string {
	return filepath.Join(c.OfflineDataDir(), "pending-attendance.json")
}

// UsersCachePath is the on-disk user cache mirror.
func (c *Config) UsersCachePath() string {
	return filepath.Join(c.OfflineDataDir(), "users-cache.json")
}

// UserSettingsPath is the persisted operator settings file.
func (c *Config) UserSettingsPath() string {
	return filepath.Join(c.DataDir(), "user-settings.json")
}

// DatabaseDir holds the optional relational mirror.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.DataDir(), "database")
}

// MirrorDatabasePath is the sqlite file of the relational mirror.
func (c *Config) MirrorDatabasePath() string {
	return filepath.Join(c.DatabaseDir(), "attendance.db")
}

// EnsureDirs creates the data directory tree.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.DataDir(), c.OfflineDataDir(), c.PhotosDir()}
	if c.MirrorEnabled {
		dirs = append(dirs, c.DatabaseDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	return nil
}
