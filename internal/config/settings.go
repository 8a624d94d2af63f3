package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Connection types persisted by the UI
const (
	ConnectionWiFi  = "wifi"
	ConnectionWired = "wired"
)

// UserSettings is the operator's persisted device choice, written by the UI
// and overlaid onto the configuration at load time.
type UserSettings struct {
	ConnectionType string `json:"connectionType,omitempty"`
	StaticIP       string `json:"staticIP,omitempty"`
	StaticPort     int    `json:"staticPort,omitempty"`
}

// LoadUserSettings reads user-settings.json. A missing file returns
// (nil, nil); a malformed file is an error so a bad overlay never silently
// reverts the operator's choice.
func LoadUserSettings(path string) (*UserSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var settings UserSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &settings, nil
}

// SaveUserSettings writes user-settings.json atomically.
func SaveUserSettings(path string, settings *UserSettings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write user settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace user settings: %w", err)
	}
	return nil
}
