package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DevicePort != 4370 {
		t.Errorf("Expected port 4370, got %d", cfg.DevicePort)
	}

	if cfg.Timezone != "Asia/Kolkata" {
		t.Errorf("Expected timezone 'Asia/Kolkata', got '%s'", cfg.Timezone)
	}

	if !cfg.AutoDiscoverDevice {
		t.Error("AutoDiscoverDevice should default to true")
	}

	if cfg.AutoDiscoveryRetries != 5 {
		t.Errorf("Expected 5 discovery retries, got %d", cfg.AutoDiscoveryRetries)
	}

	if cfg.Timeout() != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %v", cfg.Timeout())
	}

	if cfg.SyncInterval() != 30*time.Second {
		t.Errorf("Expected 30s sync interval, got %v", cfg.SyncInterval())
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default is valid", func(c *Config) {}, false},
		{"zero port", func(c *Config) { c.DevicePort = 0 }, true},
		{"port out of range", func(c *Config) { c.DevicePort = 70000 }, true},
		{"zero timeout", func(c *Config) { c.TimeoutMs = 0 }, true},
		{"zero scan concurrency", func(c *Config) { c.ScanConcurrency = 0 }, true},
		{"sync interval too small", func(c *Config) { c.SyncIntervalMs = 500 }, true},
		{"empty timezone", func(c *Config) { c.Timezone = "" }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{
			"no ip without discovery",
			func(c *Config) { c.AutoDiscoverDevice = false; c.DeviceIP = "" },
			true,
		},
		{
			"mock device needs no ip",
			func(c *Config) { c.AutoDiscoverDevice = false; c.UseMockDevice = true },
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUserSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user-settings.json")

	in := &UserSettings{ConnectionType: ConnectionWired, StaticIP: "192.168.1.201", StaticPort: 4370}
	if err := SaveUserSettings(path, in); err != nil {
		t.Fatalf("SaveUserSettings() error = %v", err)
	}

	out, err := LoadUserSettings(path)
	if err != nil {
		t.Fatalf("LoadUserSettings() error = %v", err)
	}
	if out == nil {
		t.Fatal("LoadUserSettings() returned nil for existing file")
	}
	if *out != *in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestLoadUserSettingsMissingFile(t *testing.T) {
	out, err := LoadUserSettings(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadUserSettings() error = %v", err)
	}
	if out != nil {
		t.Errorf("expected nil settings for missing file, got %+v", out)
	}
}

func TestLoadAppliesUserSettingsOverlay(t *testing.T) {
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("data_dir: "+dir+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	settings := &UserSettings{ConnectionType: ConnectionWired, StaticIP: "10.0.0.50", StaticPort: 4370}
	if err := SaveUserSettings(filepath.Join(dir, "user-settings.json"), settings); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DeviceIP != "10.0.0.50" {
		t.Errorf("DeviceIP = %q, want overlay value 10.0.0.50", cfg.DeviceIP)
	}
	if cfg.ConnectionType != ConnectionWired {
		t.Errorf("ConnectionType = %q, want wired", cfg.ConnectionType)
	}
}

func TestLoadEnvOverridesUserSettings(t *testing.T) {
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("data_dir: "+dir+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	settings := &UserSettings{StaticIP: "10.0.0.50"}
	if err := SaveUserSettings(filepath.Join(dir, "user-settings.json"), settings); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ZKBRIDGE_IP", "10.0.0.99")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DeviceIP != "10.0.0.99" {
		t.Errorf("DeviceIP = %q, env should win over user settings", cfg.DeviceIP)
	}
}

func TestDataDirLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDirOverride = "/tmp/zk-test"

	if got := cfg.OfflineDataDir(); got != filepath.Join("/tmp/zk-test", "offline-data") {
		t.Errorf("OfflineDataDir() = %q", got)
	}
	if got := cfg.PhotosDir(); got != filepath.Join("/tmp/zk-test", "offline-data", "photos") {
		t.Errorf("PhotosDir() = %q", got)
	}
	if got := cfg.PendingAttendancePath(); filepath.Base(got) != "pending-attendance.json" {
		t.Errorf("PendingAttendancePath() = %q", got)
	}
	if got := cfg.LocalBaseURL(); got != "http://127.0.0.1:8080" {
		t.Errorf("LocalBaseURL() = %q", got)
	}
}
