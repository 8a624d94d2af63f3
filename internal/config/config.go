package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the bridge configuration. Durations are carried as
// milliseconds to keep file and env forms plain integers.
type Config struct {
	// Device connection
	UseMockDevice             bool   `mapstructure:"use_mock_device"`
	AutoDiscoverDevice        bool   `mapstructure:"auto_discover_device"`
	AutoDiscoveryRetries      int    `mapstructure:"auto_discovery_retries"`
	AutoDiscoveryRetryDelayMs int    `mapstructure:"auto_discovery_retry_delay_ms"`
	DeviceIP                  string `mapstructure:"ip"`
	DevicePort                int    `mapstructure:"port"`
	TimeoutMs                 int    `mapstructure:"timeout_ms"`
	InactivityTimeoutMs       int    `mapstructure:"inactivity_timeout_ms"`
	MockIntervalMs            int    `mapstructure:"mock_interval_ms"`

	// Discovery
	ScanTimeoutMs   int `mapstructure:"scan_timeout_ms"`
	ScanConcurrency int `mapstructure:"scan_concurrency"`

	// Attendance
	Timezone       string `mapstructure:"timezone"`
	SyncIntervalMs int    `mapstructure:"sync_interval_ms"`

	// Cloud document store; empty DSN selects the in-memory store
	StoreDSN string `mapstructure:"store_dsn"`

	// Enrollment feed; empty address disables the consumer
	FeedAddr     string `mapstructure:"feed_addr"`
	FeedPassword string `mapstructure:"feed_password"`
	FeedDB       int    `mapstructure:"feed_db"`

	// Local API server
	APIHost  string `mapstructure:"api_host"`
	APIPort  int    `mapstructure:"api_port"`
	APIToken string `mapstructure:"api_token"`

	// Optional relational mirror of accepted records
	MirrorEnabled bool `mapstructure:"mirror_enabled"`

	// Paths and logging
	DataDirOverride string `mapstructure:"data_dir"`
	LogLevel        string `mapstructure:"log_level"`
	LogFile         string `mapstructure:"log_file"`

	// ConnectionType comes from user-settings.json, not the config file.
	ConnectionType string `mapstructure:"-"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		UseMockDevice:             false,
		AutoDiscoverDevice:        true,
		AutoDiscoveryRetries:      5,
		AutoDiscoveryRetryDelayMs: 3000,
		DevicePort:                4370,
		TimeoutMs:                 10000,
		InactivityTimeoutMs:       4000,
		MockIntervalMs:            30000,
		ScanTimeoutMs:             600,
		ScanConcurrency:           150,
		Timezone:                  "Asia/Kolkata",
		SyncIntervalMs:            30000,
		APIHost:                   "127.0.0.1",
		APIPort:                   8080,
		LogLevel:                  "info",
	}
}

// Load loads configuration from file, persisted user settings and
// environment variables, in that order of precedence (lowest first).
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/zk-attendance-bridge")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".zk-attendance-bridge"))
		}
	}

	v.SetEnvPrefix("ZKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	// First pass resolves the data dir so the user-settings overlay can be
	// located; the overlay sits between the config file and the env.
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	settings, err := LoadUserSettings(cfg.UserSettingsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load user settings: %w", err)
	}
	if settings != nil {
		overlay := map[string]interface{}{}
		if settings.StaticIP != "" {
			overlay["ip"] = settings.StaticIP
		}
		if settings.StaticPort > 0 {
			overlay["port"] = settings.StaticPort
		}
		if len(overlay) > 0 {
			if err := v.MergeConfigMap(overlay); err != nil {
				return nil, fmt.Errorf("failed to merge user settings: %w", err)
			}
		}
		cfg.ConnectionType = settings.ConnectionType
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("use_mock_device", cfg.UseMockDevice)
	v.SetDefault("auto_discover_device", cfg.AutoDiscoverDevice)
	v.SetDefault("auto_discovery_retries", cfg.AutoDiscoveryRetries)
	v.SetDefault("auto_discovery_retry_delay_ms", cfg.AutoDiscoveryRetryDelayMs)
	v.SetDefault("port", cfg.DevicePort)
	v.SetDefault("timeout_ms", cfg.TimeoutMs)
	v.SetDefault("inactivity_timeout_ms", cfg.InactivityTimeoutMs)
	v.SetDefault("mock_interval_ms", cfg.MockIntervalMs)
	v.SetDefault("scan_timeout_ms", cfg.ScanTimeoutMs)
	v.SetDefault("scan_concurrency", cfg.ScanConcurrency)
	v.SetDefault("timezone", cfg.Timezone)
	v.SetDefault("sync_interval_ms", cfg.SyncIntervalMs)
	v.SetDefault("api_host", cfg.APIHost)
	v.SetDefault("api_port", cfg.APIPort)
	v.SetDefault("log_level", cfg.LogLevel)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DevicePort <= 0 || c.DevicePort > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if c.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be positive")
	}

	if c.ScanConcurrency <= 0 {
		return fmt.Errorf("scan_concurrency must be positive")
	}

	if c.SyncIntervalMs < 1000 {
		return fmt.Errorf("sync_interval_ms must be at least 1000")
	}

	if c.Timezone == "" {
		return fmt.Errorf("timezone is required")
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	if !c.UseMockDevice && !c.AutoDiscoverDevice && c.DeviceIP == "" {
		return fmt.Errorf("ip is required when auto discovery is disabled")
	}

	return nil
}

// Duration accessors for the millisecond fields

func (c *Config) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMs) * time.Millisecond
}
func (c *Config) MockInterval() time.Duration { return time.Duration(c.MockIntervalMs) * time.Millisecond }
func (c *Config) ScanTimeout() time.Duration  { return time.Duration(c.ScanTimeoutMs) * time.Millisecond }
func (c *Config) SyncInterval() time.Duration { return time.Duration(c.SyncIntervalMs) * time.Millisecond }
func (c *Config) AutoDiscoveryRetryDelay() time.Duration {
	return time.Duration(c.AutoDiscoveryRetryDelayMs) * time.Millisecond
}

// LocalBaseURL is the origin the UI reaches this process on; offloaded photo
// URLs are synthesized against it.
func (c *Config) LocalBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.APIHost, c.APIPort)
}
