// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the application config structure
// and the logic required to load it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration of the management daemon.
type Config struct {
	// ListenAddr is the TCP address the API server binds to.
	ListenAddr string `yaml:"listen_addr"`
	// UnixSocket, when set, makes the server listen on a UNIX socket
	// instead of TCP.
	UnixSocket string `yaml:"unix_socket,omitempty"`

	// ApplianceID names this appliance in the iss claim of issued tokens.
	// Empty means the hostname is used.
	ApplianceID string `yaml:"appliance_id,omitempty"`

	// SecretsDir is the root of the secrets directory.
	SecretsDir string `yaml:"secrets_dir"`
	// DBPath is the location of the token database file.
	DBPath string `yaml:"db_path"`
	// DBMaxSizeMB is the database size guardrail checked at runtime.
	DBMaxSizeMB int64 `yaml:"db_max_size_mb"`

	// AccessTokenTTLDays is the default token lifetime.
	AccessTokenTTLDays int `yaml:"access_token_ttl_days"`
	// TimeValidationEnabled controls whether exp is enforced during
	// verification. Production deployments should leave this on.
	TimeValidationEnabled bool `yaml:"time_validation_enabled"`

	// ActivityBufferSize is the flush threshold for batched activity.
	ActivityBufferSize int `yaml:"activity_buffer_size"`
	// ActivityFlushIntervalSeconds is the periodic flush interval.
	ActivityFlushIntervalSeconds int `yaml:"activity_flush_interval_s"`
	// RecentActivityRetentionDays is the trim window for rolling activity.
	RecentActivityRetentionDays int `yaml:"recent_activity_retention_days"`
}

// AccessTokenTTL returns the default token lifetime as a duration.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLDays) * 24 * time.Hour
}

// ActivityFlushInterval returns the flush interval as a duration.
func (c *Config) ActivityFlushInterval() time.Duration {
	return time.Duration(c.ActivityFlushIntervalSeconds) * time.Second
}

// RecentActivityRetention returns the rolling-activity retention window.
func (c *Config) RecentActivityRetention() time.Duration {
	return time.Duration(c.RecentActivityRetentionDays) * 24 * time.Hour
}

// defaultPathGenerator generates the default config path using xdg.
var defaultPathGenerator = func() (string, error) {
	return xdg.ConfigFile("beacond/config.yaml")
}

// getConfigPath is the current path generator, can be replaced in tests.
var getConfigPath = defaultPathGenerator

// Default returns a config populated with default values. State paths are
// resolved under the XDG data directory.
func Default() Config {
	return Config{
		ListenAddr:                   "127.0.0.1:8741",
		SecretsDir:                   filepath.Join(xdg.DataHome, "beacond", "secrets"),
		DBPath:                       filepath.Join(xdg.DataHome, "beacond", "tokens.db"),
		DBMaxSizeMB:                  10,
		AccessTokenTTLDays:           30,
		TimeValidationEnabled:        true,
		ActivityBufferSize:           1000,
		ActivityFlushIntervalSeconds: 3600,
		RecentActivityRetentionDays:  1,
	}
}

// Load reads the config file if present, merging it over the defaults.
// A missing config file is not an error; defaults are returned.
func Load() (Config, error) {
	path, err := getConfigPath()
	if err != nil {
		return Config{}, fmt.Errorf("resolving config path: %w", err)
	}
	return LoadFrom(path)
}

// LoadFrom reads config from an explicit path, merging it over the defaults.
func LoadFrom(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AccessTokenTTLDays <= 0 {
		return fmt.Errorf("access_token_ttl_days must be positive, got %d", c.AccessTokenTTLDays)
	}
	if c.ActivityBufferSize <= 0 {
		return fmt.Errorf("activity_buffer_size must be positive, got %d", c.ActivityBufferSize)
	}
	if c.ActivityFlushIntervalSeconds <= 0 {
		return fmt.Errorf("activity_flush_interval_s must be positive, got %d", c.ActivityFlushIntervalSeconds)
	}
	if c.RecentActivityRetentionDays <= 0 {
		return fmt.Errorf("recent_activity_retention_days must be positive, got %d", c.RecentActivityRetentionDays)
	}
	if c.DBMaxSizeMB <= 0 {
		return fmt.Errorf("db_max_size_mb must be positive, got %d", c.DBMaxSizeMB)
	}
	return nil
}
