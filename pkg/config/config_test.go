// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()

	assert.Equal(t, "127.0.0.1:8741", cfg.ListenAddr)
	assert.Equal(t, int64(10), cfg.DBMaxSizeMB)
	assert.Equal(t, 30, cfg.AccessTokenTTLDays)
	assert.True(t, cfg.TimeValidationEnabled)
	assert.Equal(t, 1000, cfg.ActivityBufferSize)
	assert.Equal(t, 3600, cfg.ActivityFlushIntervalSeconds)
	assert.Equal(t, 1, cfg.RecentActivityRetentionDays)

	assert.Equal(t, 30*24*time.Hour, cfg.AccessTokenTTL())
	assert.Equal(t, time.Hour, cfg.ActivityFlushInterval())
	assert.Equal(t, 24*time.Hour, cfg.RecentActivityRetention())
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "127.0.0.1:9000"
access_token_ttl_days: 7
activity_buffer_size: 50
`), 0600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 7, cfg.AccessTokenTTLDays)
	assert.Equal(t, 50, cfg.ActivityBufferSize)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().DBPath, cfg.DBPath)
	assert.True(t, cfg.TimeValidationEnabled)
}

func TestLoadFromRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"zero ttl", "access_token_ttl_days: 0"},
		{"negative buffer", "activity_buffer_size: -1"},
		{"zero flush interval", "activity_flush_interval_s: 0"},
		{"zero retention", "recent_activity_retention_days: 0"},
		{"zero db size", "db_max_size_mb: 0"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0600))

			_, err := LoadFrom(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadFromRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unterminated"), 0600))

	_, err := LoadFrom(path)
	assert.Error(t, err)
}
