// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package sweeper

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzband/beacond/pkg/secrets"
	"github.com/quartzband/beacond/pkg/store"
	"github.com/quartzband/beacond/pkg/tokens"
)

func TestSweeperPurgesAndTrims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	secretStore := secrets.New(t.TempDir())
	require.NoError(t, secretStore.LoadOrCreate())

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "tokens.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	manager := tokens.NewManager(db, secretStore, tokens.Config{
		Issuer:         "test-appliance",
		TimeValidation: true,
	})

	// A revoked and expired token, purgeable on the first tick.
	_, err = store.NewDeviceStore(db.DB()).GetOrCreate(ctx, "d1")
	require.NoError(t, err)
	key, err := store.NewKeyStore(db.DB(), secretStore).Insert(ctx, "bWF0ZXJpYWw", true)
	require.NoError(t, err)
	_, err = store.NewTokenStore(db.DB()).Insert(ctx, store.Token{
		Token:     "tok-stale",
		DeviceID:  "d1",
		KeyID:     key.ID,
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	_, _, err = store.NewTokenStore(db.DB()).Revoke(ctx, "tok-stale")
	require.NoError(t, err)

	// A rolling-activity row past the retention window.
	require.NoError(t, store.NewActivityStore(db.DB()).Insert(ctx, store.ActivityRecent, store.ActivityEvent{
		DeviceID: "d1", Endpoint: "/auth/token", StatusCode: 200,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := New(manager, db, 20*time.Millisecond, 24*time.Hour)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, err := store.NewTokenStore(db.DB()).GetByValue(ctx, "tok-stale")
		if err == nil {
			return false
		}
		rows, err := store.NewActivityStore(db.DB()).List(ctx, store.ActivityRecent, "", 0)
		return err == nil && len(rows) == 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSweeperPrunesTokenCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	secretStore := secrets.New(t.TempDir())
	require.NoError(t, secretStore.LoadOrCreate())

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "tokens.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	manager := tokens.NewManager(db, secretStore, tokens.Config{
		Issuer:         "test-appliance",
		TimeValidation: true,
	})

	// An already-expired cached payload, evictable by the housekeeping tick.
	manager.Cache().Put("stale-token", jwt.MapClaims{
		"did": "d1",
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := New(manager, db, 20*time.Millisecond, 24*time.Hour)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return manager.Cache().Stats()["payloads"] == 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSweeperToleratesOversizedDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	secretStore := secrets.New(t.TempDir())
	require.NoError(t, secretStore.LoadOrCreate())

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "tokens.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	manager := tokens.NewManager(db, secretStore, tokens.Config{
		Issuer:         "test-appliance",
		TimeValidation: true,
	})

	// Inflate past the 1 MiB limit, vacuuming so the main file carries the
	// weight rather than the WAL.
	_, err = store.NewDeviceStore(db.DB()).GetOrCreate(ctx, "d1")
	require.NoError(t, err)
	filler := strings.Repeat("x", 8192)
	events := make([]store.ActivityEvent, 200)
	for i := range events {
		events[i] = store.ActivityEvent{DeviceID: "d1", Endpoint: filler, StatusCode: 200}
	}
	require.NoError(t, store.NewActivityStore(db.DB()).BulkInsert(ctx, store.ActivityHistorical, events))
	require.NoError(t, db.Vacuum(ctx))
	require.ErrorIs(t, db.CheckSize(), store.ErrSizeExceeded)

	// A purgeable token shows the retention loops keep working while the
	// size guardrail fires on every tick.
	key, err := store.NewKeyStore(db.DB(), secretStore).Insert(ctx, "bWF0ZXJpYWw", true)
	require.NoError(t, err)
	_, err = store.NewTokenStore(db.DB()).Insert(ctx, store.Token{
		Token:     "tok-stale",
		DeviceID:  "d1",
		KeyID:     key.ID,
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	_, _, err = store.NewTokenStore(db.DB()).Revoke(ctx, "tok-stale")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := New(manager, db, 20*time.Millisecond, 24*time.Hour)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, err := store.NewTokenStore(db.DB()).GetByValue(ctx, "tok-stale")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSweeperDefaults(t *testing.T) {
	t.Parallel()

	s := New(nil, nil, 0, 0)
	assert.Equal(t, DefaultInterval, s.interval)
	assert.Equal(t, DefaultRetention, s.retention)
}
