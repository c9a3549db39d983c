// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzband/beacond/pkg/secrets"
	"github.com/quartzband/beacond/pkg/store"
	"github.com/quartzband/beacond/pkg/tokens"
)

func newTestRecorder(t *testing.T, cfg Config) (*Recorder, *store.DB, string) {
	t.Helper()

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

	token, err := manager.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	return NewRecorder(db, manager, cfg), db, token
}

func TestRecordWritesDurableHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder, db, token := newTestRecorder(t, Config{BufferSize: 100})

	require.NoError(t, recorder.Record(ctx, token, "/system/devices", 200))

	// The historical insert happens before Record returns, no flush needed.
	events, err := store.NewActivityStore(db.DB()).List(ctx, store.ActivityHistorical, "device-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "/system/devices", events[0].Endpoint)
	assert.Equal(t, 200, events[0].StatusCode)
}

func TestRecordUnknownTokenFails(t *testing.T) {
	t.Parallel()

	recorder, _, _ := newTestRecorder(t, Config{BufferSize: 100})
	err := recorder.Record(context.Background(), "no-such-token", "/system/devices", 200)
	assert.Error(t, err)
}

func TestRecordBuffersUntilFlush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder, db, token := newTestRecorder(t, Config{BufferSize: 100})

	require.NoError(t, recorder.Record(ctx, token, "/auth/revoke", 200))
	require.NoError(t, recorder.Record(ctx, token, "/status", 200))
	require.NoError(t, recorder.Record(ctx, token, "/status", 500))

	pendingEvents, pendingDevices := recorder.Pending()
	// Significant endpoint plus the error land in the recent buffer; the
	// plain 200 on an insignificant endpoint is aggregate-only.
	assert.Equal(t, 2, pendingEvents)
	assert.Equal(t, 1, pendingDevices)

	// Nothing in the store until a flush runs.
	recent, err := store.NewActivityStore(db.DB()).List(ctx, store.ActivityRecent, "", 0)
	require.NoError(t, err)
	assert.Empty(t, recent)

	require.NoError(t, recorder.Flush(ctx))

	recent, err = store.NewActivityStore(db.DB()).List(ctx, store.ActivityRecent, "", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	stats, err := store.NewStatsStore(db.DB()).Get(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.RequestCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, []string{"/auth/revoke", "/status"}, stats.Endpoints)
	assert.Equal(t, int64(2), stats.EndpointCount)

	pendingEvents, pendingDevices = recorder.Pending()
	assert.Zero(t, pendingEvents)
	assert.Zero(t, pendingDevices)
}

func TestRecordFlushesInlineWhenBufferFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder, db, token := newTestRecorder(t, Config{BufferSize: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, recorder.Record(ctx, token, "/auth/token", 200))
	}

	// Hitting the threshold flushed without waiting for the ticker.
	recent, err := store.NewActivityStore(db.DB()).List(ctx, store.ActivityRecent, "", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	pendingEvents, _ := recorder.Pending()
	assert.Zero(t, pendingEvents)
}

func TestFlushAccumulatesAcrossBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder, db, token := newTestRecorder(t, Config{BufferSize: 100})

	require.NoError(t, recorder.Record(ctx, token, "/auth/token", 200))
	require.NoError(t, recorder.Flush(ctx))
	require.NoError(t, recorder.Record(ctx, token, "/network/scan", 404))
	require.NoError(t, recorder.Flush(ctx))

	stats, err := store.NewStatsStore(db.DB()).Get(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.RequestCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, []string{"/auth/token", "/network/scan"}, stats.Endpoints)
}

func TestFlushEmptyBuffersIsNoOp(t *testing.T) {
	t.Parallel()

	recorder, _, _ := newTestRecorder(t, Config{BufferSize: 100})
	assert.NoError(t, recorder.Flush(context.Background()))
}

func TestRunFlushesOnCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder, db, token := newTestRecorder(t, Config{BufferSize: 100, FlushInterval: time.Hour})

	require.NoError(t, recorder.Record(ctx, token, "/auth/token", 200))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- recorder.Run(runCtx) }()
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)

	// The shutdown path flushed the pending buffer.
	recent, err := store.NewActivityStore(db.DB()).List(ctx, store.ActivityRecent, "", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
