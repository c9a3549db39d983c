// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package activity implements buffered per-device request accounting: an
// immediate durable audit insert plus in-memory aggregates and a rolling
// recent-events buffer flushed to the store in batches.
package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quartzband/beacond/pkg/logger"
	"github.com/quartzband/beacond/pkg/store"
	"github.com/quartzband/beacond/pkg/telemetry"
	"github.com/quartzband/beacond/pkg/tokens"
)

const (
	// DefaultBufferSize is the flush threshold for the recent buffer.
	DefaultBufferSize = 1000
	// DefaultFlushInterval is the periodic flush interval.
	DefaultFlushInterval = time.Hour
)

// significantPrefixes marks endpoints whose events always land in the
// recent buffer, regardless of status.
var significantPrefixes = []string{"/auth/", "/network/", "/system/"}

// aggregate accumulates one device's counters between flushes.
type aggregate struct {
	requests     int64
	errors       int64
	endpoints    map[string]struct{}
	lastActivity time.Time
}

// Config parameterizes a Recorder.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
}

// Recorder is the buffered write path for per-device accounting. A single
// mutex protects the aggregates and the recent buffer; it is never held
// across a database call.
type Recorder struct {
	db     *store.DB
	tokens *tokens.Manager

	bufferSize    int
	flushInterval time.Duration
	now           func() time.Time

	mu         sync.Mutex
	aggregates map[string]*aggregate
	recent     []store.ActivityEvent
}

// NewRecorder creates an activity recorder over db, resolving device ids
// through the token manager's cache.
func NewRecorder(db *store.DB, tm *tokens.Manager, cfg Config) *Recorder {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	return &Recorder{
		db:            db,
		tokens:        tm,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		now:           time.Now,
		aggregates:    make(map[string]*aggregate),
	}
}

// Record accounts one authorized request. The historical insert is durable
// and synchronous; aggregates and the recent buffer are flushed later. A
// full buffer triggers an inline flush.
func (r *Recorder) Record(ctx context.Context, tokenString, endpoint string, statusCode int) error {
	deviceID, err := r.resolveDevice(ctx, tokenString)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	event := store.ActivityEvent{
		DeviceID:   deviceID,
		Endpoint:   endpoint,
		StatusCode: statusCode,
		CreatedAt:  now,
	}

	// Durable audit trail first: a crash past this point loses only the
	// rolling table and stats deltas, which are non-authoritative.
	if err := store.NewActivityStore(r.db.DB()).Insert(ctx, store.ActivityHistorical, event); err != nil {
		return err
	}

	r.mu.Lock()
	agg, ok := r.aggregates[deviceID]
	if !ok {
		agg = &aggregate{endpoints: make(map[string]struct{})}
		r.aggregates[deviceID] = agg
	}
	agg.requests++
	if statusCode >= 400 {
		agg.errors++
	}
	agg.endpoints[endpoint] = struct{}{}
	agg.lastActivity = now

	if statusCode >= 400 || isSignificant(endpoint) {
		r.recent = append(r.recent, event)
	}
	full := len(r.recent) >= r.bufferSize
	r.mu.Unlock()

	if full {
		if err := r.Flush(ctx); err != nil {
			logger.Errorw("Inline activity flush failed", "error", err)
		}
	}
	return nil
}

// Flush writes the recent buffer and the per-device aggregates to the store
// in a single transaction. On failure the buffers are kept so the next
// flush retries.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pendingEvents := len(r.recent)
	events := make([]store.ActivityEvent, pendingEvents)
	copy(events, r.recent)

	deltas := make(map[string]aggregate, len(r.aggregates))
	for deviceID, agg := range r.aggregates {
		endpoints := make(map[string]struct{}, len(agg.endpoints))
		for e := range agg.endpoints {
			endpoints[e] = struct{}{}
		}
		deltas[deviceID] = aggregate{
			requests:     agg.requests,
			errors:       agg.errors,
			endpoints:    endpoints,
			lastActivity: agg.lastActivity,
		}
	}
	r.mu.Unlock()

	if pendingEvents == 0 && len(deltas) == 0 {
		return nil
	}

	if err := r.writeFlush(ctx, events, deltas); err != nil {
		telemetry.ActivityFlushes.WithLabelValues("error").Inc()
		return err
	}
	telemetry.ActivityFlushes.WithLabelValues("ok").Inc()

	// Drop exactly what was flushed; records that raced in since the
	// snapshot stay buffered for the next flush.
	r.mu.Lock()
	r.recent = r.recent[pendingEvents:]
	for deviceID, flushed := range deltas {
		agg, ok := r.aggregates[deviceID]
		if !ok {
			continue
		}
		agg.requests -= flushed.requests
		agg.errors -= flushed.errors
		if agg.requests <= 0 && agg.errors <= 0 {
			delete(r.aggregates, deviceID)
		}
	}
	r.mu.Unlock()
	return nil
}

func (r *Recorder) writeFlush(ctx context.Context, events []store.ActivityEvent, deltas map[string]aggregate) error {
	tx, err := r.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning flush transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(events) > 0 {
		if err := store.NewActivityStore(tx).BulkInsert(ctx, store.ActivityRecent, events); err != nil {
			return err
		}
	}

	statsStore := store.NewStatsStore(tx)
	for deviceID, delta := range deltas {
		endpoints := make([]string, 0, len(delta.endpoints))
		for e := range delta.endpoints {
			endpoints = append(endpoints, e)
		}
		if err := statsStore.UpsertDelta(
			ctx, deviceID, delta.requests, delta.errors, endpoints, delta.lastActivity,
		); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing flush: %w", err)
	}
	return nil
}

// Run flushes on the configured interval until ctx is canceled, with a
// final flush on the way out.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort final flush with a fresh context; the loop
			// context is already dead.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				logger.Warnw("Final activity flush failed", "error", err)
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				logger.Errorw("Periodic activity flush failed", "error", err)
			}
		}
	}
}

// Pending reports buffered counts for diagnostics and tests.
func (r *Recorder) Pending() (recentEvents int, devices int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recent), len(r.aggregates)
}

// resolveDevice maps a token string to its device id, preferring the cached
// claims over a database read.
func (r *Recorder) resolveDevice(ctx context.Context, tokenString string) (string, error) {
	if claims, ok := r.tokens.Cache().Get(tokenString); ok {
		if did, ok := claims["did"].(string); ok && did != "" {
			return did, nil
		}
	}

	row, err := store.NewTokenStore(r.db.DB()).GetByValue(ctx, tokenString)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("resolving device for activity record: %w", err)
	}
	if err != nil {
		return "", err
	}
	return row.DeviceID, nil
}

func isSignificant(endpoint string) bool {
	for _, prefix := range significantPrefixes {
		if strings.HasPrefix(endpoint, prefix) {
			return true
		}
	}
	return false
}
