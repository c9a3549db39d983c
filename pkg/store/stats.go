// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// StatsStore is the repository for per-device aggregate counters.
type StatsStore struct {
	q Querier
}

// NewStatsStore binds a StatsStore to a session.
func NewStatsStore(q Querier) *StatsStore {
	return &StatsStore{q: q}
}

// Get retrieves the stats row for a device.
func (s *StatsStore) Get(ctx context.Context, deviceID string) (DeviceStats, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT device_id, request_count, error_count, endpoint_count, endpoints, last_activity
		FROM device_stats WHERE device_id = ?`,
		deviceID,
	)
	return scanStats(row)
}

// UpsertDelta atomically folds flush deltas into a device's stats row: the
// counters are incremented, the endpoint set is unioned, and last_activity
// advances. Must run inside the flush transaction so a rollback leaves the
// row untouched.
func (s *StatsStore) UpsertDelta(
	ctx context.Context,
	deviceID string,
	deltaRequests, deltaErrors int64,
	endpoints []string,
	lastActivity time.Time,
) error {
	existing, err := s.Get(ctx, deviceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	merged := unionEndpoints(existing.Endpoints, endpoints)
	endpointsJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding endpoints: %w", err)
	}

	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO device_stats (device_id, request_count, error_count, endpoint_count, endpoints, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			request_count = request_count + excluded.request_count,
			error_count = error_count + excluded.error_count,
			endpoint_count = excluded.endpoint_count,
			endpoints = excluded.endpoints,
			last_activity = excluded.last_activity`,
		deviceID, deltaRequests, deltaErrors, len(merged), string(endpointsJSON),
		FormatTime(lastActivity),
	); err != nil {
		return fmt.Errorf("upserting device stats: %w", err)
	}
	return nil
}

// ActiveDevices returns stats for every device holding at least one
// non-revoked, unexpired token.
func (s *StatsStore) ActiveDevices(ctx context.Context, now time.Time) ([]DeviceStats, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT ds.device_id, ds.request_count, ds.error_count, ds.endpoint_count, ds.endpoints, ds.last_activity
		FROM device_stats ds
		WHERE EXISTS (
			SELECT 1 FROM tokens t
			WHERE t.device_id = ds.device_id AND t.revoked = 0 AND t.expires_at > ?
		)
		ORDER BY ds.device_id`,
		FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("querying active devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []DeviceStats
	for rows.Next() {
		stats, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stats rows: %w", err)
	}
	return result, nil
}

func scanStats(sc scanner) (DeviceStats, error) {
	var (
		stats           DeviceStats
		endpointsJSON   string
		lastActivityStr sql.NullString
	)

	err := sc.Scan(
		&stats.DeviceID, &stats.RequestCount, &stats.ErrorCount,
		&stats.EndpointCount, &endpointsJSON, &lastActivityStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceStats{}, ErrNotFound
	}
	if err != nil {
		return DeviceStats{}, fmt.Errorf("scanning stats row: %w", err)
	}

	if err := json.Unmarshal([]byte(endpointsJSON), &stats.Endpoints); err != nil {
		return DeviceStats{}, fmt.Errorf("decoding endpoints: %w", err)
	}
	if lastActivityStr.Valid {
		lastActivity, err := ParseTime(lastActivityStr.String)
		if err != nil {
			return DeviceStats{}, err
		}
		stats.LastActivity = &lastActivity
	}
	return stats, nil
}

func unionEndpoints(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, e := range a {
		seen[e] = struct{}{}
	}
	for _, e := range b {
		seen[e] = struct{}{}
	}

	merged := make([]string, 0, len(seen))
	for e := range seen {
		merged = append(merged, e)
	}
	sort.Strings(merged)
	return merged
}
