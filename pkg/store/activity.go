// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"
)

// ActivityStore is the repository for the historical and rolling activity
// tables.
type ActivityStore struct {
	q Querier
}

// NewActivityStore binds an ActivityStore to a session.
func NewActivityStore(q Querier) *ActivityStore {
	return &ActivityStore{q: q}
}

// Insert appends one activity row to the table selected by kind.
func (s *ActivityStore) Insert(ctx context.Context, kind ActivityKind, ev ActivityEvent) error {
	table, err := kind.table()
	if err != nil {
		return err
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO `+table+` (device_id, endpoint, status_code, created_at) VALUES (?, ?, ?, ?)`,
		ev.DeviceID, ev.Endpoint, ev.StatusCode, FormatTime(createdAt),
	); err != nil {
		return fmt.Errorf("inserting %s activity: %w", kind, err)
	}
	return nil
}

// BulkInsert appends a batch of activity rows in insertion order. Callers
// run it inside a transaction so a mid-batch failure rolls back cleanly.
func (s *ActivityStore) BulkInsert(ctx context.Context, kind ActivityKind, events []ActivityEvent) error {
	table, err := kind.table()
	if err != nil {
		return err
	}

	for _, ev := range events {
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO `+table+` (device_id, endpoint, status_code, created_at) VALUES (?, ?, ?, ?)`,
			ev.DeviceID, ev.Endpoint, ev.StatusCode, FormatTime(createdAt),
		); err != nil {
			return fmt.Errorf("bulk inserting %s activity: %w", kind, err)
		}
	}
	return nil
}

// List returns recent rows from the table selected by kind, newest first.
// deviceID narrows to one device when non-empty.
func (s *ActivityStore) List(ctx context.Context, kind ActivityKind, deviceID string, limit int) ([]ActivityEvent, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, device_id, endpoint, status_code, created_at FROM ` + table
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s activity: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var events []ActivityEvent
	for rows.Next() {
		var (
			ev           ActivityEvent
			createdAtStr string
		)
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.Endpoint, &ev.StatusCode, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		if ev.CreatedAt, err = ParseTime(createdAtStr); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity rows: %w", err)
	}
	return events, nil
}

// PurgeRecent deletes rolling-activity rows older than the cutoff, returning
// the number of rows removed.
func (s *ActivityStore) PurgeRecent(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM device_activity_recent WHERE created_at < ?`,
		FormatTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("purging recent activity: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return deleted, nil
}
