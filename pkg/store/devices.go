// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceStore is the repository for devices.
type DeviceStore struct {
	q Querier
}

// NewDeviceStore binds a DeviceStore to a session.
func NewDeviceStore(q Querier) *DeviceStore {
	return &DeviceStore{q: q}
}

// GetOrCreate upserts a device row, bumping last_seen on every call.
func (s *DeviceStore) GetOrCreate(ctx context.Context, deviceID string) (Device, error) {
	if deviceID == "" {
		return Device{}, errors.New("device id cannot be empty")
	}

	now := FormatTime(time.Now())
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO devices (device_id, first_seen, last_seen) VALUES (?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET last_seen = excluded.last_seen`,
		deviceID, now, now,
	); err != nil {
		return Device{}, fmt.Errorf("upserting device: %w", err)
	}

	return s.Get(ctx, deviceID)
}

// Get retrieves a device by id.
func (s *DeviceStore) Get(ctx context.Context, deviceID string) (Device, error) {
	var (
		d            Device
		firstSeenStr string
		lastSeenStr  string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT device_id, first_seen, last_seen FROM devices WHERE device_id = ?`,
		deviceID,
	).Scan(&d.DeviceID, &firstSeenStr, &lastSeenStr)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("scanning device row: %w", err)
	}

	if d.FirstSeen, err = ParseTime(firstSeenStr); err != nil {
		return Device{}, err
	}
	if d.LastSeen, err = ParseTime(lastSeenStr); err != nil {
		return Device{}, err
	}
	return d, nil
}

// Summary joins the device with its stats row and latest token. Absent stats
// or tokens leave the respective fields nil.
func (s *DeviceStore) Summary(ctx context.Context, deviceID string) (DeviceSummary, error) {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return DeviceSummary{}, err
	}
	summary := DeviceSummary{Device: device}

	stats, err := NewStatsStore(s.q).Get(ctx, deviceID)
	switch {
	case err == nil:
		summary.Stats = &stats
	case !errors.Is(err, ErrNotFound):
		return DeviceSummary{}, err
	}

	tokens, err := NewTokenStore(s.q).ActiveForDevice(ctx, deviceID, true)
	if err != nil {
		return DeviceSummary{}, err
	}
	if len(tokens) > 0 {
		summary.LatestToken = &tokens[0]
	}

	return summary, nil
}
