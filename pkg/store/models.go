// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"
)

// timeFormat is the fixed-width UTC timestamp format used in every table.
// Fixed precision keeps string comparison consistent with time ordering, so
// SQL range predicates on timestamp columns are safe.
const timeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical column format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// ParseTime parses a timestamp column value.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// Querier is the subset of database/sql methods shared by *sql.DB and
// *sql.Tx. Repositories are bound to a Querier so the same code runs inside
// or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SigningKey is a symmetric key used to sign bearer tokens. Key holds the
// base64url-encoded 32-byte material; at rest the column is additionally
// sealed by the secrets store.
type SigningKey struct {
	ID        int64
	Key       string
	Active    bool
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// Material decodes the raw signing-key bytes.
func (k *SigningKey) Material() ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(k.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding key material: %w", err)
	}
	return raw, nil
}

// Token is a persisted bearer token row.
type Token struct {
	ID        int64
	Token     string
	DeviceID  string
	KeyID     int64
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Expired reports whether the token's lifetime has elapsed at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Device is a caller known to the appliance. Devices are auto-created on
// first token issuance and never deleted automatically.
type Device struct {
	DeviceID  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// DeviceStats holds the per-device aggregate counters maintained by the
// activity recorder. Endpoints is the set of endpoints observed; its
// cardinality is EndpointCount.
type DeviceStats struct {
	DeviceID      string
	RequestCount  int64
	ErrorCount    int64
	EndpointCount int64
	Endpoints     []string
	LastActivity  *time.Time
}

// ActivityKind selects between the rolling and the append-only activity
// tables.
type ActivityKind string

const (
	// ActivityRecent is the short-retention rolling table used for
	// operator dashboards.
	ActivityRecent ActivityKind = "recent"
	// ActivityHistorical is the append-only durable audit trail.
	ActivityHistorical ActivityKind = "historical"
)

func (k ActivityKind) table() (string, error) {
	switch k {
	case ActivityRecent:
		return "device_activity_recent", nil
	case ActivityHistorical:
		return "device_activity", nil
	default:
		return "", fmt.Errorf("unknown activity kind %q", k)
	}
}

// ActivityEvent is one recorded request.
type ActivityEvent struct {
	ID         int64
	DeviceID   string
	Endpoint   string
	StatusCode int
	CreatedAt  time.Time
}

// DeviceSummary joins a device with its stats row and latest token.
type DeviceSummary struct {
	Device      Device
	Stats       *DeviceStats
	LatestToken *Token
}
