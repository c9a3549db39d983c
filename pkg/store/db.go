// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store is the persistence layer of the authorization core: an
// embedded SQLite database holding signing keys, tokens, devices, and
// activity counters, plus the typed repositories over it.
//
// All state in the database is regenerable (clients re-authenticate after a
// wipe), so corruption is handled by recreating the file from migrations
// rather than attempting in-place repair.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/quartzband/beacond/pkg/logger"
)

const (
	// DefaultMaxSizeMB is the default database size guardrail.
	DefaultMaxSizeMB = 10

	driverName = "sqlite"
)

// requiredIndexes must exist for integrity verification to pass. They cover
// the hot token-validation and purge paths.
var requiredIndexes = []string{
	"idx_tokens_device_id",
	"idx_tokens_expires_at",
}

// ErrSizeExceeded is returned by CheckSize when the database file has grown
// past the configured maximum.
var ErrSizeExceeded = errors.New("database size limit exceeded")

// DB wraps the SQLite handle. It uniquely owns the database file; recovery
// and initialization are serialized so only one caller recreates the file.
type DB struct {
	path      string
	maxSizeMB int64
	mu        sync.Mutex
	db        *sql.DB
}

// Open opens (or creates) the database at path, verifying an existing file
// and recreating it from migrations when verification fails.
func Open(ctx context.Context, path string, maxSizeMB int64) (*DB, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}

	d := &DB{path: path, maxSizeMB: maxSizeMB}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	if err := d.open(ctx); err != nil {
		if fresh {
			return nil, err
		}
		logger.Warnf("Database failed to open, recreating: %v", err)
		if err := d.recreate(ctx); err != nil {
			return nil, err
		}
		return d, nil
	}

	if fresh {
		return d, nil
	}

	if err := d.verify(ctx); err != nil {
		logger.Warnf("Database integrity verification failed, recreating: %v", err)
		if err := d.recreate(ctx); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// open dials the database file, applies per-connection pragmas via the DSN,
// and brings the schema up to date.
func (d *DB) open(ctx context.Context) error {
	db, err := sql.Open(driverName, dsn(d.path))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection. SQLite serializes writers anyway, and a
	// pool of one sidesteps SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("migrating database: %w", err)
	}

	d.db = db
	return nil
}

// recreate deletes the database file plus WAL sidecars and rebuilds it from
// migrations. Callers must hold d.mu.
func (d *DB) recreate(ctx context.Context) error {
	if d.db != nil {
		_ = d.db.Close()
		d.db = nil
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(d.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", d.path+suffix, err)
		}
	}

	if err := d.open(ctx); err != nil {
		return fmt.Errorf("recreating database: %w", err)
	}

	logger.Infof("Database recreated at %s", d.path)
	return nil
}

// verify runs the startup integrity checks: connectivity, WAL journaling,
// required indexes, integrity_check, and foreign_key_check.
func (d *DB) verify(ctx context.Context) error {
	var one int
	if err := d.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("connectivity check: %w", err)
	}

	var mode string
	if err := d.db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		return fmt.Errorf("reading journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}

	for _, index := range requiredIndexes {
		var name string
		err := d.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, index,
		).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("required index %s is missing", index)
		}
		if err != nil {
			return fmt.Errorf("checking index %s: %w", index, err)
		}
	}

	var result string
	if err := d.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check returned %q", result)
	}

	rows, err := d.db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if rows.Next() {
		return errors.New("foreign key check reported violations")
	}
	return rows.Err()
}

// Verify re-runs the integrity checks on the live handle.
func (d *DB) Verify(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verify(ctx)
}

// DB returns the underlying sql.DB handle.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Path returns the database file location.
func (d *DB) Path() string {
	return d.path
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// Vacuum compacts the database file.
func (d *DB) Vacuum(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuuming database: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to destination using the
// online VACUUM INTO mechanism. It refuses to back up a database that fails
// integrity verification.
func (d *DB) Backup(ctx context.Context, destination string) error {
	if err := d.Verify(ctx); err != nil {
		return fmt.Errorf("refusing backup of unhealthy database: %w", err)
	}

	if err := os.Remove(destination); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale backup %s: %w", destination, err)
	}

	if _, err := d.db.ExecContext(ctx, `VACUUM INTO ?`, destination); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// CheckSize compares the database file size against the configured maximum.
// Exceeding the limit is a guardrail, not a hard failure; callers log and
// continue, leaving compaction to an admin-initiated vacuum.
func (d *DB) CheckSize() error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("stating database file: %w", err)
	}

	limit := d.maxSizeMB * 1024 * 1024
	if info.Size() > limit {
		return fmt.Errorf("%w: %d bytes > %d MiB", ErrSizeExceeded, info.Size(), d.maxSizeMB)
	}
	return nil
}

// dsn builds the connection string with the runtime pragmas applied to every
// connection: foreign keys on, WAL journaling, relaxed fsync, in-memory temp
// store, and a negative cache-size hint.
func dsn(path string) string {
	pragmas := []string{
		"foreign_keys(1)",
		"journal_mode(wal)",
		"synchronous(normal)",
		"temp_store(memory)",
		"cache_size(-8000)",
		"busy_timeout(10000)",
	}

	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}
