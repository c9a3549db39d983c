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

// TokenStore is the repository for bearer-token rows.
type TokenStore struct {
	q Querier
}

// NewTokenStore binds a TokenStore to a session.
func NewTokenStore(q Querier) *TokenStore {
	return &TokenStore{q: q}
}

const tokenColumns = `id, token, device_id, key_id, expires_at, revoked, created_at`

// Insert persists a new token row. A duplicate token string surfaces as
// ErrAlreadyExists so issuance can retry with a fresh jti.
func (s *TokenStore) Insert(ctx context.Context, t Token) (Token, error) {
	now := time.Now()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO tokens (token, device_id, key_id, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		t.Token, t.DeviceID, t.KeyID, FormatTime(t.ExpiresAt), FormatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Token{}, ErrAlreadyExists
		}
		return Token{}, fmt.Errorf("inserting token: %w", err)
	}

	t.ID, err = res.LastInsertId()
	if err != nil {
		return Token{}, fmt.Errorf("getting token id: %w", err)
	}
	t.Revoked = false
	t.CreatedAt = now.UTC()
	return t, nil
}

// GetByValue retrieves a token row by its opaque string.
func (s *TokenStore) GetByValue(ctx context.Context, value string) (Token, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE token = ?`, value,
	)
	return scanToken(row)
}

// ActiveForDevice lists a device's tokens, newest first. Revoked tokens are
// excluded unless includeRevoked is set.
func (s *TokenStore) ActiveForDevice(ctx context.Context, deviceID string, includeRevoked bool) ([]Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE device_id = ?`
	if !includeRevoked {
		query += ` AND revoked = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.q.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying device tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return tokens, nil
}

// Revoke flips the revoked flag on a token. It is idempotent; revoking an
// already-revoked token reports alreadyRevoked.
func (s *TokenStore) Revoke(ctx context.Context, value string) (deviceID string, alreadyRevoked bool, err error) {
	t, err := s.GetByValue(ctx, value)
	if err != nil {
		return "", false, err
	}
	if t.Revoked {
		return t.DeviceID, true, nil
	}

	if _, err := s.q.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE token = ?`, value,
	); err != nil {
		return "", false, fmt.Errorf("revoking token: %w", err)
	}
	return t.DeviceID, false, nil
}

// RevokeAllExcept revokes every non-revoked token whose key differs from
// keepKeyID. Key rotation uses this to invalidate tokens bound to prior keys.
func (s *TokenStore) RevokeAllExcept(ctx context.Context, keepKeyID int64) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE revoked = 0 AND key_id != ?`, keepKeyID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking tokens for rotation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

// PurgeExpired physically deletes rows that are both revoked and expired,
// returning the number of rows removed and the distinct key ids they
// referenced so callers can revalidate their caches.
func (s *TokenStore) PurgeExpired(ctx context.Context, now time.Time) (int64, []int64, error) {
	cutoff := FormatTime(now)

	rows, err := s.q.QueryContext(ctx,
		`SELECT DISTINCT key_id FROM tokens WHERE revoked = 1 AND expires_at < ?`, cutoff,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("collecting purge key ids: %w", err)
	}
	var keyIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, nil, fmt.Errorf("scanning key id: %w", err)
		}
		keyIDs = append(keyIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, nil, fmt.Errorf("iterating key ids: %w", err)
	}
	if err := rows.Close(); err != nil {
		return 0, nil, fmt.Errorf("closing key id rows: %w", err)
	}

	res, err := s.q.ExecContext(ctx,
		`DELETE FROM tokens WHERE revoked = 1 AND expires_at < ?`, cutoff,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("purging expired tokens: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("checking rows affected: %w", err)
	}
	return deleted, keyIDs, nil
}

// CountForKey counts tokens bound to a signing key. With onlyActive set,
// revoked tokens are excluded.
func (s *TokenStore) CountForKey(ctx context.Context, keyID int64, onlyActive bool) (int64, error) {
	query := `SELECT COUNT(*) FROM tokens WHERE key_id = ?`
	if onlyActive {
		query += ` AND revoked = 0`
	}

	var count int64
	if err := s.q.QueryRowContext(ctx, query, keyID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting tokens for key: %w", err)
	}
	return count, nil
}

func scanToken(sc scanner) (Token, error) {
	var (
		t            Token
		expiresAtStr string
		createdAtStr string
	)

	err := sc.Scan(&t.ID, &t.Token, &t.DeviceID, &t.KeyID, &expiresAtStr, &t.Revoked, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("scanning token row: %w", err)
	}

	if t.ExpiresAt, err = ParseTime(expiresAtStr); err != nil {
		return Token{}, err
	}
	if t.CreatedAt, err = ParseTime(createdAtStr); err != nil {
		return Token{}, err
	}
	return t, nil
}
