// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Codec seals and opens signing-key material for at-rest protection. The
// secrets store satisfies this interface.
type Codec interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// KeyStore is the repository for signing keys. Key material is sealed by the
// codec before it touches the database.
type KeyStore struct {
	q     Querier
	codec Codec
}

// NewKeyStore binds a KeyStore to a session and codec.
func NewKeyStore(q Querier, codec Codec) *KeyStore {
	return &KeyStore{q: q, codec: codec}
}

const keyColumns = `id, key, active, created_at, updated_at`

// Insert creates a new signing key row from base64url-encoded material.
func (s *KeyStore) Insert(ctx context.Context, material string, active bool) (SigningKey, error) {
	sealed, err := s.seal(material)
	if err != nil {
		return SigningKey{}, err
	}

	now := time.Now()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO signing_keys (key, active, created_at) VALUES (?, ?, ?)`,
		sealed, active, FormatTime(now),
	)
	if err != nil {
		return SigningKey{}, fmt.Errorf("inserting signing key: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return SigningKey{}, fmt.Errorf("getting signing key id: %w", err)
	}

	return SigningKey{ID: id, Key: material, Active: active, CreatedAt: now.UTC()}, nil
}

// Get retrieves a signing key by id.
func (s *KeyStore) Get(ctx context.Context, id int64) (SigningKey, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE id = ?`, id,
	)
	return s.scanKey(row)
}

// GetActive retrieves the single active signing key, if any.
func (s *KeyStore) GetActive(ctx context.Context) (SigningKey, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE active = 1 ORDER BY id DESC LIMIT 1`,
	)
	return s.scanKey(row)
}

// List returns all signing keys, newest first.
func (s *KeyStore) List(ctx context.Context) ([]SigningKey, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM signing_keys ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying signing keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []SigningKey
	for rows.Next() {
		key, err := s.scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signing keys: %w", err)
	}
	return keys, nil
}

// DeactivateAll clears the active flag on every key. Rotation calls this
// before inserting the replacement inside the same transaction, so the
// zero-active state is never observable.
func (s *KeyStore) DeactivateAll(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE signing_keys SET active = 0, updated_at = ? WHERE active = 1`,
		FormatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("deactivating signing keys: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

// Delete removes a signing key. A key with non-revoked tokens cannot be
// deleted; revocation of dependent tokens precedes deactivation.
func (s *KeyStore) Delete(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM signing_keys
		WHERE id = ?
		  AND NOT EXISTS (SELECT 1 FROM tokens WHERE key_id = ? AND revoked = 0)`,
		id, id,
	)
	if err != nil {
		return fmt.Errorf("deleting signing key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		err := s.q.QueryRowContext(ctx,
			`SELECT 1 FROM signing_keys WHERE id = ?`, id,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking signing key: %w", err)
		}
		return ErrKeyInUse
	}
	return nil
}

func (s *KeyStore) scanKey(sc scanner) (SigningKey, error) {
	var (
		key          SigningKey
		sealed       string
		createdAtStr string
		updatedAtStr sql.NullString
	)

	err := sc.Scan(&key.ID, &sealed, &key.Active, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return SigningKey{}, ErrNotFound
	}
	if err != nil {
		return SigningKey{}, fmt.Errorf("scanning signing key: %w", err)
	}

	key.Key, err = s.open(sealed)
	if err != nil {
		return SigningKey{}, err
	}

	key.CreatedAt, err = ParseTime(createdAtStr)
	if err != nil {
		return SigningKey{}, err
	}
	if updatedAtStr.Valid {
		updatedAt, err := ParseTime(updatedAtStr.String)
		if err != nil {
			return SigningKey{}, err
		}
		key.UpdatedAt = &updatedAt
	}
	return key, nil
}

// seal encrypts key material for storage.
func (s *KeyStore) seal(material string) (string, error) {
	ciphertext, err := s.codec.Encrypt([]byte(material))
	if err != nil {
		return "", fmt.Errorf("sealing key material: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// open decrypts key material from storage.
func (s *KeyStore) open(sealed string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed key: %w", err)
	}
	material, err := s.codec.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("opening key material: %w", err)
	}
	return string(material), nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }
