// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quartzband/beacond/pkg/logger"
	"github.com/quartzband/beacond/pkg/store"
)

// KeyManager is the in-memory index of signing keys with a single "active"
// pointer. It fetches from the database on miss and performs the initial
// rotation when no key exists yet.
//
// The cache mutex is never held across a database call: lookups release it
// before touching the store and reacquire it to publish the result.
type KeyManager struct {
	codec store.Codec

	mu       sync.Mutex
	keys     map[int64]store.SigningKey
	activeID int64 // 0 means unknown
}

// NewKeyManager creates an empty key manager using codec for at-rest
// protection of key material.
func NewKeyManager(codec store.Codec) *KeyManager {
	return &KeyManager{
		codec: codec,
		keys:  make(map[int64]store.SigningKey),
	}
}

// GetActive returns the active signing key, reading through to the session
// on cache miss. If the store holds no active key at all, a fresh key is
// created inside the caller's session; when q is a transaction this keeps
// initial key creation atomic with token issuance.
//
// A read-through result is not published into the cache: q may be an open
// transaction, and a key cached before commit would outlive a rollback as a
// phantom. Callers Seed the key once their transaction has committed.
func (m *KeyManager) GetActive(ctx context.Context, q store.Querier) (store.SigningKey, error) {
	m.mu.Lock()
	if m.activeID != 0 {
		if key, ok := m.keys[m.activeID]; ok {
			m.mu.Unlock()
			return key, nil
		}
	}
	m.mu.Unlock()

	keyStore := store.NewKeyStore(q, m.codec)
	key, err := keyStore.GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		key, err = m.createInitialKey(ctx, keyStore)
	}
	if err != nil {
		return store.SigningKey{}, err
	}
	return key, nil
}

// Get returns a signing key by id, reading through to the session on miss.
func (m *KeyManager) Get(ctx context.Context, q store.Querier, id int64) (store.SigningKey, error) {
	m.mu.Lock()
	if key, ok := m.keys[id]; ok {
		m.mu.Unlock()
		return key, nil
	}
	m.mu.Unlock()

	key, err := store.NewKeyStore(q, m.codec).Get(ctx, id)
	if err != nil {
		return store.SigningKey{}, err
	}

	m.mu.Lock()
	m.keys[key.ID] = key
	if key.Active {
		m.activeID = key.ID
	}
	m.mu.Unlock()
	return key, nil
}

// Invalidate removes one key from the cache, clearing the active slot if it
// matches.
func (m *KeyManager) Invalidate(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, id)
	if m.activeID == id {
		m.activeID = 0
	}
}

// InvalidateAll empties the cache and clears the active slot.
func (m *KeyManager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys = make(map[int64]store.SigningKey)
	m.activeID = 0
}

// Seed publishes a key into the cache, marking it active when flagged.
// Issuance and rotation call this once their transaction has committed.
func (m *KeyManager) Seed(key store.SigningKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[key.ID] = key
	if key.Active {
		m.activeID = key.ID
	}
}

// Revalidate re-merges the cached entries for ids against the store. Entries
// whose row vanished are evicted; an evicted active key clears the active
// slot. Token purge calls this after deleting rows.
func (m *KeyManager) Revalidate(ctx context.Context, q store.Querier, ids []int64) {
	keyStore := store.NewKeyStore(q, m.codec)

	for _, id := range ids {
		m.mu.Lock()
		_, cached := m.keys[id]
		m.mu.Unlock()
		if !cached {
			continue
		}

		key, err := keyStore.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			logger.Debugf("Cached signing key %d vanished from store, evicting", id)
			m.Invalidate(id)
			continue
		}
		if err != nil {
			logger.Warnf("Failed to revalidate signing key %d: %v", id, err)
			m.Invalidate(id)
			continue
		}

		m.mu.Lock()
		m.keys[id] = key
		if m.activeID == id && !key.Active {
			m.activeID = 0
		}
		m.mu.Unlock()
	}
}

// Cached reports the cache contents for diagnostics.
func (m *KeyManager) Cached() (ids []int64, activeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.keys {
		ids = append(ids, id)
	}
	return ids, m.activeID
}

// createInitialKey performs the initial rotation: no key exists, so a fresh
// active key is inserted. Runs inside the caller's session.
func (m *KeyManager) createInitialKey(ctx context.Context, keyStore *store.KeyStore) (store.SigningKey, error) {
	material, err := NewKeyMaterial()
	if err != nil {
		return store.SigningKey{}, err
	}

	key, err := keyStore.Insert(ctx, material, true)
	if err != nil {
		return store.SigningKey{}, fmt.Errorf("creating initial signing key: %w", err)
	}

	logger.Infof("Created initial signing key %d", key.ID)
	return key, nil
}

// NewKeyMaterial generates a fresh 32-byte signing secret, base64url-encoded.
func NewKeyMaterial() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}
