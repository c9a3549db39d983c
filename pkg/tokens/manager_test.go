// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzband/beacond/pkg/secrets"
	"github.com/quartzband/beacond/pkg/store"
)

const testIssuer = "test-appliance"

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	secretStore := secrets.New(t.TempDir())
	require.NoError(t, secretStore.LoadOrCreate())

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "tokens.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if cfg.Issuer == "" {
		cfg.Issuer = testIssuer
	}
	return NewManager(db, secretStore, cfg)
}

// signWith builds a structurally valid token signed with the given material.
func signWith(t *testing.T, material []byte, claims jwt.MapClaims, kid int64) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = strconv.FormatInt(kid, 10)
	signed, err := tok.SignedString(material)
	require.NoError(t, err)
	return signed
}

func baseClaims(deviceID string, kid int64, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "host",
		"iss": testIssuer,
		"did": deviceID,
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
		"kid": kid,
		"jti": "0011223344556677",
	}
}

func TestCreateTokenAndVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	token, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)
	require.Equal(t, 3, len(strings.Split(token, ".")))

	result := m.VerifyToken(ctx, token)
	assert.True(t, result.Valid)
	assert.Equal(t, "device-1", result.DeviceID)
	assert.Equal(t, testIssuer, result.Claims["iss"])

	// The issuance transaction also created the device row.
	device, err := store.NewDeviceStore(m.db.DB()).Get(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, "device-1", device.DeviceID)
}

func TestCreateTokenReusesActiveKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	_, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)
	_, err = m.CreateToken(ctx, "device-2", 0)
	require.NoError(t, err)

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].Active)
}

func TestCreateTokenAfterRolledBackKeyBootstrap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	// A bootstrap attempt that creates the initial key inside a transaction
	// and then rolls back (token collision, canceled request) must leave no
	// phantom key in the cache.
	tx, err := m.db.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = m.keys.GetActive(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, activeID := m.keys.Cached()
	assert.Zero(t, activeID)

	token, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)
	assert.True(t, m.VerifyToken(ctx, token).Valid)
}

func TestCreateTokenRejectsEmptyDevice(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{TimeValidation: true})
	_, err := m.CreateToken(context.Background(), "", 0)
	assert.Error(t, err)
}

func TestVerifyTokenCacheHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	token, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	// Issuance warms the cache; both verifications succeed, the second one
	// without touching the store.
	assert.True(t, m.VerifyToken(ctx, token).Valid)
	assert.True(t, m.VerifyToken(ctx, token).Valid)
	stats := m.Cache().Stats()
	assert.Equal(t, 1, stats["payloads"])
}

func TestFreshTokenIsCacheHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	token, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	// The payload cached at issuance must survive a Get: its exp claim has
	// to be readable by the jwt claim accessors or Get evicts it.
	claims, ok := m.cache.Get(token)
	require.True(t, ok)
	assert.Equal(t, "device-1", claimString(claims, "did"))

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.True(t, exp.After(time.Now()))
}

func TestVerifyTokenNormalizesQuotes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	token, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	assert.True(t, m.VerifyToken(ctx, `"`+token+`"`).Valid)
	assert.True(t, m.VerifyToken(ctx, "  "+token+"  ").Valid)
}

func TestVerifyTokenMalformed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{"empty", "", ReasonMalformed},
		{"two segments", "aaaa.bbbb", ReasonMalformed},
		{"four segments", "a.b.c.d", ReasonMalformed},
		{"garbage header", "!!!.bbbb.cccc", ReasonBadHeader},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := m.VerifyToken(ctx, tt.token)
			assert.False(t, result.Valid)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

func TestVerifyTokenNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})
	other := newTestManager(t, Config{TimeValidation: true})

	// A token issued by a different appliance never matches a local row.
	foreign, err := other.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	result := m.VerifyToken(ctx, foreign)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonNotFound, result.Reason)

	// The negative outcome is cached.
	reason, found := m.Cache().GetValidation(foreign)
	assert.True(t, found)
	assert.Equal(t, ReasonNotFound, reason)
}

func TestVerifyTokenRevoked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	token, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	res, err := m.RevokeToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, RevokeDone, res.Status)
	assert.Equal(t, "device-1", res.DeviceID)

	result := m.VerifyToken(ctx, token)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonRevoked, result.Reason)

	// Revoking again reports the idempotent status.
	res, err = m.RevokeToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, RevokeAlready, res.Status)
}

func TestVerifyTokenBadSignature(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	_, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	keyID := keys[0].ID

	// A row whose stored string was signed with different material.
	forged := signWith(t, []byte("0123456789abcdef0123456789abcdef"),
		baseClaims("device-1", keyID, time.Now().Add(time.Hour)), keyID)
	_, err = store.NewTokenStore(m.db.DB()).Insert(ctx, store.Token{
		Token:     forged,
		DeviceID:  "device-1",
		KeyID:     keyID,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	result := m.VerifyToken(ctx, forged)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonBadSignature, result.Reason)
}

func TestVerifyTokenInvalidIssuer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	_, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	material, err := keys[0].Material()
	require.NoError(t, err)

	claims := baseClaims("device-1", keys[0].ID, time.Now().Add(time.Hour))
	claims["iss"] = "someone-else"
	crafted := signWith(t, material, claims, keys[0].ID)
	_, err = store.NewTokenStore(m.db.DB()).Insert(ctx, store.Token{
		Token:     crafted,
		DeviceID:  "device-1",
		KeyID:     keys[0].ID,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	result := m.VerifyToken(ctx, crafted)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonInvalidIssuer, result.Reason)
}

func TestVerifyTokenExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	past := time.Now().Add(-48 * time.Hour)
	m.now = func() time.Time { return past }
	token, err := m.CreateToken(ctx, "device-1", 24*time.Hour)
	require.NoError(t, err)

	m.now = time.Now
	result := m.VerifyToken(ctx, token)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonExpired, result.Reason)
}

func TestVerifyTokenExpiredWithTimeValidationDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: false})

	past := time.Now().Add(-48 * time.Hour)
	m.now = func() time.Time { return past }
	token, err := m.CreateToken(ctx, "device-1", 24*time.Hour)
	require.NoError(t, err)

	m.now = time.Now
	result := m.VerifyToken(ctx, token)
	assert.True(t, result.Valid)
}

func TestRotateKeyRevokesOldTokens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	oldToken, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	newKeyID, material, err := m.RotateKey(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, material)

	result := m.VerifyToken(ctx, oldToken)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonRevoked, result.Reason)

	// Fresh issuance binds to the replacement key and verifies.
	newToken, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)
	newResult := m.VerifyToken(ctx, newToken)
	assert.True(t, newResult.Valid)
	assert.Equal(t, newKeyID, newResult.KeyID)

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, key := range keys {
		assert.Equal(t, key.ID == newKeyID, key.Active)
	}
}

func TestPurgeExpiredTokens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	past := time.Now().Add(-48 * time.Hour)
	m.now = func() time.Time { return past }
	stale, err := m.CreateToken(ctx, "device-1", time.Hour)
	require.NoError(t, err)

	m.now = time.Now
	live, err := m.CreateToken(ctx, "device-1", time.Hour)
	require.NoError(t, err)

	// Only rows that are both revoked and expired are removed.
	deleted, err := m.PurgeExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	_, err = m.RevokeToken(ctx, stale)
	require.NoError(t, err)

	deleted, err = m.PurgeExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.NewTokenStore(m.db.DB()).GetByValue(ctx, stale)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.True(t, m.VerifyToken(ctx, live).Valid)
}

func TestVerifyDBState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newTestManager(t, Config{TimeValidation: true})

	_, err := m.CreateToken(ctx, "device-1", 0)
	require.NoError(t, err)

	state, err := m.VerifyDBState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state["tokens"])
	assert.Equal(t, int64(1), state["signing_keys"])
	assert.Equal(t, int64(1), state["devices"])
	assert.NotNil(t, state["active_key_id"])
}

func TestNewJTI(t *testing.T) {
	t.Parallel()

	jti, err := newJTI()
	require.NoError(t, err)
	assert.Len(t, jti, 16)

	other, err := newJTI()
	require.NoError(t, err)
	assert.NotEqual(t, jti, other)
}
