// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the signing-key lifecycle and the issuance,
// validation, revocation, and purge of device-scoped bearer tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quartzband/beacond/pkg/logger"
	"github.com/quartzband/beacond/pkg/store"
)

const (
	// DefaultTTL is the token lifetime used when the caller passes none.
	DefaultTTL = 30 * 24 * time.Hour

	// insertRetries bounds retries on jti/token unique collisions.
	insertRetries = 3
)

// Validation failure reasons. Only the server log ever sees these; clients
// receive a fixed 401.
const (
	ReasonMalformed     = "Malformed token"
	ReasonBadHeader     = "Invalid token header"
	ReasonBadType       = "Unsupported token type"
	ReasonNoAlgorithm   = "Missing algorithm"
	ReasonNotFound      = "Token not found"
	ReasonRevoked       = "Token revoked"
	ReasonUnknownKey    = "Invalid signing key"
	ReasonBadSignature  = "Invalid signature"
	ReasonInvalidIssuer = "Invalid issuer"
	ReasonMissingDevice = "Missing device id"
	ReasonExpired       = "Token expired"
)

// requiredClaims must all be present in a valid token payload.
var requiredClaims = []string{"sub", "iss", "did", "kid", "jti"}

// ValidationResult is the outcome of VerifyToken.
type ValidationResult struct {
	Valid    bool
	Reason   string
	Claims   jwt.MapClaims
	DeviceID string
	KeyID    int64
}

// invalid builds a failed ValidationResult.
func invalid(reason string) ValidationResult {
	return ValidationResult{Reason: reason}
}

// RevokeStatus describes the outcome of RevokeToken.
type RevokeStatus string

const (
	// RevokeDone means the token was revoked by this call.
	RevokeDone RevokeStatus = "revoked"
	// RevokeAlready means the token had been revoked earlier.
	RevokeAlready RevokeStatus = "already_revoked"
)

// RevokeResult reports a revocation outcome.
type RevokeResult struct {
	Status   RevokeStatus
	DeviceID string
}

// Config parameterizes a Manager.
type Config struct {
	// Issuer is the appliance identifier required in the iss claim.
	Issuer string
	// TTL is the default token lifetime.
	TTL time.Duration
	// TimeValidation controls whether exp is enforced during verification.
	TimeValidation bool
}

// Manager composes the database, the signing-key manager, and the token
// cache into the token issuance and validation engine.
type Manager struct {
	db    *store.DB
	codec store.Codec
	keys  *KeyManager
	cache *Cache

	issuer         string
	ttl            time.Duration
	timeValidation bool
	now            func() time.Time
}

// NewManager creates a token manager over db using codec for key-material
// protection.
func NewManager(db *store.DB, codec store.Codec, cfg Config) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		db:             db,
		codec:          codec,
		keys:           NewKeyManager(codec),
		cache:          NewCache(cfg.TimeValidation),
		issuer:         cfg.Issuer,
		ttl:            ttl,
		timeValidation: cfg.TimeValidation,
		now:            time.Now,
	}
}

// Cache exposes the token cache for collaborators (the activity recorder
// resolves device ids from cached claims).
func (m *Manager) Cache() *Cache {
	return m.cache
}

// CreateToken issues a signed bearer token for deviceID. Device upsert, key
// resolution, and the token insert commit in a single transaction; a
// verifier racing the commit sees "Token not found" until it lands.
func (m *Manager) CreateToken(ctx context.Context, deviceID string, ttl time.Duration) (string, error) {
	if deviceID == "" {
		return "", errors.New("device id cannot be empty")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	var lastErr error
	for attempt := 0; attempt < insertRetries; attempt++ {
		token, err := m.createTokenOnce(ctx, deviceID, ttl)
		if errors.Is(err, store.ErrAlreadyExists) {
			lastErr = err
			continue
		}
		if err != nil {
			return "", err
		}
		return token, nil
	}
	return "", fmt.Errorf("token collision persisted after %d attempts: %w", insertRetries, lastErr)
}

func (m *Manager) createTokenOnce(ctx context.Context, deviceID string, ttl time.Duration) (string, error) {
	tx, err := m.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := store.NewDeviceStore(tx).GetOrCreate(ctx, deviceID); err != nil {
		return "", err
	}

	key, err := m.keys.GetActive(ctx, tx)
	if err != nil {
		return "", err
	}

	material, err := key.Material()
	if err != nil {
		return "", err
	}

	jti, err := newJTI()
	if err != nil {
		return "", err
	}

	now := m.now()
	expiresAt := now.Add(ttl)
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	// exp and iat are stored as float64 so the cached payload matches what
	// jwt produces when parsing and GetExpirationTime can read it back.
	claims := jwt.MapClaims{
		"sub": hostname,
		"iss": m.issuer,
		"did": deviceID,
		"exp": float64(expiresAt.Unix()),
		"iat": float64(now.Unix()),
		"kid": key.ID,
		"jti": jti,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = strconv.FormatInt(key.ID, 10)

	signed, err := tok.SignedString(material)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	if _, err := store.NewTokenStore(tx).Insert(ctx, store.Token{
		Token:     signed,
		DeviceID:  deviceID,
		KeyID:     key.ID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing transaction: %w", err)
	}

	// The key is cached only now that the row is durable; a rollback above
	// must leave no trace of it in memory.
	m.keys.Seed(key)
	m.cache.Put(signed, claims)
	return signed, nil
}

// VerifyToken validates a presented bearer token: structural normalization,
// cache lookup, row lookup, key resolution, and cryptographic verification,
// in that order.
func (m *Manager) VerifyToken(ctx context.Context, tokenString string) ValidationResult {
	tokenString = normalizeToken(tokenString)

	if reason, bad := checkStructure(tokenString); bad {
		return invalid(reason)
	}

	if reason, found := m.cache.GetValidation(tokenString); found {
		return invalid(reason)
	}

	if claims, ok := m.cache.Get(tokenString); ok {
		return ValidationResult{
			Valid:    true,
			Claims:   claims,
			DeviceID: claimString(claims, "did"),
			KeyID:    claimInt(claims, "kid"),
		}
	}

	row, err := store.NewTokenStore(m.db.DB()).GetByValue(ctx, tokenString)
	if errors.Is(err, store.ErrNotFound) {
		m.cache.PutInvalid(tokenString, ReasonNotFound)
		return invalid(ReasonNotFound)
	}
	if err != nil {
		logger.Errorw("Token row lookup failed", "error", err)
		return invalid(ReasonNotFound)
	}
	if row.Revoked {
		m.cache.PutInvalid(tokenString, ReasonRevoked)
		return invalid(ReasonRevoked)
	}

	key, err := m.keys.Get(ctx, m.db.DB(), row.KeyID)
	if errors.Is(err, store.ErrNotFound) {
		m.cache.PutInvalid(tokenString, ReasonUnknownKey)
		return invalid(ReasonUnknownKey)
	}
	if err != nil {
		logger.Errorw("Signing key lookup failed", "key_id", row.KeyID, "error", err)
		return invalid(ReasonUnknownKey)
	}

	claims, reason := m.verifySignature(tokenString, key)
	if reason != "" {
		m.cache.PutInvalid(tokenString, reason)
		return invalid(reason)
	}

	m.cache.Put(tokenString, claims)
	return ValidationResult{
		Valid:    true,
		Claims:   claims,
		DeviceID: row.DeviceID,
		KeyID:    row.KeyID,
	}
}

// verifySignature checks the HMAC-SHA256 signature and the claim contract.
// It returns the claims on success, or a non-empty failure reason.
func (m *Manager) verifySignature(tokenString string, key store.SigningKey) (jwt.MapClaims, string) {
	material, err := key.Material()
	if err != nil {
		return nil, ReasonUnknownKey
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		// Claim validation is done explicitly below so failures map to
		// precise log reasons.
		jwt.WithoutClaimsValidation(),
	)

	parsed, err := parser.Parse(tokenString, func(*jwt.Token) (any, error) {
		return material, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ReasonBadSignature
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ReasonMalformed
	}

	for _, name := range requiredClaims {
		if _, ok := claims[name]; !ok {
			return nil, "Missing required claim: " + name
		}
	}

	if claimString(claims, "iss") != m.issuer {
		return nil, ReasonInvalidIssuer
	}
	if claimString(claims, "did") == "" {
		return nil, ReasonMissingDevice
	}

	if m.timeValidation {
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil || !m.now().Before(exp.Time) {
			return nil, ReasonExpired
		}
	}

	return claims, ""
}

// RevokeToken marks a token revoked. Revoking an already-revoked token is
// not an error.
func (m *Manager) RevokeToken(ctx context.Context, tokenString string) (RevokeResult, error) {
	tokenString = normalizeToken(tokenString)

	deviceID, already, err := store.NewTokenStore(m.db.DB()).Revoke(ctx, tokenString)
	if err != nil {
		return RevokeResult{}, err
	}

	m.cache.Invalidate(tokenString)

	status := RevokeDone
	if already {
		status = RevokeAlready
	}
	return RevokeResult{Status: status, DeviceID: deviceID}, nil
}

// RotateKey deactivates every active key, inserts a fresh active key, and
// revokes every non-revoked token bound to any other key, all in one
// transaction. The caches are then reset and reseeded with the new key.
func (m *Manager) RotateKey(ctx context.Context) (int64, string, error) {
	material, err := NewKeyMaterial()
	if err != nil {
		return 0, "", err
	}

	tx, err := m.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	keyStore := store.NewKeyStore(tx, m.codec)
	if _, err := keyStore.DeactivateAll(ctx); err != nil {
		return 0, "", err
	}

	key, err := keyStore.Insert(ctx, material, true)
	if err != nil {
		return 0, "", err
	}

	revoked, err := store.NewTokenStore(tx).RevokeAllExcept(ctx, key.ID)
	if err != nil {
		return 0, "", err
	}

	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("committing rotation: %w", err)
	}

	m.keys.InvalidateAll()
	m.keys.Seed(key)
	m.cache.Clear()

	logger.Infow("Rotated signing key", "key_id", key.ID, "tokens_revoked", revoked)
	return key.ID, material, nil
}

// PurgeExpiredTokens deletes rows that are both revoked and expired, then
// revalidates any cached signing keys they referenced and clears the token
// cache. The retention sweeper calls this hourly.
func (m *Manager) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	deleted, keyIDs, err := store.NewTokenStore(m.db.DB()).PurgeExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		m.keys.Revalidate(ctx, m.db.DB(), keyIDs)
		m.cache.Clear()
		logger.Infow("Purged expired tokens", "deleted", deleted)
	}
	return deleted, nil
}

// Keys lists all signing keys for operational tooling.
func (m *Manager) Keys(ctx context.Context) ([]store.SigningKey, error) {
	return store.NewKeyStore(m.db.DB(), m.codec).List(ctx)
}

// CountTokensForKey counts non-revoked tokens bound to a signing key.
func (m *Manager) CountTokensForKey(ctx context.Context, keyID int64) (int64, error) {
	return store.NewTokenStore(m.db.DB()).CountForKey(ctx, keyID, true)
}

// VerifyCacheState reports the caches' view of a token (or the overall cache
// stats when token is empty) for operational tooling.
func (m *Manager) VerifyCacheState(token string) map[string]any {
	out := map[string]any{
		"cache": m.cache.Stats(),
	}
	ids, activeID := m.keys.Cached()
	out["signing_keys"] = map[string]any{
		"cached_ids": ids,
		"active_id":  activeID,
	}
	if token != "" {
		out["token"] = m.cache.Debug(normalizeToken(token))
	}
	return out
}

// VerifyDBState reports store-level counters for operational tooling.
func (m *Manager) VerifyDBState(ctx context.Context) (map[string]any, error) {
	db := m.db.DB()

	var tokenCount, revokedCount, keyCount, deviceCount int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&tokenCount); err != nil {
		return nil, fmt.Errorf("counting tokens: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens WHERE revoked = 1`).Scan(&revokedCount); err != nil {
		return nil, fmt.Errorf("counting revoked tokens: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signing_keys`).Scan(&keyCount); err != nil {
		return nil, fmt.Errorf("counting signing keys: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&deviceCount); err != nil {
		return nil, fmt.Errorf("counting devices: %w", err)
	}

	version, err := store.SchemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"tokens":         tokenCount,
		"tokens_revoked": revokedCount,
		"signing_keys":   keyCount,
		"devices":        deviceCount,
		"schema_version": version,
	}

	active, err := store.NewKeyStore(db, m.codec).GetActive(ctx)
	switch {
	case err == nil:
		out["active_key_id"] = active.ID
	case errors.Is(err, store.ErrNotFound):
		out["active_key_id"] = nil
	default:
		return nil, err
	}
	return out, nil
}

// normalizeToken strips whitespace and surrounding quotes that sloppy
// clients wrap around the credential.
func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	token = strings.Trim(token, `"'`)
	return token
}

// checkStructure enforces the three-part dot-delimited shape and the header
// contract (alg present, typ absent or "JWT") before any crypto runs.
func checkStructure(token string) (reason string, bad bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ReasonMalformed, true
	}

	headerJSON, err := decodeSegment(parts[0])
	if err != nil {
		return ReasonBadHeader, true
	}

	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return ReasonBadHeader, true
	}

	if typ, ok := header["typ"]; ok {
		if s, _ := typ.(string); s != "JWT" {
			return ReasonBadType, true
		}
	}
	if _, ok := header["alg"]; !ok {
		return ReasonNoAlgorithm, true
	}
	return "", false
}

// decodeSegment decodes one base64url token segment, repadding as needed.
func decodeSegment(segment string) ([]byte, error) {
	if padding := len(segment) % 4; padding != 0 {
		segment += strings.Repeat("=", 4-padding)
	}
	return base64.URLEncoding.DecodeString(segment)
}

// newJTI returns 8 random bytes as 16 hex characters.
func newJTI() (string, error) {
	raw := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generating jti: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

func claimString(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

func claimInt(claims jwt.MapClaims, name string) int64 {
	switch v := claims[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
