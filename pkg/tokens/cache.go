// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	validationTTL     = 5 * time.Minute
	timestampTTL      = time.Hour
	timestampCacheCap = 1000
)

type validationEntry struct {
	timestamp time.Time
	isValid   bool
	reason    string
}

type timestampEntry struct {
	expired    bool
	computedAt time.Time
}

// Cache is the process-local token cache: a positive table of validated
// claim payloads, a validation table that short-circuits repeat lookups, and
// an expiration-timestamp table that amortizes wall-clock comparisons.
//
// All three tables share one mutex. The mutex is never held across a
// database call.
type Cache struct {
	mu          sync.Mutex
	payloads    map[string]jwt.MapClaims
	validations map[string]validationEntry
	timestamps  map[int64]timestampEntry

	timeValidation bool
	now            func() time.Time
}

// NewCache creates an empty token cache. With timeValidation off, cached
// payloads are served regardless of their exp claim.
func NewCache(timeValidation bool) *Cache {
	return &Cache{
		payloads:       make(map[string]jwt.MapClaims),
		validations:    make(map[string]validationEntry),
		timestamps:     make(map[int64]timestampEntry),
		timeValidation: timeValidation,
		now:            time.Now,
	}
}

// Put stores a validated payload under its token string.
func (c *Cache) Put(token string, claims jwt.MapClaims) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.payloads[token] = claims
	c.validations[token] = validationEntry{timestamp: c.now(), isValid: true}
}

// PutInvalid records a negative validation outcome so repeated presentations
// of a bad token skip the database for the validation TTL.
func (c *Cache) PutInvalid(token, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.validations[token] = validationEntry{timestamp: c.now(), isValid: false, reason: reason}
}

// Get returns the cached payload for token, if present and not stale. A
// payload whose exp is no longer in the future is evicted, never returned.
func (c *Cache) Get(token string) (jwt.MapClaims, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	claims, ok := c.payloads[token]
	if !ok {
		return nil, false
	}

	if c.timeValidation && c.payloadExpired(claims) {
		delete(c.payloads, token)
		delete(c.validations, token)
		return nil, false
	}
	return claims, true
}

// GetValidation returns a cached negative outcome for token, if one is still
// within the validation TTL. Positive outcomes are served via Get.
func (c *Cache) GetValidation(token string) (reason string, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.validations[token]
	if !ok || entry.isValid {
		return "", false
	}
	if c.now().Sub(entry.timestamp) > validationTTL {
		delete(c.validations, token)
		delete(c.payloads, token)
		return "", false
	}
	return entry.reason, true
}

// Invalidate drops every cache entry for token.
func (c *Cache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.payloads, token)
	delete(c.validations, token)
}

// ClearExpired evicts stale validation entries and expired payloads.
func (c *Cache) ClearExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for token, entry := range c.validations {
		if now.Sub(entry.timestamp) > validationTTL {
			delete(c.validations, token)
			delete(c.payloads, token)
		}
	}
	for token, claims := range c.payloads {
		if c.timeValidation && c.payloadExpired(claims) {
			delete(c.payloads, token)
			delete(c.validations, token)
		}
	}
	for exp, entry := range c.timestamps {
		if now.Sub(entry.computedAt) > timestampTTL {
			delete(c.timestamps, exp)
		}
	}
}

// Clear empties every table.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.payloads = make(map[string]jwt.MapClaims)
	c.validations = make(map[string]validationEntry)
	c.timestamps = make(map[int64]timestampEntry)
}

// Debug reports the cache's view of one token for operational tooling.
func (c *Cache) Debug(token string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := map[string]any{
		"cached": false,
	}
	if claims, ok := c.payloads[token]; ok {
		out["cached"] = true
		out["claims"] = claims
	}
	if entry, ok := c.validations[token]; ok {
		out["validation"] = map[string]any{
			"is_valid":  entry.isValid,
			"reason":    entry.reason,
			"timestamp": entry.timestamp,
		}
	}
	return out
}

// Stats reports table sizes.
func (c *Cache) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]int{
		"payloads":    len(c.payloads),
		"validations": len(c.validations),
		"timestamps":  len(c.timestamps),
	}
}

// payloadExpired reports whether the payload's exp claim is not in the
// future, consulting the timestamp cache. Callers must hold c.mu.
func (c *Cache) payloadExpired(claims jwt.MapClaims) bool {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		// A payload without a usable exp is treated as expired: the
		// issuer always sets one.
		return true
	}
	return c.expired(exp.Unix())
}

// expired resolves one exp timestamp against the clock with a bounded
// memoization table. Callers must hold c.mu.
func (c *Cache) expired(exp int64) bool {
	now := c.now()
	if entry, ok := c.timestamps[exp]; ok && now.Sub(entry.computedAt) <= timestampTTL {
		// A cached "not expired" verdict may have gone stale within the
		// TTL; recompute only when it could have flipped.
		if entry.expired || now.Unix() < exp {
			return entry.expired
		}
	}

	expired := now.Unix() >= exp
	if len(c.timestamps) >= timestampCacheCap {
		c.evictOldestTimestamp()
	}
	c.timestamps[exp] = timestampEntry{expired: expired, computedAt: now}
	return expired
}

func (c *Cache) evictOldestTimestamp() {
	var (
		oldestExp int64
		oldestAt  time.Time
		first     = true
	)
	for exp, entry := range c.timestamps {
		if first || entry.computedAt.Before(oldestAt) {
			oldestExp, oldestAt, first = exp, entry.computedAt, false
		}
	}
	if !first {
		delete(c.timestamps, oldestExp)
	}
}
