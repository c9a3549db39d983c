// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Identity describes the authenticated caller of a request.
type Identity struct {
	// DeviceID is the caller's device id. Empty for HMAC-authenticated
	// loopback requests, which are not device-scoped.
	DeviceID string
	// Loopback is set when the request authenticated over the HMAC path.
	Loopback bool
	// Token is the presented bearer token, when any.
	Token string
	// Claims are the validated token claims, when any.
	Claims jwt.MapClaims
}

// identityContextKey is the context key type for the request identity.
type identityContextKey struct{}

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext retrieves the caller identity set by the gate.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok
}
