// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the per-request authentication gate: loopback
// clients authenticate with an HMAC-signed canonical request, remote clients
// with a bearer token.
package auth

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/quartzband/beacond/pkg/logger"
	"github.com/quartzband/beacond/pkg/telemetry"
	"github.com/quartzband/beacond/pkg/tokens"
)

// SecretProvider supplies the HMAC shared secret. The secrets store
// satisfies this interface.
type SecretProvider interface {
	SharedSecret() []byte
}

// maxSignedBodyBytes bounds how much request body the gate buffers for
// signature verification.
const maxSignedBodyBytes = 1 << 20

// Gate is the per-request authentication policy. It is installed as
// middleware ahead of every authenticated handler.
type Gate struct {
	secrets SecretProvider
	tokens  *tokens.Manager

	// grantChannel is a reserved hook for one-time-grant channels that
	// bypass authentication. It currently always reports false.
	grantChannel func(*http.Request) bool
}

// NewGate creates the authentication gate.
func NewGate(secrets SecretProvider, tm *tokens.Manager) *Gate {
	return &Gate{
		secrets:      secrets,
		tokens:       tm,
		grantChannel: func(*http.Request) bool { return false },
	}
}

// Middleware enforces the authentication policy: grant channel passes
// through, loopback clients must present a valid HMAC signature, everyone
// else must present a valid bearer token.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.grantChannel(r) {
			next.ServeHTTP(w, r)
			return
		}

		if IsLoopback(r) {
			g.serveHMAC(next, w, r)
			return
		}

		g.serveBearer(next, w, r)
	})
}

// RequireLoopback guards loopback-only routes. Non-loopback clients get 403
// regardless of any credential they present.
func RequireLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsLoopback(r) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HMACOnly verifies the canonical-request signature without falling back to
// bearer tokens. Loopback-only routes chain RequireLoopback ahead of it.
func (g *Gate) HMACOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serveHMAC(next, w, r)
	})
}

func (g *Gate) serveHMAC(next http.Handler, w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		w.Header().Set(RequiresSignatureHeader, "true")
		telemetry.RequestsDenied.WithLabelValues("hmac").Inc()
		http.Error(w, "Missing signature header", http.StatusUnauthorized)
		return
	}

	body, err := readBody(r)
	if err != nil {
		logger.Warnw("Failed to read request body for signature check", "error", err)
		w.Header().Set(RequiresSignatureHeader, "true")
		telemetry.RequestsDenied.WithLabelValues("hmac").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	canonical := CanonicalString(r.Method, r.URL.Path, r.URL.RawQuery, body)
	if !VerifyCanonical(g.secrets.SharedSecret(), canonical, signature) {
		logger.Warnw("HMAC signature mismatch", "method", r.Method, "path", r.URL.Path)
		w.Header().Set(RequiresSignatureHeader, "true")
		telemetry.RequestsDenied.WithLabelValues("hmac").Inc()
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	telemetry.RequestsAuthorized.WithLabelValues("hmac").Inc()
	ctx := WithIdentity(r.Context(), &Identity{Loopback: true})
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (g *Gate) serveBearer(next http.Handler, w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		telemetry.RequestsDenied.WithLabelValues("bearer").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	result := g.tokens.VerifyToken(r.Context(), tokenString)
	if !result.Valid {
		// The precise reason stays in the log; clients get a fixed 401
		// so failures cannot be used to enumerate credentials.
		logger.Infow("Bearer token rejected", "reason", result.Reason, "path", r.URL.Path)
		telemetry.RequestsDenied.WithLabelValues("bearer").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	telemetry.RequestsAuthorized.WithLabelValues("bearer").Inc()
	ctx := WithIdentity(r.Context(), &Identity{
		DeviceID: result.DeviceID,
		Token:    tokenString,
		Claims:   result.Claims,
	})
	next.ServeHTTP(w, r.WithContext(ctx))
}

// readBody buffers the request body for canonicalization and restores it so
// the handler can read it again.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
