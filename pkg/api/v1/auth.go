// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the route handlers of the management API.
package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quartzband/beacond/pkg/auth"
	"github.com/quartzband/beacond/pkg/logger"
	"github.com/quartzband/beacond/pkg/store"
	"github.com/quartzband/beacond/pkg/telemetry"
	"github.com/quartzband/beacond/pkg/tokens"
)

// AuthRoutes bundles the dependencies of the auth endpoints.
type AuthRoutes struct {
	tokens *tokens.Manager
}

// AuthRouter creates the router for the auth API. The token-issuance path
// is loopback-only and HMAC-gated: it is the bootstrap path for on-device
// processes that hold no token yet. The diagnostics below it are for
// operator tooling and share the same protection.
func AuthRouter(gate *auth.Gate, tm *tokens.Manager) http.Handler {
	routes := AuthRoutes{tokens: tm}

	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireLoopback, gate.HMACOnly)
		r.Post("/token", routes.issueToken)
		r.Post("/rotate", routes.rotateKey)
		r.Get("/keys", routes.listKeys)
		r.Get("/state/cache", routes.cacheState)
		r.Get("/state/db", routes.dbState)
	})

	r.Group(func(r chi.Router) {
		r.Use(gate.Middleware)
		r.Post("/revoke", routes.revokeToken)
	})

	return r
}

type issueTokenRequest struct {
	DeviceID string `json:"device_id"`
}

type issueTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// issueToken mints a bearer token for the requesting device.
func (a *AuthRoutes) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	token, err := a.tokens.CreateToken(r.Context(), req.DeviceID, 0)
	if err != nil {
		logger.Errorw("Token issuance failed", "device_id", req.DeviceID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	telemetry.TokensIssued.Inc()
	writeJSON(w, http.StatusOK, issueTokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
	})
}

type revokeTokenRequest struct {
	Token string `json:"token,omitempty"`
}

type revokeTokenResponse struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id,omitempty"`
}

// revokeToken revokes the token named in the body, defaulting to the
// caller's own bearer token.
func (a *AuthRoutes) revokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeTokenRequest
	if r.Body != nil {
		// An empty body is fine; bearer callers revoke themselves.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	target := req.Token
	if target == "" {
		if id, ok := auth.IdentityFromContext(r.Context()); ok {
			target = id.Token
		}
	}
	if target == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	result, err := a.tokens.RevokeToken(r.Context(), target)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		logger.Errorw("Token revocation failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, revokeTokenResponse{
		Status:   string(result.Status),
		DeviceID: result.DeviceID,
	})
}

type rotateKeyResponse struct {
	KeyID int64 `json:"key_id"`
}

// rotateKey installs a fresh active signing key and revokes tokens bound to
// prior keys. The new key material never leaves the process.
func (a *AuthRoutes) rotateKey(w http.ResponseWriter, r *http.Request) {
	keyID, _, err := a.tokens.RotateKey(r.Context())
	if err != nil {
		logger.Errorw("Key rotation failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rotateKeyResponse{KeyID: keyID})
}

type keyInfo struct {
	ID           int64  `json:"id"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at"`
	ActiveTokens int64  `json:"active_tokens"`
}

// listKeys reports signing keys and their live token counts. Key material
// is never included.
func (a *AuthRoutes) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.tokens.Keys(r.Context())
	if err != nil {
		logger.Errorw("Listing signing keys failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	out := make([]keyInfo, 0, len(keys))
	for _, key := range keys {
		count, err := a.tokens.CountTokensForKey(r.Context(), key.ID)
		if err != nil {
			logger.Errorw("Counting tokens failed", "key_id", key.ID, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		out = append(out, keyInfo{
			ID:           key.ID,
			Active:       key.Active,
			CreatedAt:    store.FormatTime(key.CreatedAt),
			ActiveTokens: count,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// cacheState reports the token and key caches for operational tooling.
func (a *AuthRoutes) cacheState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.tokens.VerifyCacheState(r.URL.Query().Get("token")))
}

// dbState reports store-level counters for operational tooling.
func (a *AuthRoutes) dbState(w http.ResponseWriter, r *http.Request) {
	state, err := a.tokens.VerifyDBState(r.Context())
	if err != nil {
		logger.Errorw("Reading DB state failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("Failed to encode response", "error", err)
	}
}
