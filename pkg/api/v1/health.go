// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quartzband/beacond/pkg/store"
)

// HealthRoutes answers liveness probes.
type HealthRoutes struct {
	db *store.DB
}

// HealthcheckRouter creates the unauthenticated health router.
func HealthcheckRouter(db *store.DB) http.Handler {
	routes := HealthRoutes{db: db}

	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthResponse struct {
	Status string `json:"status"`
}

func (h *HealthRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Verify(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
