// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quartzband/beacond/pkg/auth"
	"github.com/quartzband/beacond/pkg/logger"
	"github.com/quartzband/beacond/pkg/store"
)

// SystemRoutes bundles the dependencies of the system endpoints.
type SystemRoutes struct {
	db *store.DB
}

// SystemRouter creates the router for the system API. Every route is behind
// the authentication gate; bearer callers see their own device, loopback
// callers can inspect any device.
func SystemRouter(gate *auth.Gate, db *store.DB) http.Handler {
	routes := SystemRoutes{db: db}

	r := chi.NewRouter()
	r.Use(gate.Middleware)
	r.Get("/device/info", routes.deviceInfo)
	r.Get("/devices", routes.listDevices)
	r.Get("/activity", routes.listActivity)

	return r
}

type deviceInfoResponse struct {
	DeviceID  string             `json:"device_id"`
	FirstSeen string             `json:"first_seen"`
	LastSeen  string             `json:"last_seen"`
	Stats     *deviceStatsDetail `json:"stats,omitempty"`
	Token     *tokenDetail       `json:"token,omitempty"`
}

type deviceStatsDetail struct {
	RequestCount  int64    `json:"request_count"`
	ErrorCount    int64    `json:"error_count"`
	EndpointCount int64    `json:"endpoint_count"`
	Endpoints     []string `json:"endpoints"`
	LastActivity  string   `json:"last_activity,omitempty"`
}

type tokenDetail struct {
	ExpiresAt string `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
	CreatedAt string `json:"created_at"`
}

// deviceInfo returns the caller's device record. Loopback callers name the
// device with ?device_id=; bearer callers are pinned to their own.
func (s *SystemRoutes) deviceInfo(w http.ResponseWriter, r *http.Request) {
	deviceID := s.callerDevice(r)
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	summary, err := store.NewDeviceStore(s.db.DB()).Summary(r.Context(), deviceID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Errorw("Device summary failed", "device_id", deviceID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := deviceInfoResponse{
		DeviceID:  summary.Device.DeviceID,
		FirstSeen: store.FormatTime(summary.Device.FirstSeen),
		LastSeen:  store.FormatTime(summary.Device.LastSeen),
	}
	if summary.Stats != nil {
		resp.Stats = statsDetail(summary.Stats)
	}
	if summary.LatestToken != nil {
		resp.Token = &tokenDetail{
			ExpiresAt: store.FormatTime(summary.LatestToken.ExpiresAt),
			Revoked:   summary.LatestToken.Revoked,
			CreatedAt: store.FormatTime(summary.LatestToken.CreatedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type activeDeviceEntry struct {
	DeviceID string             `json:"device_id"`
	Stats    *deviceStatsDetail `json:"stats"`
}

// listDevices returns every device that currently holds a live token.
func (s *SystemRoutes) listDevices(w http.ResponseWriter, r *http.Request) {
	stats, err := store.NewStatsStore(s.db.DB()).ActiveDevices(r.Context(), time.Now())
	if err != nil {
		logger.Errorw("Listing active devices failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	out := make([]activeDeviceEntry, 0, len(stats))
	for i := range stats {
		out = append(out, activeDeviceEntry{
			DeviceID: stats[i].DeviceID,
			Stats:    statsDetail(&stats[i]),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

type activityEntry struct {
	DeviceID   string `json:"device_id"`
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status_code"`
	CreatedAt  string `json:"created_at"`
}

// listActivity returns recorded events, newest first. Query parameters:
// kind (recent or historical, default recent), device_id, limit.
func (s *SystemRoutes) listActivity(w http.ResponseWriter, r *http.Request) {
	kind := store.ActivityRecent
	if q := r.URL.Query().Get("kind"); q != "" {
		kind = store.ActivityKind(q)
		if kind != store.ActivityRecent && kind != store.ActivityHistorical {
			http.Error(w, "Invalid activity kind", http.StatusBadRequest)
			return
		}
	}

	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	deviceID := r.URL.Query().Get("device_id")
	if id, ok := auth.IdentityFromContext(r.Context()); ok && !id.Loopback {
		// Bearer callers only see their own history.
		deviceID = id.DeviceID
	}

	events, err := store.NewActivityStore(s.db.DB()).List(r.Context(), kind, deviceID, limit)
	if err != nil {
		logger.Errorw("Listing activity failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	out := make([]activityEntry, 0, len(events))
	for _, ev := range events {
		out = append(out, activityEntry{
			DeviceID:   ev.DeviceID,
			Endpoint:   ev.Endpoint,
			StatusCode: ev.StatusCode,
			CreatedAt:  store.FormatTime(ev.CreatedAt),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *SystemRoutes) callerDevice(r *http.Request) string {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return ""
	}
	if id.Loopback {
		return r.URL.Query().Get("device_id")
	}
	return id.DeviceID
}

func statsDetail(st *store.DeviceStats) *deviceStatsDetail {
	d := &deviceStatsDetail{
		RequestCount:  st.RequestCount,
		ErrorCount:    st.ErrorCount,
		EndpointCount: st.EndpointCount,
		Endpoints:     st.Endpoints,
	}
	if st.LastActivity != nil {
		d.LastActivity = store.FormatTime(*st.LastActivity)
	}
	return d
}
