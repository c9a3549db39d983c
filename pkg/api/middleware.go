// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/quartzband/beacond/pkg/activity"
	"github.com/quartzband/beacond/pkg/logger"
)

// activityMiddleware records every authorized bearer request against its
// device once the handler has produced a status. Gate rejections and
// loopback requests carry no device identity and are not recorded.
func activityMiddleware(recorder *activity.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				return
			}

			endpoint := strings.TrimPrefix(r.URL.Path, "/api/v1")
			if err := recorder.Record(r.Context(), token, endpoint, status); err != nil {
				logger.Debugf("Activity record skipped: %v", err)
			}
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}
