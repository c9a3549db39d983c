// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the daemon's Prometheus collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsAuthorized counts requests that passed the gate, by path.
	RequestsAuthorized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacond_requests_authorized_total",
		Help: "Requests that passed the authentication gate.",
	}, []string{"scheme"})

	// RequestsDenied counts requests rejected by the gate.
	RequestsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacond_requests_denied_total",
		Help: "Requests rejected by the authentication gate.",
	}, []string{"scheme"})

	// TokensIssued counts successful token issuances.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beacond_tokens_issued_total",
		Help: "Bearer tokens issued.",
	})

	// ActivityFlushes counts activity buffer flushes by result.
	ActivityFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacond_activity_flushes_total",
		Help: "Activity buffer flushes.",
	}, []string{"result"})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
