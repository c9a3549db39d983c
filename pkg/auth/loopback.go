// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientAddr resolves the request's source address, honoring reverse-proxy
// headers in priority order: X-Real-IP, then the first X-Forwarded-For
// entry, then the transport peer address.
func ClientAddr(r *http.Request) (netip.Addr, bool) {
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return parseAddr(real)
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return parseAddr(strings.TrimSpace(first))
	}

	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			// Unix-socket peers surface without a port.
			host = r.RemoteAddr
		}
		return parseAddr(host)
	}

	return netip.Addr{}, false
}

// IsLoopback classifies the request source. Only 127.0.0.0/8 and ::1 count;
// absence of any resolvable source fails closed as non-loopback.
func IsLoopback(r *http.Request) bool {
	addr, ok := ClientAddr(r)
	if !ok {
		return false
	}
	return addr.Unmap().IsLoopback()
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}
