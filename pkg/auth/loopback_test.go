// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLoopback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		realIP     string
		forwarded  string
		want       bool
	}{
		{"ipv4 loopback", "127.0.0.1:4321", "", "", true},
		{"ipv4 loopback high octet", "127.8.8.8:4321", "", "", true},
		{"ipv6 loopback", "[::1]:4321", "", "", true},
		{"mapped ipv4 loopback", "[::ffff:127.0.0.1]:4321", "", "", true},
		{"remote ipv4", "192.0.2.10:4321", "", "", false},
		{"remote ipv6", "[2001:db8::1]:4321", "", "", false},
		{"x-real-ip overrides loopback peer", "127.0.0.1:4321", "192.0.2.10", "", false},
		{"x-real-ip loopback", "192.0.2.10:4321", "127.0.0.1", "", true},
		{"forwarded-for first entry wins", "127.0.0.1:4321", "", "192.0.2.10, 127.0.0.1", false},
		{"forwarded-for loopback", "192.0.2.10:4321", "", "127.0.0.1", true},
		{"real-ip beats forwarded-for", "127.0.0.1:4321", "192.0.2.10", "127.0.0.1", false},
		{"unparseable real-ip fails closed", "127.0.0.1:4321", "not-an-ip", "", false},
		{"no source fails closed", "", "", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}

			assert.Equal(t, tt.want, IsLoopback(r))
		})
	}
}

func TestClientAddrUnixSocketPeer(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	// Unix-socket peers surface as an address without a port.
	r.RemoteAddr = "127.0.0.1"

	addr, ok := ClientAddr(r)
	assert.True(t, ok)
	assert.True(t, addr.IsLoopback())
}
