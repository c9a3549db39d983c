// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC signature on loopback requests.
const SignatureHeader = "X-Request-Signature"

// RequiresSignatureHeader is set on 401 responses that lack a signature, as
// a hint to loopback clients.
const RequiresSignatureHeader = "X-Requires-Signature"

// CanonicalString builds the deterministic request form signed by loopback
// clients: METHOD, PATH, QUERY_STRING, and BODY joined by newlines with no
// trailing newline. The body of a GET is always treated as empty.
func CanonicalString(method, path, rawQuery string, body []byte) []byte {
	method = strings.ToUpper(method)
	if method == http.MethodGet {
		body = nil
	}

	var b strings.Builder
	b.Grow(len(method) + len(path) + len(rawQuery) + len(body) + 3)
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(rawQuery)
	b.WriteByte('\n')
	b.Write(body)
	return []byte(b.String())
}

// SignCanonical computes the lowercase-hex HMAC-SHA256 of canonical under
// the shared secret.
func SignCanonical(secret, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCanonical checks a presented hex signature against the canonical
// form in constant time.
func VerifyCanonical(secret, canonical []byte, signature string) bool {
	presented, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), presented)
}
