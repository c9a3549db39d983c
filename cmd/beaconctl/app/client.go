// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quartzband/beacond/pkg/auth"
	"github.com/quartzband/beacond/pkg/secrets"
)

const requestTimeout = 10 * time.Second

// client signs loopback requests with the appliance shared secret.
type client struct {
	baseURL *url.URL
	secret  []byte
	http    *http.Client
}

func newClient() (*client, error) {
	base, err := url.Parse(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL %q: %w", serverAddr, err)
	}

	secretStore := secrets.New(secretsDir)
	if err := secretStore.LoadOrCreate(); err != nil {
		return nil, err
	}

	return &client{
		baseURL: base,
		secret:  secretStore.SharedSecret(),
		http:    &http.Client{Timeout: requestTimeout},
	}, nil
}

// do sends a signed request and decodes the JSON response into out.
func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	target := *c.baseURL
	target.Path = strings.TrimSuffix(target.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	canonical := auth.CanonicalString(method, target.Path, target.RawQuery, payload)
	req.Header.Set(auth.SignatureHeader, auth.SignCanonical(c.secret, canonical))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
