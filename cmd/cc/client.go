// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/commandcenter/lib/netutil"
	"github.com/bureau-foundation/commandcenter/lib/process"
)

const defaultBaseURL = "http://127.0.0.1:3100"

// exitNotFound is the exit status for an unknown session or request.
const exitNotFound = 2

// connection holds the --url and --token flags shared by every command
// that talks to the server.
type connection struct {
	url   string
	token string
}

func (c *connection) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.url, "url", envOr("CC_BASE_URL", defaultBaseURL), "Command Center server URL ($CC_BASE_URL)")
	flagSet.StringVar(&c.token, "token", os.Getenv("CC_AUTH_TOKEN"), "API token ($CC_AUTH_TOKEN)")
}

func (c *connection) client() *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(c.url, "/"),
		token:   c.token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// apiClient calls the session API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// do sends body as JSON and decodes a 2xx reply into out. A 404
// becomes an *process.ExitError carrying exitNotFound.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", c.baseURL, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return &process.ExitError{Code: exitNotFound, Message: netutil.ErrorMessage(response.Body)}
	case response.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("server rejected the token (set --token or CC_AUTH_TOKEN)")
	case response.StatusCode < 200 || response.StatusCode >= 300:
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, response.StatusCode, netutil.ErrorMessage(response.Body))
	}
	if out == nil {
		return nil
	}
	if err := netutil.DecodeResponse(response.Body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func sessionPath(id string, suffix ...string) string {
	return "/api/sessions/" + url.PathEscape(id) + strings.Join(suffix, "")
}
