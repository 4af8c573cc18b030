// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP and connection I/O helpers shared by
// Command Center's clients: the viewer, the approval client, the
// notifier, and the cc CLI.
//
// The response helpers (ReadResponse, DecodeResponse, ErrorBody,
// ErrorMessage) bound every JSON body read at MaxResponseSize. They
// are for JSON API responses, never for the SSE terminal stream, which
// is read incrementally.
//
// On the server side, WriteJSON, WriteError, and DecodeRequest give
// the api and terminal handlers one JSON envelope.
//
// IsExpectedCloseError classifies errors that occur during normal
// teardown of a terminal stream or PTY.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxResponseSize bounds JSON API response reads: 8 MB. The largest
// legitimate response is a session list, orders of magnitude smaller.
const MaxResponseSize int64 = 8 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body (up to
// MaxResponseSize bytes) and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body as a string for
// diagnostics. Read errors are ignored; a partial body is still
// useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}

// ErrorMessage extracts the message from a {"error": "..."} response
// body, falling back to the trimmed raw body.
func ErrorMessage(body io.Reader) string {
	raw := ErrorBody(body)
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(raw), &envelope) == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(raw)
}
