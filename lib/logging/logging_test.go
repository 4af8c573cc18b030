// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewHandlerJSONWhenNotInteractive(t *testing.T) {
	var buffer bytes.Buffer
	logger := slog.New(NewHandler(&buffer, false, slog.LevelInfo))
	logger.Info("session created", "session_id", "abc123")

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buffer.String())
	}
	if record["msg"] != "session created" || record["session_id"] != "abc123" {
		t.Errorf("unexpected record %v", record)
	}
}

func TestNewHandlerTextWhenInteractive(t *testing.T) {
	var buffer bytes.Buffer
	logger := slog.New(NewHandler(&buffer, true, slog.LevelInfo))
	logger.Info("session created", "session_id", "abc123")

	output := buffer.String()
	if !strings.Contains(output, `msg="session created"`) || !strings.Contains(output, "session_id=abc123") {
		t.Errorf("unexpected text output %q", output)
	}
}

func TestNewHandlerRespectsLevel(t *testing.T) {
	var buffer bytes.Buffer
	logger := slog.New(NewHandler(&buffer, false, slog.LevelWarn))
	logger.Info("dropped")
	if buffer.Len() != 0 {
		t.Errorf("info record written at warn level: %q", buffer.String())
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	logger := slog.New(NewHandler(&bytes.Buffer{}, false, slog.LevelInfo))
	if OrDiscard(logger) != logger {
		t.Error("OrDiscard replaced a non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for input, want := range tests {
		got, err := ParseLevel(input)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", input, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose) succeeded")
	}
}
