// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging constructs the slog loggers used by the
// commandcenter daemon and the cc CLI. Libraries never build their own
// handlers: they accept a *slog.Logger and scope it with With().
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// New returns a logger writing to stderr at level. When stderr is a
// terminal the output is slog's text format for humans; when it is
// piped or redirected (systemd, CI, log shippers) it is JSON.
//
// Callers scope the logger per component:
//
//	logger := logging.New(slog.LevelInfo).With("component", "status-monitor")
func New(level slog.Level) *slog.Logger {
	return slog.New(NewHandler(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), level))
}

// NewHandler picks the text handler for an interactive writer and the
// JSON handler otherwise.
func NewHandler(writer io.Writer, interactive bool, level slog.Level) slog.Handler {
	options := &slog.HandlerOptions{Level: level}
	if interactive {
		return slog.NewTextHandler(writer, options)
	}
	return slog.NewJSONHandler(writer, options)
}

// Discard returns a logger that drops everything. Libraries use it
// when their config carries a nil logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns logger, or Discard when logger is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// ParseLevel maps "debug", "info", "warn", and "error" (any case) to
// a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", name)
	}
}
