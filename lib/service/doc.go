// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP server lifecycle shared by the
// commandcenter daemon and its tests.
//
// [HTTPServer] binds a TCP listener, signals readiness on a channel,
// serves until its context is cancelled, and then drains. Long-lived
// terminal streams (WebSocket and SSE) see their request contexts
// cancelled at the start of shutdown, so a connected viewer never holds
// the daemon open for the full drain timeout.
package service
