// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package viewer is a terminal client for Command Center's terminal
// transports. It stays attached across network trouble.
//
// [Client.Run] first tries the WebSocket transport. If the socket does
// not open within five seconds (typically a proxy that swallows
// upgrades), the client switches to the SSE stream plus input POSTs
// for the rest of the run. Any disconnect leads to a reconnect after
// an exponential, jittered backoff that starts at one second, caps at
// thirty, and resets once an attach succeeds. Silence from the server
// for longer than the heartbeat window counts as a disconnect; the
// server pings and sends keepalives well inside it.
//
// Every successful attach starts with a repaint of the whole screen,
// so OnReset fires first and the caller should clear its display.
// Run stops for good only when the server says the session is gone
// ([ErrSessionGone]), the token is rejected ([ErrUnauthorized]), or
// its context ends.
package viewer
