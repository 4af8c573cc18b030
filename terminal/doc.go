// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal shares one pseudo-terminal per session among any
// number of remote viewers.
//
// A [Pool] keeps at most one live [Handle] per session id. The handle
// owns a "tmux attach-session" process running on a PTY; its output
// is broadcast to every [Listener], and input from any viewer is
// written to the PTY in arrival order. A viewer disconnecting closes
// only its listener. The handle goes away when the attach process
// exits (the tmux session ended or was killed) or when [Pool.Close]
// is called during session teardown.
//
// [Transport] exposes the pool over HTTP in two ways: a WebSocket
// carrying binary output frames and JSON input frames, and a
// Server-Sent Events stream of base64 output paired with a POST input
// endpoint, for networks that break WebSockets. Both send a full
// repaint on attach, so a reconnecting viewer never depends on bytes
// it missed.
package terminal
