// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval relays out-of-band questions from an agent to a
// human and carries the answer back.
//
// The asking side (an agent tool, usually through [Client.Ask]) posts
// a [Request] to the server and polls for the answer. The human sees
// the question through a push notification or the web UI and answers
// it once. The server side is a [Relay]: an in-memory table of
// pending requests with a fixed time-to-live. A request that outlives
// its TTL is gone, answered or not, whether or not the sweeper has
// reclaimed it yet. Nothing survives a server restart; an asker whose
// request disappears sees [ErrNotFound] and reports the loss.
package approval
