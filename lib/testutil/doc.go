// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Command Center
// packages.
//
// [SocketDir] creates a short temporary directory in /tmp for Unix
// domain sockets. sun_path is limited to 108 bytes, and t.TempDir()
// paths under a long TMPDIR overflow it; the tmux test servers put
// their sockets here.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout safety valve so that individual tests never call
// time.After directly. They are the only place in the test suite where
// wall-clock timeouts appear; everything else runs on lib/clock.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation: tmux session names, approval request IDs, and so on.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
