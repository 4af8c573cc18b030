// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tmux

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/commandcenter/lib/testutil"
)

// NewTestServer starts an isolated tmux server for a test:
//   - its socket lives in a short /tmp directory (108-byte sun_path limit)
//   - -f /dev/null keeps ~/.tmux.conf out
//   - a "_guard" session running "sleep infinity" keeps the server
//     alive while the sessions under test come and go
//   - t.Cleanup kills the server
//
// The test is skipped when no tmux binary is installed.
//
// Never run a bare "tmux" command from a test: without -S it targets
// the developer's own server.
func NewTestServer(t *testing.T) *Server {
	t.Helper()

	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}

	server := NewServer(filepath.Join(testutil.SocketDir(t), "tmux.sock"), "/dev/null")
	if err := server.NewSession("_guard", "sleep", "infinity"); err != nil {
		t.Fatalf("start tmux test server: %v", err)
	}
	t.Cleanup(func() {
		server.KillServer()
	})
	return server
}
