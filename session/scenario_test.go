// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/commandcenter/lib/tmux"
	"github.com/bureau-foundation/commandcenter/session"
)

// TestSessionOutlivesItsTmuxSession runs the manager against a real
// tmux server: a session whose tmux session is destroyed externally
// is reported dead and stays dead.
func TestSessionOutlivesItsTmuxSession(t *testing.T) {
	server := tmux.NewTestServer(t)
	ctx := context.Background()

	store, err := session.OpenSQLiteStore(ctx, session.StoreConfig{
		Path: filepath.Join(t.TempDir(), "sessions.db"),
	})
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer store.Close()

	manager, err := session.NewManager(session.ManagerConfig{
		Store:          store,
		Multiplexer:    server,
		DefaultCommand: "cat",
		Shell:          "/bin/sh",
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Shutdown()

	project := t.TempDir()
	demo, err := manager.Create(ctx, session.CreateRequest{Name: "demo", Cwd: project})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if demo.Status != session.StatusRunning {
		t.Fatalf("new session status = %s", demo.Status)
	}
	if !server.HasSession(session.TmuxName(demo.ID)) {
		t.Fatal("tmux session missing after Create")
	}
	target, err := manager.ResolveTerminal(ctx, demo.ID)
	if err != nil || target != session.TmuxName(demo.ID) {
		t.Fatalf("ResolveTerminal = %q, %v", target, err)
	}

	if err := server.KillSession(session.TmuxName(demo.ID)); err != nil {
		t.Fatalf("KillSession: %v", err)
	}

	sessions, err := manager.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != session.StatusDead {
		t.Fatalf("List = %+v, want one dead session", sessions)
	}

	monitor := manager.NewStatusMonitor(session.MonitorConfig{})
	monitor.Sample(ctx)
	if err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, err := manager.Get(ctx, demo.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusDead {
		t.Errorf("status after sampling = %s, want dead", got.Status)
	}

	if err := manager.Kill(ctx, demo.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if sessions, _ := manager.List(ctx); len(sessions) != 0 {
		t.Errorf("sessions after Kill = %+v", sessions)
	}
}
