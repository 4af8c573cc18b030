// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"

	"github.com/bureau-foundation/commandcenter/lib/testutil"
)

// fakeResolver maps session ids to targets; unknown ids are not
// found.
type fakeResolver struct {
	mu      sync.Mutex
	targets map[string]string
}

func (f *fakeResolver) ResolveTerminal(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.targets[id]
	if !ok {
		return "", fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return target, nil
}

// scriptAttacher runs a shell script per target instead of tmux.
type scriptAttacher struct {
	mu       sync.Mutex
	scripts  map[string]string
	attaches map[string]int
}

func (s *scriptAttacher) AttachCommand(ctx context.Context, target string) *exec.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attaches[target]++
	return exec.CommandContext(ctx, "sh", "-c", s.scripts[target])
}

func (s *scriptAttacher) count(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attaches[target]
}

// newTestPool creates a pool where session id "<name>" runs
// scripts[name].
func newTestPool(t *testing.T, buffer int, scripts map[string]string) (*Pool, *scriptAttacher) {
	t.Helper()
	resolver := &fakeResolver{targets: make(map[string]string)}
	for id := range scripts {
		resolver.targets[id] = id
	}
	attacher := &scriptAttacher{scripts: scripts, attaches: make(map[string]int)}
	pool := NewPool(PoolConfig{Resolver: resolver, Attacher: attacher, ListenerBuffer: buffer})
	t.Cleanup(pool.Shutdown)
	return pool, attacher
}

// readUntil collects output from listener until it contains text.
func readUntil(t *testing.T, listener *Listener, text string) string {
	t.Helper()
	var output strings.Builder
	for !strings.Contains(output.String(), text) {
		select {
		case chunk := <-listener.C:
			output.Write(chunk)
		case <-listener.Done():
			t.Fatalf("listener finished before %q arrived; got %q", text, output.String())
		case <-time.After(10 * time.Second): //nolint:realclock test hang prevention
			t.Fatalf("timed out waiting for %q; got %q", text, output.String())
		}
	}
	return output.String()
}

func TestAcquireUnknownSession(t *testing.T) {
	pool, _ := newTestPool(t, 0, map[string]string{})
	if _, err := pool.Acquire(context.Background(), "nope", 80, 24); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Acquire(nope) = %v, want ErrNotFound", err)
	}
}

func TestAcquireSharesOneHandle(t *testing.T) {
	pool, attacher := newTestPool(t, 0, map[string]string{"s1": "cat"})

	first, err := pool.Acquire(context.Background(), "s1", 100, 30)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := pool.Acquire(context.Background(), "s1", 80, 24)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if first != second {
		t.Fatal("second Acquire spawned a new handle")
	}
	if attacher.count("s1") != 1 {
		t.Errorf("attach process started %d times", attacher.count("s1"))
	}
	if cols, rows := first.Size(); cols != 100 || rows != 30 {
		t.Errorf("Size = %dx%d, want the first viewer's 100x30", cols, rows)
	}
}

func TestOversizedDimensionsAreClamped(t *testing.T) {
	pool, _ := newTestPool(t, 0, map[string]string{"s1": "cat"})

	handle, err := pool.Acquire(context.Background(), "s1", 65536, 70000)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	assertPtySize := func(wantCols, wantRows int) {
		t.Helper()
		if cols, rows := handle.Size(); cols != wantCols || rows != wantRows {
			t.Errorf("Size = %dx%d, want %dx%d", cols, rows, wantCols, wantRows)
		}
		rows, cols, err := pty.Getsize(handle.file)
		if err != nil {
			t.Fatalf("pty.Getsize: %v", err)
		}
		if cols != wantCols || rows != wantRows {
			t.Errorf("pty size = %dx%d, want %dx%d", cols, rows, wantCols, wantRows)
		}
	}
	assertPtySize(MaxDimension, MaxDimension)

	if err := handle.Resize(100, 1<<20); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	assertPtySize(100, MaxDimension)

	if err := handle.Resize(MaxDimension, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := handle.Repaint(); err != nil {
		t.Fatalf("Repaint: %v", err)
	}
	assertPtySize(MaxDimension, 40)
}

func TestRepaintWidthStaysInRange(t *testing.T) {
	for _, test := range []struct{ cols, want int }{
		{80, 81},
		{MaxDimension - 1, MaxDimension},
		{MaxDimension, MaxDimension - 1},
	} {
		if got := repaintWidth(test.cols); got != test.want {
			t.Errorf("repaintWidth(%d) = %d, want %d", test.cols, got, test.want)
		}
	}
	if got := clampDimension(MaxDimension + 1); got != MaxDimension {
		t.Errorf("clampDimension(MaxDimension+1) = %d", got)
	}
}

func TestListenersReceiveEveryChunk(t *testing.T) {
	pool, _ := newTestPool(t, 0, map[string]string{"s1": "cat"})
	handle, err := pool.Acquire(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	first := handle.Listen()
	second := handle.Listen()
	if _, err := handle.Write([]byte("shared output\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readUntil(t, first, "shared output")
	readUntil(t, second, "shared output")

	// Detaching one viewer leaves the terminal running for the other.
	first.Close()
	testutil.RequireClosed(t, first.Done(), time.Second, "closed listener done")
	if _, err := handle.Write([]byte("after detach\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readUntil(t, second, "after detach")
	if _, ok := pool.Lookup("s1"); !ok {
		t.Error("handle removed after a listener closed")
	}
}

func TestHandleExit(t *testing.T) {
	pool, attacher := newTestPool(t, 0, map[string]string{"s1": "read line; echo goodbye"})
	handle, err := pool.Acquire(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	listener := handle.Listen()

	if _, err := handle.Write([]byte("\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	testutil.RequireClosed(t, handle.Done(), 10*time.Second, "attach process exit")
	testutil.RequireClosed(t, listener.Done(), time.Second, "listener released on exit")
	if handle.ExitErr() != nil {
		t.Errorf("ExitErr = %v, want clean exit", handle.ExitErr())
	}
	if _, ok := pool.Lookup("s1"); ok {
		t.Error("exited handle still in the pool")
	}

	late := handle.Listen()
	testutil.RequireClosed(t, late.Done(), time.Second, "listener on an exited handle")

	// The next viewer gets a fresh attach.
	if _, err := pool.Acquire(context.Background(), "s1", 0, 0); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if attacher.count("s1") != 2 {
		t.Errorf("attach count = %d, want 2", attacher.count("s1"))
	}
}

func TestPoolClose(t *testing.T) {
	pool, _ := newTestPool(t, 0, map[string]string{"s1": "sleep 600"})
	handle, err := pool.Acquire(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Close("s1")
	testutil.RequireClosed(t, handle.Done(), 10*time.Second, "killed attach process")
	if handle.ExitErr() == nil {
		t.Error("killed process reported a clean exit")
	}
	pool.Close("unknown")
}

func TestSlowListenerEvicted(t *testing.T) {
	pool, _ := newTestPool(t, 1, map[string]string{
		"s1": "read line; i=0; while [ $i -lt 5000 ]; do echo line $i; i=$((i+1)); done; sleep 600",
	})
	handle, err := pool.Acquire(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	slow := handle.Listen()
	if _, err := handle.Write([]byte("\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	testutil.RequireClosed(t, slow.Done(), 10*time.Second, "eviction of a listener that never reads")
	select {
	case <-handle.Done():
		t.Fatal("evicting a listener ended the terminal")
	default:
	}
}

func TestShutdownRefusesNewAttaches(t *testing.T) {
	pool, _ := newTestPool(t, 0, map[string]string{"s1": "sleep 600"})
	handle, err := pool.Acquire(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Shutdown()
	testutil.RequireClosed(t, handle.Done(), time.Second, "handle after Shutdown")
	if _, err := pool.Acquire(context.Background(), "s1", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Acquire after Shutdown = %v, want ErrNotFound", err)
	}
}
