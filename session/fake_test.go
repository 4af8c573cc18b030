// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/commandcenter/lib/clock"
	"github.com/bureau-foundation/commandcenter/lib/tmux"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakePane is the scripted state of one tmux session.
type fakePane struct {
	directory    string
	env          map[string]string
	lines        []string
	title        string
	dead         bool
	remainOnExit bool
	typed        []string
	interrupts   int
	signals      []syscall.Signal
	respawns     []string
}

// fakeMultiplexer implements Multiplexer in memory. onText, when set,
// runs after every SendText so tests can script how the pane reacts.
type fakeMultiplexer struct {
	mu       sync.Mutex
	panes    map[string]*fakePane
	captures map[string]int
	killed   []string

	onText func(pane *fakePane, text string)

	failCreate error
	failSend   error
	failKill   error
}

func newFakeMultiplexer() *fakeMultiplexer {
	return &fakeMultiplexer{
		panes:    make(map[string]*fakePane),
		captures: make(map[string]int),
	}
}

func (f *fakeMultiplexer) pane(name string) (*fakePane, error) {
	pane, ok := f.panes[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, tmux.ErrSessionNotFound)
	}
	return pane, nil
}

// addPane creates a session as if tmux had it before the test began.
func (f *fakeMultiplexer) addPane(name string, lines ...string) *fakePane {
	f.mu.Lock()
	defer f.mu.Unlock()
	pane := &fakePane{lines: lines}
	f.panes[name] = pane
	return pane
}

// removePane destroys a session behind the manager's back.
func (f *fakeMultiplexer) removePane(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.panes, name)
}

// setLines replaces what a pane shows.
func (f *fakeMultiplexer) setLines(name string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[name].lines = lines
}

// snapshot returns a copy of a pane's state, or nil.
func (f *fakeMultiplexer) snapshot(name string) *fakePane {
	f.mu.Lock()
	defer f.mu.Unlock()
	pane, ok := f.panes[name]
	if !ok {
		return nil
	}
	copied := *pane
	copied.typed = slices.Clone(pane.typed)
	copied.respawns = slices.Clone(pane.respawns)
	return &copied
}

func (f *fakeMultiplexer) captureCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[name]
}

func (f *fakeMultiplexer) HasSession(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.panes[name]
	return ok
}

func (f *fakeMultiplexer) NewSessionIn(name, directory string, env map[string]string, command ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	if _, exists := f.panes[name]; exists {
		return fmt.Errorf("duplicate session: %s", name)
	}
	f.panes[name] = &fakePane{directory: directory, env: env, lines: []string{"$"}}
	return nil
}

func (f *fakeMultiplexer) ListSessions() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.panes))
	for name := range f.panes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (f *fakeMultiplexer) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	if f.failKill != nil {
		return f.failKill
	}
	delete(f.panes, name)
	return nil
}

func (f *fakeMultiplexer) SendText(name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return f.failSend
	}
	pane, err := f.pane(name)
	if err != nil {
		return err
	}
	pane.typed = append(pane.typed, text)
	if f.onText != nil {
		f.onText(pane, text)
	}
	return nil
}

func (f *fakeMultiplexer) SendInterrupt(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pane, err := f.pane(name)
	if err != nil {
		return err
	}
	pane.interrupts++
	return nil
}

func (f *fakeMultiplexer) SignalPane(name string, signal syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pane, err := f.pane(name)
	if err != nil {
		return err
	}
	pane.signals = append(pane.signals, signal)
	return nil
}

func (f *fakeMultiplexer) CaptureLines(name string, maxLines int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[name]++
	pane, err := f.pane(name)
	if err != nil {
		return nil, err
	}
	lines := pane.lines
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return slices.Clone(lines), nil
}

func (f *fakeMultiplexer) SetRemainOnExit(name string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pane, err := f.pane(name)
	if err != nil {
		return err
	}
	pane.remainOnExit = on
	return nil
}

func (f *fakeMultiplexer) RespawnPane(name, directory string, command ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pane, err := f.pane(name)
	if err != nil {
		return err
	}
	pane.dead = false
	pane.directory = directory
	pane.respawns = append(pane.respawns, command...)
	pane.lines = []string{"operator@host:~/project$"}
	return nil
}

func (f *fakeMultiplexer) PaneDead(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pane, err := f.pane(name)
	if err != nil {
		return false, err
	}
	return pane.dead, nil
}

func (f *fakeMultiplexer) PaneTitle(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pane, err := f.pane(name)
	if err != nil {
		return "", err
	}
	return pane.title, nil
}

// fakeTerminals records Close calls.
type fakeTerminals struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeTerminals) Close(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

// fakeWorktrees records Remove calls.
type fakeWorktrees struct {
	removed []string
	err     error
}

func (f *fakeWorktrees) Remove(ctx context.Context, path string) error {
	f.removed = append(f.removed, path)
	return f.err
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(context.Background(), StoreConfig{
		Path: filepath.Join(t.TempDir(), "sessions.db"),
	})
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return store
}

type testHarness struct {
	manager     *Manager
	store       *SQLiteStore
	multiplexer *fakeMultiplexer
	clock       *clock.FakeClock
	terminals   *fakeTerminals
	worktrees   *fakeWorktrees
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	harness := &testHarness{
		store:       openTestStore(t),
		multiplexer: newFakeMultiplexer(),
		clock:       clock.Fake(epoch),
		terminals:   &fakeTerminals{},
		worktrees:   &fakeWorktrees{},
	}
	manager, err := NewManager(ManagerConfig{
		Store:           harness.store,
		Multiplexer:     harness.multiplexer,
		Worktrees:       harness.worktrees,
		Terminals:       harness.terminals,
		Clock:           harness.clock,
		DefaultCommand:  "claude",
		ContinueCommand: "claude --continue",
		Shell:           "/bin/bash",
		CreateSettle:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Shutdown)
	harness.manager = manager
	return harness
}

func (h *testHarness) create(t *testing.T, name string) Session {
	t.Helper()
	session, err := h.manager.Create(context.Background(), CreateRequest{Name: name, Cwd: "/tmp/proj"})
	if err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return session
}

func (h *testHarness) get(t *testing.T, id string) Session {
	t.Helper()
	session, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return session
}

// advanceUntil advances the fake clock by step whenever a timer is
// pending, until done reports true.
func advanceUntil(t *testing.T, fake *clock.FakeClock, step time.Duration, done func() bool) {
	t.Helper()
	for !done() {
		if t.Context().Err() != nil {
			t.Fatal("timed out driving the fake clock")
		}
		if fake.PendingCount() > 0 {
			fake.Advance(step)
			continue
		}
		runtime.Gosched()
	}
}

// waitRefresh drives the clock until the refresh of id ends.
func (h *testHarness) waitRefresh(t *testing.T, id string) RefreshState {
	t.Helper()
	var final RefreshState
	advanceUntil(t, h.clock, time.Second, func() bool {
		state, ok := h.manager.RefreshState(id)
		if ok && state.Terminal() && !h.manager.Refreshing(id) {
			final = state
			return true
		}
		return false
	})
	return final
}

var errInjected = errors.New("injected failure")

// waitFor spins until condition holds or the test context expires.
func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	for !condition() {
		if t.Context().Err() != nil {
			t.Fatalf("timed out waiting for %s", description)
		}
		runtime.Gosched()
	}
}
