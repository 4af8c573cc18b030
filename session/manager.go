// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bureau-foundation/commandcenter/lib/clock"
	"github.com/bureau-foundation/commandcenter/lib/tmux"
	"github.com/bureau-foundation/commandcenter/terminal"
)

// Multiplexer is the subset of [tmux.Server] the manager drives.
type Multiplexer interface {
	HasSession(name string) bool
	NewSessionIn(name, directory string, env map[string]string, command ...string) error
	ListSessions() ([]string, error)
	KillSession(name string) error
	SendText(name, text string) error
	SendInterrupt(name string) error
	SignalPane(name string, signal syscall.Signal) error
	CaptureLines(name string, maxLines int) ([]string, error)
	SetRemainOnExit(name string, on bool) error
	RespawnPane(name, directory string, command ...string) error
	PaneDead(name string) (bool, error)
	PaneTitle(name string) (string, error)
}

// WorktreeRemover deletes a git worktree. Satisfied by
// [git.WorktreeCleaner].
type WorktreeRemover interface {
	Remove(ctx context.Context, path string) error
}

// TerminalCloser tears down the shared pseudo-terminal of a session.
// Satisfied by [terminal.Pool].
type TerminalCloser interface {
	Close(id string)
}

// EnvironmentSessionID is set in every session's environment so hook
// scripts inside the agent can address their own session.
const EnvironmentSessionID = "CC_SESSION_ID"

// ManagerConfig holds the parameters for [NewManager]. Store and
// Multiplexer are required.
type ManagerConfig struct {
	Store       Store
	Multiplexer Multiplexer

	// Worktrees removes a session's worktree on kill. Nil skips
	// removal.
	Worktrees WorktreeRemover

	// Terminals is told about kills so viewers disconnect at once.
	// May also be set later with SetTerminals.
	Terminals TerminalCloser

	Clock  clock.Clock
	Logger *slog.Logger

	// DefaultCommand is typed into new sessions that name no command.
	DefaultCommand string

	// ContinueCommand resumes the agent's last conversation at the
	// end of a refresh.
	ContinueCommand string

	// Shell runs in a respawned pane. Empty selects $SHELL, then
	// /bin/sh.
	Shell string

	// CreateSettle is how long a new session gets to start its agent
	// before an initial prompt is typed.
	CreateSettle time.Duration

	RefreshTiming RefreshTiming
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Name string `json:"name"`
	Cwd  string `json:"cwd"`

	// Command defaults to the manager's DefaultCommand.
	Command string `json:"command,omitempty"`

	// Prompt, when set, is typed into the agent once it has settled.
	Prompt string `json:"prompt,omitempty"`

	Repo         string `json:"repo,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	AutoApprove  bool   `json:"auto_approve,omitempty"`
}

// Manager is the sole writer of session state. It is safe for
// concurrent use.
type Manager struct {
	store           Store
	multiplexer     Multiplexer
	worktrees       WorktreeRemover
	clock           clock.Clock
	logger          *slog.Logger
	defaultCommand  string
	continueCommand string
	shell           string
	createSettle    time.Duration
	refreshTiming   RefreshTiming

	// ctx scopes every background task; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu        sync.Mutex
	terminals TerminalCloser
	// refreshes holds the in-flight refresh of each session.
	refreshes map[string]*refreshRun
	// outcomes holds the final state of each session's last refresh.
	outcomes map[string]RefreshState
}

type refreshRun struct {
	state  RefreshState
	cancel context.CancelFunc
}

// NewManager creates a manager. Call Shutdown to stop its background
// tasks.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session manager: Store is required")
	}
	if cfg.Multiplexer == nil {
		return nil, errors.New("session manager: Multiplexer is required")
	}

	manager := &Manager{
		store:           cfg.Store,
		multiplexer:     cfg.Multiplexer,
		worktrees:       cfg.Worktrees,
		terminals:       cfg.Terminals,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		defaultCommand:  cfg.DefaultCommand,
		continueCommand: cfg.ContinueCommand,
		shell:           cfg.Shell,
		createSettle:    cfg.CreateSettle,
		refreshTiming:   cfg.RefreshTiming,
		refreshes:       make(map[string]*refreshRun),
		outcomes:        make(map[string]RefreshState),
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.logger == nil {
		manager.logger = slog.New(slog.DiscardHandler)
	}
	if manager.defaultCommand == "" {
		manager.defaultCommand = "claude"
	}
	if manager.continueCommand == "" {
		manager.continueCommand = "claude --continue"
	}
	if manager.shell == "" {
		manager.shell = os.Getenv("SHELL")
	}
	if manager.shell == "" {
		manager.shell = "/bin/sh"
	}
	if manager.refreshTiming == (RefreshTiming{}) {
		manager.refreshTiming = DefaultRefreshTiming()
	}
	manager.ctx, manager.cancel = context.WithCancel(context.Background())
	return manager, nil
}

// SetTerminals installs the pseudo-terminal pool after construction,
// since the pool resolves sessions through the manager.
func (m *Manager) SetTerminals(terminals TerminalCloser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminals = terminals
}

// Create starts a tmux session in request.Cwd, types the agent
// command into its shell, and records the session as running.
func (m *Manager) Create(ctx context.Context, request CreateRequest) (Session, error) {
	name := strings.TrimSpace(request.Name)
	if name == "" || strings.TrimSpace(request.Cwd) == "" {
		return Session{}, fmt.Errorf("%w: name and cwd are required", ErrValidation)
	}
	cwd := expandHome(request.Cwd)
	command := request.Command
	if command == "" {
		command = m.defaultCommand
	}

	id := NewID()
	target := TmuxName(id)
	logger := m.logger.With("session", id, "name", name)

	env := map[string]string{EnvironmentSessionID: id}
	if err := m.multiplexer.NewSessionIn(target, cwd, env); err != nil {
		return Session{}, fmt.Errorf("creating session %q: %w", name, err)
	}
	if err := m.multiplexer.SendText(target, command); err != nil {
		m.killQuietly(logger, target)
		return Session{}, fmt.Errorf("starting %q in session %q: %w", command, name, err)
	}

	now := m.clock.Now()
	session := Session{
		ID:           id,
		Name:         name,
		Cwd:          cwd,
		Command:      command,
		Status:       StatusRunning,
		CreatedAt:    now,
		LastActivity: now,
		Repo:         request.Repo,
		WorktreePath: request.WorktreePath,
		AutoApprove:  request.AutoApprove,
	}
	if err := m.store.Insert(ctx, session); err != nil {
		m.killQuietly(logger, target)
		return Session{}, err
	}
	logger.Info("session created", "cwd", cwd, "command", command)

	if request.Prompt != "" {
		m.mu.Lock()
		m.goTaskLocked(func(ctx context.Context) {
			select {
			case <-m.clock.After(m.createSettle):
			case <-ctx.Done():
				return
			}
			if err := m.multiplexer.SendText(target, request.Prompt); err != nil {
				logger.Warn("sending initial prompt failed", "error", err)
			}
		})
		m.mu.Unlock()
	}
	return session, nil
}

// List returns every session, newest first. A live row whose tmux
// session has disappeared is marked dead on the way out.
func (m *Manager) List(ctx context.Context) ([]Session, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		session := &sessions[i]
		if session.Status == StatusDead || m.multiplexer.HasSession(TmuxName(session.ID)) {
			continue
		}
		now := m.clock.Now()
		if _, err := m.store.UpdateStatus(ctx, session.ID, StatusDead, now); err != nil {
			return nil, err
		}
		m.logger.Info("session marked dead", "session", session.ID, "previous", session.Status)
		session.Status = StatusDead
		session.LastActivity = now
	}
	return sessions, nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	return m.store.Get(ctx, id)
}

// Kill stops the agent, destroys its tmux session and terminal, and
// deletes the row. Failures of the tmux steps are logged and do not
// keep the row alive. A worktree recorded on the session is removed
// last.
func (m *Manager) Kill(ctx context.Context, id string) error {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	logger := m.logger.With("session", id, "name", session.Name)

	m.mu.Lock()
	if run, ok := m.refreshes[id]; ok {
		run.cancel()
	}
	terminals := m.terminals
	m.mu.Unlock()

	target := TmuxName(id)
	if m.multiplexer.HasSession(target) {
		if err := m.multiplexer.SendInterrupt(target); err != nil {
			logger.Debug("interrupt before kill failed", "error", err)
		}
		m.killQuietly(logger, target)
	}
	if terminals != nil {
		terminals.Close(id)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	logger.Info("session killed")

	if session.WorktreePath != "" && m.worktrees != nil {
		if err := m.worktrees.Remove(ctx, session.WorktreePath); err != nil {
			logger.Warn("removing worktree failed", "path", session.WorktreePath, "error", err)
		}
	}
	return nil
}

// SendInput types text followed by Enter into a live session without
// going through its pseudo-terminal. Empty text sends a bare Enter.
func (m *Manager) SendInput(ctx context.Context, id, text string) error {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == StatusDead {
		return fmt.Errorf("%w: %s is dead", ErrNotFound, id)
	}
	if err := m.multiplexer.SendText(TmuxName(id), text); err != nil {
		if errors.Is(err, tmux.ErrSessionNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		return err
	}
	return nil
}

// Signal delivers signal to the agent process of a live session.
func (m *Manager) Signal(ctx context.Context, id string, signal syscall.Signal) error {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == StatusDead {
		return fmt.Errorf("%w: %s", ErrDead, id)
	}
	return m.multiplexer.SignalPane(TmuxName(id), signal)
}

// SetAutoApprove turns automatic confirmation on or off and returns
// the updated session.
func (m *Manager) SetAutoApprove(ctx context.Context, id string, on bool) (Session, error) {
	if err := m.store.SetAutoApprove(ctx, id, on, m.clock.Now()); err != nil {
		return Session{}, err
	}
	m.logger.Info("auto-approve changed", "session", id, "enabled", on)
	return m.store.Get(ctx, id)
}

// Refresh starts the refresh workflow for a live session and returns
// without waiting for it. Its progress is visible through
// RefreshState.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == StatusDead {
		return fmt.Errorf("%w: %s", ErrDead, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.refreshes[id]; running {
		return fmt.Errorf("%w: %s", ErrRefreshInProgress, id)
	}
	if m.ctx.Err() != nil {
		return fmt.Errorf("refreshing %s: manager is shut down", id)
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	run := &refreshRun{state: RefreshSignaling, cancel: cancel}
	m.refreshes[id] = run
	delete(m.outcomes, id)

	logger := m.logger.With("session", id, "name", session.Name)
	machine := &refresh{
		multiplexer:     m.multiplexer,
		clock:           m.clock,
		logger:          logger,
		timing:          m.refreshTiming,
		target:          TmuxName(id),
		directory:       expandHome(session.Cwd),
		shell:           m.shell,
		continueCommand: m.continueCommand,
	}

	m.goTaskLocked(func(context.Context) {
		defer cancel()
		logger.Info("refresh started")
		final := machine.run(runCtx, func(state RefreshState) {
			m.mu.Lock()
			run.state = state
			m.mu.Unlock()
		})
		m.mu.Lock()
		delete(m.refreshes, id)
		m.outcomes[id] = final
		m.mu.Unlock()
		logger.Info("refresh finished", "state", final)
	})
	return nil
}

// Refreshing reports whether a refresh of id is in flight.
func (m *Manager) Refreshing(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.refreshes[id]
	return running
}

// RefreshState returns the current state of an in-flight refresh, or
// the final state of the last one. False when id was never refreshed
// by this process.
func (m *Manager) RefreshState(id string) (RefreshState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.refreshes[id]; ok {
		return run.state, true
	}
	state, ok := m.outcomes[id]
	return state, ok
}

// Reconcile brings the store in line with tmux at boot. Rows whose
// tmux session is gone become dead, dead or starting rows whose tmux
// session is alive become running, and Command Center tmux sessions
// with no row are adopted as "recovered-<id>". Running it twice
// changes nothing the second time.
func (m *Manager) Reconcile(ctx context.Context) error {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	known := make(map[string]bool, len(sessions))
	for _, session := range sessions {
		known[session.ID] = true
		alive := m.multiplexer.HasSession(TmuxName(session.ID))
		now := m.clock.Now()
		switch {
		case !alive && session.Status != StatusDead:
			if _, err := m.store.UpdateStatus(ctx, session.ID, StatusDead, now); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			m.logger.Info("reconcile: session is gone", "session", session.ID)
		case alive && (session.Status == StatusDead || session.Status == StatusStarting):
			if _, err := m.store.Revive(ctx, session.ID, now); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			m.logger.Info("reconcile: session is alive", "session", session.ID, "previous", session.Status)
		}
	}

	names, err := m.multiplexer.ListSessions()
	if err != nil {
		return fmt.Errorf("reconcile: listing tmux sessions: %w", err)
	}
	for _, name := range names {
		id, ours := IDFromTmuxName(name)
		if !ours || known[id] {
			continue
		}
		now := m.clock.Now()
		orphan := Session{
			ID:           id,
			Name:         "recovered-" + id,
			Cwd:          "~",
			Status:       StatusRunning,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := m.store.Insert(ctx, orphan); err != nil {
			return fmt.Errorf("reconcile: adopting %s: %w", name, err)
		}
		m.logger.Info("reconcile: adopted orphaned tmux session", "session", id)
	}
	return nil
}

// ResolveTerminal returns the tmux target for a live session. It
// implements [terminal.Resolver].
func (m *Manager) ResolveTerminal(ctx context.Context, id string) (string, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("session %s: %w", id, terminal.ErrNotFound)
		}
		return "", err
	}
	target := TmuxName(id)
	if session.Status == StatusDead || !m.multiplexer.HasSession(target) {
		return "", fmt.Errorf("session %s is not running: %w", id, terminal.ErrNotFound)
	}
	return target, nil
}

// Shutdown cancels in-flight refreshes and pending prompts and waits
// for them to return.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.tasks.Wait()
}

// goTaskLocked runs fn as a background task bound to the manager's
// lifetime. Caller holds m.mu, which orders it against Shutdown. After
// Shutdown fn is not run.
func (m *Manager) goTaskLocked(fn func(ctx context.Context)) {
	if m.ctx.Err() != nil {
		return
	}
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		fn(m.ctx)
	}()
}

func (m *Manager) killQuietly(logger *slog.Logger, target string) {
	if err := m.multiplexer.KillSession(target); err != nil {
		logger.Warn("killing tmux session failed", "target", target, "error", err)
	}
}

// expandHome resolves a leading "~" against the daemon's home
// directory; tmux does not.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
