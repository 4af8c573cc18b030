// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tmux provides a typed interface to the dedicated tmux server
// that hosts Command Center's agent sessions. Every operation targets
// one server socket; Server injects -S automatically, so no call can
// reach the user's personal tmux server by accident.
//
// All methods are synchronous invocations of the tmux binary. Failures
// come back as ordinary errors. When tmux reports that the target
// session (or the whole server) does not exist, the error wraps
// ErrSessionNotFound.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrSessionNotFound reports that the named session (or the server
// itself) is gone.
var ErrSessionNotFound = errors.New("tmux session not found")

// Server is a tmux server identified by its Unix socket path.
type Server struct {
	socketPath string
	configFile string // passed as "-f <path>" on new-session; empty = tmux default

	// keyLocks serializes keystroke injection per session name so a
	// literal text and its trailing Enter are never interleaved with
	// another caller's keys.
	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// NewServer returns a Server that targets socketPath. configFile is
// loaded when the server starts (on the first new-session); pass
// "/dev/null" to keep ~/.tmux.conf out of agent sessions.
func NewServer(socketPath, configFile string) *Server {
	return &Server{
		socketPath: socketPath,
		configFile: configFile,
		keyLocks:   make(map[string]*sync.Mutex),
	}
}

// SocketPath returns the socket that identifies this server.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// NewSession creates a detached session running command (or the
// default shell when command is empty).
func (s *Server) NewSession(sessionName string, command ...string) error {
	return s.NewSessionIn(sessionName, "", nil, command...)
}

// NewSessionIn creates a detached session whose first pane starts in
// directory (when non-empty) with the extra environment variables in
// env. The -f flag is passed here because new-session may be the call
// that starts the server.
func (s *Server) NewSessionIn(sessionName, directory string, env map[string]string, command ...string) error {
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "-S", s.socketPath, "new-session", "-d", "-s", sessionName)
	if directory != "" {
		args = append(args, "-c", directory)
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		args = append(args, "-e", key+"="+env[key])
	}
	args = append(args, command...)

	output, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux new-session %q: %w (%s)",
			sessionName, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// HasSession reports whether sessionName exists. False when the
// server is not running.
func (s *Server) HasSession(sessionName string) bool {
	// "=" forces an exact match; tmux otherwise accepts prefixes.
	return s.Command("has-session", "-t", "="+sessionName).Run() == nil
}

// ListSessions returns the names of every session on the server. A
// server that is not running has no sessions, which is not an error.
func (s *Server) ListSessions() ([]string, error) {
	output, err := s.Run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return splitLines(output), nil
}

// KillSession terminates sessionName. Returns nil when the session or
// the server is already gone.
func (s *Server) KillSession(sessionName string) error {
	_, err := s.Run("kill-session", "-t", "="+sessionName)
	s.keyLocksMu.Lock()
	delete(s.keyLocks, sessionName)
	s.keyLocksMu.Unlock()
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return nil
}

// KillServer terminates the whole server. Returns nil when it was
// already stopped.
func (s *Server) KillServer() error {
	output, err := s.Command("kill-server").CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		// The socket file can linger briefly after the server exits.
		if strings.Contains(outputString, "no server running") ||
			strings.Contains(outputString, "server exited unexpectedly") ||
			strings.Contains(outputString, "error connecting") {
			return nil
		}
		return fmt.Errorf("tmux kill-server: %w (%s)", err, outputString)
	}
	return nil
}

// SetOption sets an option globally (empty sessionName) or on one
// session.
func (s *Server) SetOption(sessionName, key, value string) error {
	args := []string{"set-option"}
	if sessionName == "" {
		args = append(args, "-g")
	} else {
		args = append(args, "-t", sessionName)
	}
	args = append(args, key, value)
	if _, err := s.Run(args...); err != nil {
		return fmt.Errorf("setting %s=%s on %q: %w", key, value, sessionName, err)
	}
	return nil
}

// SetRemainOnExit toggles remain-on-exit for the session's pane. With
// it on, the pane survives its process exiting and can be respawned.
func (s *Server) SetRemainOnExit(sessionName string, on bool) error {
	value := "off"
	if on {
		value = "on"
	}
	if _, err := s.Run("set-option", "-w", "-t", sessionName, "remain-on-exit", value); err != nil {
		return fmt.Errorf("setting remain-on-exit=%s on %q: %w", value, sessionName, err)
	}
	return nil
}

// SendText types text literally into the session's active pane and
// then presses Enter. The two send-keys calls are serialized against
// other SendText and SendKeys calls for the same session.
func (s *Server) SendText(sessionName, text string) error {
	lock := s.keyLock(sessionName)
	lock.Lock()
	defer lock.Unlock()

	if text != "" {
		if _, err := s.Run("send-keys", "-t", sessionName, "-l", "--", text); err != nil {
			return err
		}
	}
	_, err := s.Run("send-keys", "-t", sessionName, "Enter")
	return err
}

// SendKeys sends tmux key names (e.g. "C-c", "Escape") to the pane.
func (s *Server) SendKeys(sessionName string, keys ...string) error {
	lock := s.keyLock(sessionName)
	lock.Lock()
	defer lock.Unlock()

	args := append([]string{"send-keys", "-t", sessionName}, keys...)
	_, err := s.Run(args...)
	return err
}

// SendInterrupt presses Ctrl-C in the pane. This reaches whatever
// process owns the terminal's foreground, which for an agent CLI is
// the agent itself rather than the shell that launched it.
func (s *Server) SendInterrupt(sessionName string) error {
	return s.SendKeys(sessionName, "C-c")
}

// RespawnPane replaces the pane's process with command, starting in
// directory. -k kills a still-running process first.
func (s *Server) RespawnPane(sessionName, directory string, command ...string) error {
	args := []string{"respawn-pane", "-k", "-t", sessionName}
	if directory != "" {
		args = append(args, "-c", directory)
	}
	args = append(args, command...)
	_, err := s.Run(args...)
	return err
}

// CaptureLines returns the last maxLines lines of the pane's visible
// area, with trailing blank lines removed. Pass 0 for every visible
// line.
func (s *Server) CaptureLines(sessionName string, maxLines int) ([]string, error) {
	output, err := s.Run("capture-pane", "-p", "-t", sessionName)
	if err != nil {
		return nil, err
	}
	lines := splitLines(strings.TrimRight(output, " \t\n"))
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// PaneDead reports whether the pane's process has exited. Only
// meaningful while remain-on-exit is on; otherwise the session
// disappears with its process and this returns ErrSessionNotFound.
func (s *Server) PaneDead(sessionName string) (bool, error) {
	value, err := s.displayMessage(sessionName, "#{pane_dead}")
	if err != nil {
		return false, err
	}
	return value == "1", nil
}

// PaneTitle returns the title the pane's program set with an OSC
// escape (agent CLIs put their current task there).
func (s *Server) PaneTitle(sessionName string) (string, error) {
	return s.displayMessage(sessionName, "#{pane_title}")
}

// PanePID returns the process ID of the pane's command.
func (s *Server) PanePID(sessionName string) (int, error) {
	value, err := s.displayMessage(sessionName, "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parsing pane PID %q: %w", value, err)
	}
	return pid, nil
}

// ForegroundProcessGroup returns the foreground process group of the
// pane's terminal: the agent when the shell has started one, otherwise
// the shell itself.
func (s *Server) ForegroundProcessGroup(sessionName string) (int, error) {
	pid, err := s.PanePID(sessionName)
	if err != nil {
		return 0, err
	}
	return terminalProcessGroup(pid)
}

// SignalPane delivers signal to the foreground process group of the
// pane's terminal, which is where a job typed into the pane's shell
// runs. An interactive shell ignores SIGTERM, so signaling only the
// pane's own process would never reach the agent.
func (s *Server) SignalPane(sessionName string, signal syscall.Signal) error {
	pgid, err := s.ForegroundProcessGroup(sessionName)
	if err != nil {
		return err
	}
	if err := unix.Kill(-pgid, signal); err != nil {
		return fmt.Errorf("signaling process group %d with %v: %w", pgid, signal, err)
	}
	return nil
}

// terminalProcessGroup reads the foreground process group (tpgid) of
// the controlling terminal of pid. TIOCGPGRP is refused for a terminal
// that is not the caller's own, so the value comes from /proc, or
// from ps where there is no /proc.
func terminalProcessGroup(pid int) (int, error) {
	if stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		tpgid, err := procStatTPGID(string(stat))
		if err != nil {
			return 0, err
		}
		return parseProcessGroup(tpgid, pid)
	}
	output, err := exec.Command("ps", "-o", "tpgid=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, fmt.Errorf("reading foreground process group of PID %d: %w", pid, err)
	}
	return parseProcessGroup(strings.TrimSpace(string(output)), pid)
}

// procStatTPGID extracts field 8 of /proc/<pid>/stat. The command name
// in field 2 may contain spaces and parentheses, so fields are counted
// from the last ')'.
func procStatTPGID(stat string) (string, error) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return "", fmt.Errorf("malformed /proc stat line %q", stat)
	}
	// state ppid pgrp session tty_nr tpgid
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 6 {
		return "", fmt.Errorf("malformed /proc stat line %q", stat)
	}
	return fields[5], nil
}

// parseProcessGroup parses a tpgid value, falling back to pid itself
// when the process has no controlling terminal (tpgid -1).
func parseProcessGroup(value string, pid int) (int, error) {
	pgid, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parsing process group %q: %w", value, err)
	}
	if pgid <= 0 {
		return pid, nil
	}
	return pgid, nil
}

// ParseSignal converts a signal name ("SIGTERM", "term", "HUP") or
// number ("15") into a syscall.Signal.
func ParseSignal(name string) (syscall.Signal, error) {
	if number, err := strconv.Atoi(name); err == nil && number > 0 {
		return syscall.Signal(number), nil
	}
	canonical := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(canonical, "SIG") {
		canonical = "SIG" + canonical
	}
	signal := unix.SignalNum(canonical)
	if signal == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return signal, nil
}

// AttachCommand returns an unstarted "attach-session" command for
// sessionName, killed when ctx is cancelled. The caller wires its
// standard streams to a PTY.
func (s *Server) AttachCommand(ctx context.Context, sessionName string) *exec.Cmd {
	return s.CommandContext(ctx, "attach-session", "-t", "="+sessionName)
}

// Run executes a tmux subcommand on this server and returns its
// combined output:
//
//	output, err := server.Run("list-panes", "-t", session, "-F", "#{pane_index}")
func (s *Server) Run(args ...string) (string, error) {
	output, err := s.Command(args...).CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		if isMissingTarget(outputString) {
			return "", fmt.Errorf("tmux %s: %w (%s)", args[0], ErrSessionNotFound, outputString)
		}
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, outputString)
	}
	return string(output), nil
}

// Command returns an *exec.Cmd for a tmux subcommand without running
// it, with -S prepended.
func (s *Server) Command(args ...string) *exec.Cmd {
	fullArgs := append([]string{"-S", s.socketPath}, args...)
	return exec.Command("tmux", fullArgs...)
}

// CommandContext is like Command but kills the process when ctx is
// cancelled.
func (s *Server) CommandContext(ctx context.Context, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-S", s.socketPath}, args...)
	return exec.CommandContext(ctx, "tmux", fullArgs...)
}

func (s *Server) displayMessage(sessionName, format string) (string, error) {
	output, err := s.Run("display-message", "-p", "-t", sessionName, format)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(output, "\n"), nil
}

func (s *Server) keyLock(sessionName string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	lock, ok := s.keyLocks[sessionName]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[sessionName] = lock
	}
	return lock
}

// isMissingTarget recognizes tmux's messages for a session, pane, or
// server that does not exist.
func isMissingTarget(output string) bool {
	for _, marker := range []string{
		"can't find session",
		"can't find pane",
		"can't find window",
		"session not found",
		"no server running",
		"error connecting to",
	} {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

func splitLines(output string) []string {
	if output == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(output, "\n"), "\n")
}
