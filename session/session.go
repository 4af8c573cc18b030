// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the inferred activity state of a session.
type Status string

const (
	// StatusStarting is the state of a row whose tmux session has not
	// been confirmed yet.
	StatusStarting Status = "starting"

	// StatusRunning means the agent is producing output or working.
	StatusRunning Status = "running"

	// StatusIdle means the agent is sitting at its input prompt.
	StatusIdle Status = "idle"

	// StatusWaiting means the agent is blocked on a confirmation.
	StatusWaiting Status = "waiting"

	// StatusDead means the tmux session is gone. Terminal.
	StatusDead Status = "dead"
)

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusIdle, StatusWaiting, StatusDead:
		return true
	}
	return false
}

// Session is one supervised agent session.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Cwd          string    `json:"cwd"`
	Command      string    `json:"command"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// WorktreePath is a git worktree created for this session. Kill
	// removes it.
	WorktreePath string `json:"worktree_path,omitempty"`
	Repo         string `json:"repo,omitempty"`

	// PaneTitle is the last title the agent set with OSC 2.
	PaneTitle string `json:"pane_title,omitempty"`

	// AutoApprove answers every confirmation prompt with "y" instead
	// of notifying.
	AutoApprove bool `json:"auto_approve"`
}

// TmuxPrefix marks tmux sessions that belong to Command Center.
const TmuxPrefix = "cc-"

// TmuxName returns the tmux session name backing the session id.
func TmuxName(id string) string {
	return TmuxPrefix + id
}

// IDFromTmuxName is the inverse of [TmuxName]. It reports false for
// names Command Center did not create.
func IDFromTmuxName(name string) (string, bool) {
	id, found := strings.CutPrefix(name, TmuxPrefix)
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// NewID returns a fresh session id: the first ten hex digits of a
// random UUID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

var (
	// ErrNotFound is returned for an unknown session id, and by
	// operations that need a live session when the session is dead.
	ErrNotFound = errors.New("session not found")

	// ErrValidation wraps a rejected create request.
	ErrValidation = errors.New("invalid session request")

	// ErrDead is returned when an operation needs a live session.
	ErrDead = errors.New("session is dead")

	// ErrRefreshInProgress is returned by Refresh while a refresh of
	// the same session is still running.
	ErrRefreshInProgress = errors.New("refresh already in progress")
)
