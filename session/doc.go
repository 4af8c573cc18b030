// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the lifecycle of supervised agent sessions.
//
// Each [Session] is a row in a [Store] paired with a tmux session
// named [TmuxName](id) on Command Center's private tmux socket. The
// [Manager] is the only writer: it creates and kills sessions,
// reconciles the store against tmux at boot, sends quick input, and
// drives the refresh workflow that restarts an agent in place with
// its conversation continued.
//
// A [StatusMonitor] owned by the manager samples the visible tail of
// every live pane on a fixed interval and runs it through a
// [Classifier], persisting a new [Status] only when it changes. The
// classifier's rules are plain regular expressions supplied by
// configuration; [DefaultStatusPatterns] matches Claude Code's
// terminal UI.
//
// Status is a five-valued enum and [StatusDead] is absorbing: the
// monitor never samples a dead session, List never upgrades one, and
// the store refuses to move a dead row anywhere except through boot
// reconciliation, which promotes rows whose tmux session turned out
// to be alive all along.
//
// The refresh workflow is an explicit state machine (see
// [RefreshState]) run by one goroutine per session. While it runs the
// monitor skips the session, so the agent's shutdown output is never
// misread as a status change.
package session
