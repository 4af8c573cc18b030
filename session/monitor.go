// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bureau-foundation/commandcenter/lib/tmux"
)

// MonitorConfig holds the parameters for [Manager.NewStatusMonitor].
type MonitorConfig struct {
	// Classifier maps pane text to a status. Nil uses the default
	// patterns.
	Classifier *Classifier

	// Interval between sampling passes. Zero means 3 seconds.
	Interval time.Duration

	// Lines is how many trailing pane lines are classified. Zero
	// means 15.
	Lines int

	// OnWaiting is called after a session's status becomes waiting,
	// unless the session auto-approves. It runs on the sampling
	// goroutine and should not block.
	OnWaiting func(Session)
}

// StatusMonitor periodically samples every live session's pane and
// persists status changes. Create it with [Manager.NewStatusMonitor].
type StatusMonitor struct {
	manager    *Manager
	classifier *Classifier
	interval   time.Duration
	lines      int
	onWaiting  func(Session)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStatusMonitor creates a monitor writing through m. It does
// nothing until Start.
func (m *Manager) NewStatusMonitor(cfg MonitorConfig) *StatusMonitor {
	classifier := cfg.Classifier
	if classifier == nil {
		var err error
		classifier, err = NewClassifier(StatusPatterns{})
		if err != nil {
			panic("session: default status patterns do not compile: " + err.Error())
		}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	lines := cfg.Lines
	if lines <= 0 {
		lines = 15
	}
	return &StatusMonitor{
		manager:    m,
		classifier: classifier,
		interval:   interval,
		lines:      lines,
		onWaiting:  cfg.OnWaiting,
	}
}

// Start launches the sampling loop. The first pass runs one interval
// after Start. Calling Start on a running monitor does nothing.
func (s *StatusMonitor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	// The ticker is created here so a fake clock sees it as soon as
	// Start returns.
	ticker := s.manager.clock.NewTicker(s.interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sample(ctx)
			}
		}
	}()
}

// Stop ends the sampling loop and waits for an in-progress pass to
// finish. The monitor can be started again afterwards.
func (s *StatusMonitor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sample runs one pass over every session. Errors are logged per
// session and never abort the pass.
func (s *StatusMonitor) Sample(ctx context.Context) {
	manager := s.manager
	sessions, err := manager.store.List(ctx)
	if err != nil {
		manager.logger.Error("status monitor: listing sessions", "error", err)
		return
	}
	for _, session := range sessions {
		if ctx.Err() != nil {
			return
		}
		if session.Status == StatusDead || manager.Refreshing(session.ID) {
			continue
		}
		s.sampleOne(ctx, session)
	}
}

func (s *StatusMonitor) sampleOne(ctx context.Context, session Session) {
	manager := s.manager
	logger := manager.logger.With("session", session.ID)
	target := TmuxName(session.ID)

	lines, err := manager.multiplexer.CaptureLines(target, s.lines)
	if err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
		logger.Warn("status monitor: capture failed", "error", err)
		return
	}
	status := s.classifier.Classify(lines)
	// A blank pane is not proof of death, and dead cannot be undone.
	if status == StatusDead && err == nil && manager.multiplexer.HasSession(target) {
		return
	}

	if status != session.Status {
		changed, err := manager.store.UpdateStatus(ctx, session.ID, status, manager.clock.Now())
		if err != nil {
			logger.Warn("status monitor: persisting status", "status", status, "error", err)
			return
		}
		if changed {
			logger.Debug("status changed", "from", session.Status, "to", status)
			session.Status = status
			if status == StatusWaiting {
				s.handleWaiting(session)
			}
		}
	}
	if status == StatusDead {
		return
	}

	title, err := manager.multiplexer.PaneTitle(target)
	if err != nil {
		logger.Debug("status monitor: reading pane title", "error", err)
		return
	}
	if title != session.PaneTitle {
		if err := manager.store.UpdatePaneTitle(ctx, session.ID, title, manager.clock.Now()); err != nil {
			logger.Warn("status monitor: persisting pane title", "error", err)
		}
	}
}

// handleWaiting answers the prompt for auto-approving sessions and
// notifies otherwise.
func (s *StatusMonitor) handleWaiting(session Session) {
	if session.AutoApprove {
		if err := s.manager.multiplexer.SendText(TmuxName(session.ID), "y"); err != nil {
			s.manager.logger.Warn("auto-approve failed", "session", session.ID, "error", err)
			return
		}
		s.manager.logger.Info("auto-approved prompt", "session", session.ID)
		return
	}
	if s.onWaiting != nil {
		s.onWaiting(session)
	}
}
