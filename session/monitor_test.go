// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

// waitingRecorder collects OnWaiting calls.
type waitingRecorder struct {
	mu       sync.Mutex
	sessions []Session
}

func (r *waitingRecorder) record(session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, session)
}

func (r *waitingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func newTestMonitor(harness *testHarness, recorder *waitingRecorder) *StatusMonitor {
	return harness.manager.NewStatusMonitor(MonitorConfig{
		Interval:  3 * time.Second,
		Lines:     15,
		OnWaiting: recorder.record,
	})
}

func TestMonitorPersistsChanges(t *testing.T) {
	harness := newTestHarness(t)
	recorder := &waitingRecorder{}
	monitor := newTestMonitor(harness, recorder)
	session := harness.create(t, "demo")
	target := TmuxName(session.ID)
	ctx := context.Background()

	harness.multiplexer.setLines(target, "Edited main.go", "❯ ")
	harness.clock.Advance(3 * time.Second)
	monitor.Sample(ctx)
	stored := harness.get(t, session.ID)
	if stored.Status != StatusIdle {
		t.Fatalf("status = %s, want idle", stored.Status)
	}
	if !stored.LastActivity.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("LastActivity = %v, want the transition time", stored.LastActivity)
	}

	// No change, no write.
	harness.clock.Advance(3 * time.Second)
	monitor.Sample(ctx)
	if got := harness.get(t, session.ID).LastActivity; !got.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("unchanged status rewrote LastActivity to %v", got)
	}

	harness.multiplexer.setLines(target, "Bash(rm -rf build)", "Do you want to proceed?", "❯ 1. Yes")
	monitor.Sample(ctx)
	if got := harness.get(t, session.ID).Status; got != StatusWaiting {
		t.Fatalf("status = %s, want waiting", got)
	}
	if recorder.count() != 1 || recorder.sessions[0].ID != session.ID {
		t.Fatalf("OnWaiting calls = %+v", recorder.sessions)
	}
	if recorder.sessions[0].Status != StatusWaiting {
		t.Errorf("OnWaiting saw status %s", recorder.sessions[0].Status)
	}

	// Still waiting on the next pass: no second notification.
	monitor.Sample(ctx)
	if recorder.count() != 1 {
		t.Errorf("OnWaiting called %d times for one prompt", recorder.count())
	}
}

func TestMonitorAutoApproves(t *testing.T) {
	harness := newTestHarness(t)
	recorder := &waitingRecorder{}
	monitor := newTestMonitor(harness, recorder)
	session, err := harness.manager.Create(context.Background(), CreateRequest{
		Name: "rocket", Cwd: "/tmp/proj", AutoApprove: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	target := TmuxName(session.ID)

	harness.multiplexer.setLines(target, "Do you want to proceed?")
	monitor.Sample(context.Background())

	typed := harness.multiplexer.snapshot(target).typed
	if typed[len(typed)-1] != "y" {
		t.Errorf("typed %q, want an automatic y", typed)
	}
	if recorder.count() != 0 {
		t.Error("auto-approved prompt also notified")
	}
}

func TestMonitorSkipsDeadSessions(t *testing.T) {
	harness := newTestHarness(t)
	monitor := newTestMonitor(harness, &waitingRecorder{})
	session := harness.create(t, "demo")
	target := TmuxName(session.ID)
	harness.store.UpdateStatus(context.Background(), session.ID, StatusDead, epoch)

	monitor.Sample(context.Background())
	if captures := harness.multiplexer.captureCount(target); captures != 0 {
		t.Errorf("dead session sampled %d times", captures)
	}
	if got := harness.get(t, session.ID).Status; got != StatusDead {
		t.Errorf("status = %s", got)
	}
}

func TestMonitorMarksVanishedSessionDead(t *testing.T) {
	harness := newTestHarness(t)
	monitor := newTestMonitor(harness, &waitingRecorder{})
	session := harness.create(t, "demo")
	harness.multiplexer.removePane(TmuxName(session.ID))

	monitor.Sample(context.Background())
	if got := harness.get(t, session.ID).Status; got != StatusDead {
		t.Errorf("status = %s, want dead", got)
	}
}

func TestMonitorKeepsBlankLivePane(t *testing.T) {
	harness := newTestHarness(t)
	monitor := newTestMonitor(harness, &waitingRecorder{})
	session := harness.create(t, "demo")
	harness.multiplexer.setLines(TmuxName(session.ID))

	monitor.Sample(context.Background())
	if got := harness.get(t, session.ID).Status; got != StatusRunning {
		t.Errorf("blank but live pane classified %s", got)
	}
}

func TestMonitorSkipsRefreshingSessions(t *testing.T) {
	harness := newTestHarness(t)
	monitor := newTestMonitor(harness, &waitingRecorder{})
	refreshing := harness.create(t, "refreshing")
	other := harness.create(t, "other")

	if err := harness.manager.Refresh(context.Background(), refreshing.ID); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	// The refresh is parked on its settle timer.
	harness.clock.WaitForTimers(1)

	monitor.Sample(context.Background())
	if captures := harness.multiplexer.captureCount(TmuxName(refreshing.ID)); captures != 0 {
		t.Errorf("refreshing session sampled %d times", captures)
	}
	if captures := harness.multiplexer.captureCount(TmuxName(other.ID)); captures != 1 {
		t.Errorf("other session sampled %d times, want 1", captures)
	}
}

func TestMonitorUpdatesPaneTitle(t *testing.T) {
	harness := newTestHarness(t)
	monitor := newTestMonitor(harness, &waitingRecorder{})
	session := harness.create(t, "demo")
	target := TmuxName(session.ID)

	harness.multiplexer.mu.Lock()
	harness.multiplexer.panes[target].title = "✳ Refactor parser"
	harness.multiplexer.mu.Unlock()

	monitor.Sample(context.Background())
	if got := harness.get(t, session.ID).PaneTitle; got != "✳ Refactor parser" {
		t.Errorf("PaneTitle = %q", got)
	}
}

func TestMonitorStartStop(t *testing.T) {
	harness := newTestHarness(t)
	monitor := newTestMonitor(harness, &waitingRecorder{})
	session := harness.create(t, "demo")
	target := TmuxName(session.ID)
	harness.multiplexer.setLines(target, "❯")

	monitor.Start(context.Background())
	monitor.Start(context.Background())
	if pending := harness.clock.PendingCount(); pending != 1 {
		t.Fatalf("pending timers = %d, want one ticker", pending)
	}

	harness.clock.Advance(3 * time.Second)
	waitFor(t, "first sample", func() bool {
		return harness.get(t, session.ID).Status == StatusIdle
	})

	monitor.Stop()
	if pending := harness.clock.PendingCount(); pending != 0 {
		t.Errorf("ticker still registered after Stop: %d", pending)
	}
	captures := harness.multiplexer.captureCount(target)
	harness.clock.Advance(time.Minute)
	if got := harness.multiplexer.captureCount(target); got != captures {
		t.Errorf("sampled after Stop: %d -> %d captures", captures, got)
	}
	monitor.Stop()
}
