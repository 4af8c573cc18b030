// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/commandcenter/lib/clock"
)

// RefreshState is a step of the refresh workflow, which restarts an
// agent inside its existing tmux session and resumes its
// conversation:
//
//	Signaling -> AwaitingExit -> Dead -> Respawning -> AwaitingPrompt -> Continuing -> Done
//	                          -> AtPrompt ---------------------------> Continuing
//
// Any failed multiplexer call ends the workflow in Failed; a polling
// state whose attempt budget runs out ends it in TimedOut.
type RefreshState string

const (
	RefreshSignaling      RefreshState = "signaling"
	RefreshAwaitingExit   RefreshState = "awaiting_exit"
	RefreshDead           RefreshState = "dead"
	RefreshAtPrompt       RefreshState = "at_prompt"
	RefreshRespawning     RefreshState = "respawning"
	RefreshAwaitingPrompt RefreshState = "awaiting_prompt"
	RefreshContinuing     RefreshState = "continuing"
	RefreshDone           RefreshState = "done"
	RefreshFailed         RefreshState = "failed"
	RefreshTimedOut       RefreshState = "timed_out"
)

// Terminal reports whether the workflow stops in this state.
func (s RefreshState) Terminal() bool {
	return s == RefreshDone || s == RefreshFailed || s == RefreshTimedOut
}

// RefreshTiming holds the workflow's delays and polling budgets.
type RefreshTiming struct {
	// Settle is the pause between the interrupt and typing "exit".
	Settle time.Duration

	ExitPoll     time.Duration
	ExitAttempts int

	PromptPoll     time.Duration
	PromptAttempts int
}

// DefaultRefreshTiming gives the agent 30 seconds to exit and a fresh
// shell 10 seconds to print its prompt.
func DefaultRefreshTiming() RefreshTiming {
	return RefreshTiming{
		Settle:         time.Second,
		ExitPoll:       time.Second,
		ExitAttempts:   30,
		PromptPoll:     500 * time.Millisecond,
		PromptAttempts: 20,
	}
}

// refreshCaptureLines is how much of the pane the prompt checks read.
const refreshCaptureLines = 5

// refresh is one run of the workflow against one tmux session. It
// touches only the multiplexer; session status is left to the
// monitor, which skips the session until the run ends.
type refresh struct {
	multiplexer     Multiplexer
	clock           clock.Clock
	logger          *slog.Logger
	timing          RefreshTiming
	target          string
	directory       string
	shell           string
	continueCommand string
}

// run drives the machine to a terminal state. onTransition, when
// non-nil, observes every state entered.
func (r *refresh) run(ctx context.Context, onTransition func(RefreshState)) RefreshState {
	state := RefreshSignaling
	for {
		if onTransition != nil {
			onTransition(state)
		}
		if state.Terminal() {
			return state
		}
		next := r.step(ctx, state)
		r.logger.Debug("refresh transition", "from", state, "to", next)
		state = next
	}
}

func (r *refresh) step(ctx context.Context, state RefreshState) RefreshState {
	switch state {
	case RefreshSignaling:
		if err := r.multiplexer.SetRemainOnExit(r.target, true); err != nil {
			return r.fail(state, "enabling remain-on-exit", err)
		}
		if err := r.multiplexer.SendInterrupt(r.target); err != nil {
			return r.fail(state, "interrupting agent", err)
		}
		if !r.sleep(ctx, r.timing.Settle) {
			return r.cancelled(state)
		}
		if err := r.multiplexer.SendText(r.target, "exit"); err != nil {
			return r.fail(state, "typing exit", err)
		}
		return RefreshAwaitingExit

	case RefreshAwaitingExit:
		for range r.timing.ExitAttempts {
			if !r.sleep(ctx, r.timing.ExitPoll) {
				return r.cancelled(state)
			}
			dead, err := r.multiplexer.PaneDead(r.target)
			if err != nil {
				return r.fail(state, "checking pane", err)
			}
			if dead {
				return RefreshDead
			}
			lines, err := r.multiplexer.CaptureLines(r.target, refreshCaptureLines)
			if err != nil {
				return r.fail(state, "capturing pane", err)
			}
			if atPrompt(lines) {
				return RefreshAtPrompt
			}
		}
		return r.timeout(state, r.timing.ExitAttempts)

	case RefreshDead:
		return RefreshRespawning

	case RefreshRespawning:
		if err := r.multiplexer.RespawnPane(r.target, r.directory, r.shell); err != nil {
			return r.fail(state, "respawning pane", err)
		}
		if err := r.multiplexer.SetRemainOnExit(r.target, false); err != nil {
			return r.fail(state, "disabling remain-on-exit", err)
		}
		return RefreshAwaitingPrompt

	case RefreshAwaitingPrompt:
		for range r.timing.PromptAttempts {
			if !r.sleep(ctx, r.timing.PromptPoll) {
				return r.cancelled(state)
			}
			lines, err := r.multiplexer.CaptureLines(r.target, refreshCaptureLines)
			if err != nil {
				return r.fail(state, "capturing pane", err)
			}
			if atPrompt(lines) {
				return RefreshContinuing
			}
		}
		return r.timeout(state, r.timing.PromptAttempts)

	case RefreshAtPrompt:
		if err := r.multiplexer.SetRemainOnExit(r.target, false); err != nil {
			return r.fail(state, "disabling remain-on-exit", err)
		}
		return RefreshContinuing

	case RefreshContinuing:
		if err := r.multiplexer.SendText(r.target, r.continueCommand); err != nil {
			return r.fail(state, "typing continue command", err)
		}
		return RefreshDone
	}

	r.logger.Error("refresh reached an unknown state", "state", state)
	return RefreshFailed
}

// sleep waits d on the injected clock. False means ctx ended first.
func (r *refresh) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-r.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *refresh) fail(state RefreshState, action string, err error) RefreshState {
	r.logger.Warn("refresh failed", "state", state, "action", action, "error", err)
	return RefreshFailed
}

func (r *refresh) cancelled(state RefreshState) RefreshState {
	r.logger.Info("refresh cancelled", "state", state)
	return RefreshFailed
}

func (r *refresh) timeout(state RefreshState, attempts int) RefreshState {
	r.logger.Warn("refresh gave up waiting", "state", state, "attempts", attempts)
	return RefreshTimedOut
}
