// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations used by Command Center.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If
	// d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a one-shot Timer that can be stopped and
	// re-armed. Used where a deadline is pushed forward repeatedly,
	// such as a heartbeat watchdog.
	NewTimer(d time.Duration) *Timer

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a one-shot event delivered on C.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the timer from firing. Reports whether the timer was
// still pending.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire d from now. Reports whether the
// timer was still pending. Callers that may race with a delivered
// value should Stop and drain C first, as with time.Timer.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker delivers ticks on C. C has capacity 1; a slow consumer
// misses ticks rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }
