// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock for tests. Time stands still
// until Advance is called; pending timers and tickers whose deadlines
// are reached fire during Advance in deadline order.
//
// FakeClock is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	pending []*fakeTimer
}

// fakeTimer is one registered After, Timer, or Ticker.
type fakeTimer struct {
	deadline time.Time
	channel  chan time.Time
	// interval is non-zero for tickers, which re-arm after firing.
	interval time.Duration
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when the clock reaches now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C
}

// NewTimer registers a one-shot timer.
func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &fakeTimer{channel: make(chan time.Time, 1)}
	if d <= 0 {
		timer.channel <- c.now
	} else {
		timer.deadline = c.now.Add(d)
		c.addLocked(timer)
	}

	return &Timer{
		C: timer.channel,
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.removeLocked(timer)
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := c.removeLocked(timer)
			if d <= 0 {
				select {
				case timer.channel <- c.now:
				default:
				}
				return wasPending
			}
			timer.deadline = c.now.Add(d)
			c.addLocked(timer)
			return wasPending
		},
	}
}

// NewTicker registers a repeating ticker.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTimer{
		deadline: c.now.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	c.addLocked(ticker)

	return &Ticker{
		C: ticker.channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(ticker)
		},
	}
}

// Advance moves the clock forward by d and fires everything whose
// deadline is at or before the new time. A ticker spanning several
// intervals fires once per interval; sends never block, so ticks
// beyond the channel's capacity are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	for {
		next := c.earliestDueLocked()
		if next == nil {
			return
		}
		select {
		case next.channel <- c.now:
		default:
		}
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			c.removeLocked(next)
		}
	}
}

// WaitForTimers blocks until at least n timers or tickers are
// pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of registered, unfired timers and
// tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) addLocked(timer *fakeTimer) {
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(timer *fakeTimer) bool {
	index := slices.Index(c.pending, timer)
	if index < 0 {
		return false
	}
	c.pending = slices.Delete(c.pending, index, index+1)
	c.changed.Broadcast()
	return true
}

// earliestDueLocked returns the pending timer with the earliest
// deadline not after now, or nil.
func (c *FakeClock) earliestDueLocked() *fakeTimer {
	var earliest *fakeTimer
	for _, timer := range c.pending {
		if timer.deadline.After(c.now) {
			continue
		}
		if earliest == nil || timer.deadline.Before(earliest.deadline) {
			earliest = timer
		}
	}
	return earliest
}
