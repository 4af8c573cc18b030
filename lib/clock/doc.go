// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source. Every component
// that waits (the status monitor, the refresh workflow, the approval
// sweeper, the viewer's backoff and heartbeat) takes a Clock instead
// of calling the time package directly.
//
// Production code passes Real(). Tests pass Fake(), whose time only
// moves when Advance is called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	monitor := session.NewStatusMonitor(session.MonitorConfig{Clock: fake, ...})
//	monitor.Start(ctx)
//	fake.WaitForTimers(1)       // the monitor's ticker is registered
//	fake.Advance(3 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
