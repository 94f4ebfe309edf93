// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Components that react to time — projection retry loops, scheduler
// passes, actor backoff, heartbeat staleness — accept a Clock instead
// of calling the time package directly. Real() forwards to the
// standard library. Fake() stands still until Advance is called,
// which makes backoff schedules and staleness windows exactly
// testable.
//
// A test that needs to fire a pending timer deterministically waits
// for the timer to be registered first:
//
//	c := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
//	// ... start the goroutine under test ...
//	c.WaitForWaiters(1)
//	c.Advance(30 * time.Second)
//
// WaitForWaiters removes the race between a goroutine registering its
// timer and the test advancing the clock.
package clock
