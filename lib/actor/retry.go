// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"time"

	"github.com/strata-cloud/strata/lib/clock"
)

// RetryTracker counts failures inside a sliding window and answers
// whether the budget is exhausted. Not safe for concurrent use; each
// runner owns one.
type RetryTracker struct {
	clock  clock.Clock
	window time.Duration
	budget int

	failures []time.Time
}

// NewRetryTracker returns a tracker allowing budget failures per
// window.
func NewRetryTracker(c clock.Clock, window time.Duration, budget int) *RetryTracker {
	return &RetryTracker{clock: c, window: window, budget: budget}
}

// Record notes one failure now and reports whether the budget is now
// exhausted.
func (t *RetryTracker) Record() bool {
	now := t.clock.Now()
	t.failures = append(t.failures, now)
	t.prune(now)
	return len(t.failures) > t.budget
}

// Count returns the failures currently inside the window.
func (t *RetryTracker) Count() int {
	t.prune(t.clock.Now())
	return len(t.failures)
}

// Reset clears the tracker. Called when a new revision arrives: new
// desired state earns a fresh budget.
func (t *RetryTracker) Reset() {
	t.failures = t.failures[:0]
}

func (t *RetryTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	kept := t.failures[:0]
	for _, at := range t.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.failures = kept
}
