// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package actor runs per-resource convergence loops.
//
// Every instance an agent owns gets one Runner: a goroutine that folds
// reconcile signals into a mailbox, fetches the latest desired state,
// and steps the resource toward it through a Strategy. The mailbox
// coalesces by revision, so a burst of desired-state changes costs one
// wakeup and only the newest revision is ever acted on. Mid-operation
// the runner re-checks the mailbox between steps and abandons work
// that a newer revision has made moot.
//
// The Supervisor restarts crashed runners one-for-one with exponential
// backoff and jitter. A RetryTracker counts failures inside a sliding
// window; exhausting the budget parks the resource as degraded until a
// new revision arrives, so a crash-looping instance cannot consume the
// node.
package actor
