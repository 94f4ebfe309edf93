// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog implements the durable, ordered, append-only event
// log backing all Strata state.
//
// Every validated state transition is one event. Events carry a global
// monotonic id (the replay cursor) and a gapless per-aggregate
// sequence. Appends use optimistic concurrency: the caller states the
// aggregate sequence it last observed, and the append fails with
// ConflictError when that expectation no longer holds. That conflict
// is the sole write-side concurrency control in the system — there are
// no row locks and no last-writer-wins paths.
//
// Appends are atomic: either every event in the batch is durably
// assigned ids, or none is. A partial append is never observable, even
// across a crash, because assignment happens inside one SQLite
// IMMEDIATE transaction.
package eventlog
