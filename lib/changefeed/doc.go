// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package changefeed distributes the event log to followers.
//
// Delivery is cursor-based and at-least-once: a follower presents the
// last global event id it has durably processed and receives
// everything after it, in order. Consumers persist their cursor only
// after acting on a batch, so a crash replays at most one batch and
// never skips events. Duplicate delivery is therefore possible and
// consumers must be idempotent.
//
// Two surfaces share one filtering core: a pull endpoint that returns
// a single bounded batch, and a push stream that sends batches as
// zstd-compressed CBOR frames until the connection drops. Scope
// filtering happens server-side so a node agent only receives the
// aggregates it cares about, but the cursor always advances over the
// whole log, filtered events included.
package changefeed
