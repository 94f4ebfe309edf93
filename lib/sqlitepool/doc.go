// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the shared SQLite connection pool used
// by the event log, projection views, and the node-agent fact store.
//
// Every connection gets the same pragma set (WAL, NORMAL sync, busy
// timeout) so transactional behavior is uniform across components.
// Services that need a schema pass it through Config.Schema; it is
// applied idempotently on each connection.
package sqlitepool
