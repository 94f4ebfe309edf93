// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package projection folds the event log into materialized views.
//
// Each Handler owns a set of view tables and a persistent checkpoint:
// the global event id it has processed through. The engine drives every
// handler independently, so a slow or failing view never stalls the
// others, and commits each batch of view writes together with the
// checkpoint advance in a single transaction. A crash therefore never
// leaves a view ahead of or behind its checkpoint; replay resumes
// exactly where the last commit left off, and handlers are never shown
// an event twice.
//
// Handlers must be pure functions of (view state, event). Rebuilding a
// view from scratch by replaying the full log yields byte-identical
// tables, which is also the recovery story: views are cache, the log is
// truth.
package projection
