// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package factstore is the node agent's local durable state: the
// change feed cursor and per-instance facts (last observed lifecycle,
// last acted-on revision). Facts survive agent restarts so a rebooted
// agent resumes from where it stopped instead of replaying the world.
//
// Facts are node-local cache, never authority: the event log remains
// the source of truth, and a lost fact store costs a replay, not
// correctness.
package factstore
