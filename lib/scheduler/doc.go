// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler decides where instances run.
//
// The planner is a pure function: it takes an immutable Snapshot of
// cluster state and returns a Plan of allocations, drains, and typed
// unplaced verdicts. It performs no I/O, appends no events, and
// consults no clock, so the same snapshot always yields the same plan.
// The worker that feeds it snapshots and applies its plans lives with
// the control plane, not here.
//
// Hard constraints (memory fit including the fixed per-instance
// overhead, volume locality, node drain state, volume exclusivity)
// are never traded away. Soft preferences (utilization balance, group
// spread, recent-failure avoidance) only rank the nodes that already
// satisfy every hard constraint, and ties break on node id so plans
// are reproducible.
package scheduler
