// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Command strata-node-agent runs instances on one node. It follows the
// control plane's change feed for allocations and desired-state
// changes, converges each owned instance through a supervised
// per-instance actor, and reports every observed lifecycle transition
// back. Local facts (feed cursor, owned instances) persist in SQLite
// so the agent resumes supervision after a restart without replaying
// the full feed.
package main
