// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// strata-control-plane is the cluster's authority: it owns the event
// log, maintains the queryable views, serves the command API, runs the
// placement worker, and publishes the change feed that node agents
// follow.
package main
