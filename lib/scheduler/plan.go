// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/spechash"
)

// Allocation is one planned placement. The worker mints the instance
// id when it turns the allocation into an event; everything the
// planner decides is here.
type Allocation struct {
	GroupID        ident.GroupID
	NodeID         ident.NodeID
	Spec           schema.InstanceSpec
	SpecHash       spechash.Hash
	Revision       int64
	OverlayAddress string
}

// Drain is one planned desired-state change to draining.
type Drain struct {
	InstanceID ident.InstanceID
	Reason     string
}

// Collect is one planned desired-state change to garbage_collected:
// a stopped instance whose node-local traces should be released.
type Collect struct {
	InstanceID ident.InstanceID
}

// Unplaced is a replica the planner could not place, with the typed
// reason the status surface reports.
type Unplaced struct {
	GroupID ident.GroupID
	Reason  schema.ReasonCode
	Detail  string
}

// Plan is the output of one planning round. Applying an empty plan is
// a no-op; the cluster is converged.
type Plan struct {
	Allocations []Allocation
	Drains      []Drain
	Collects    []Collect
	Unplaced    []Unplaced
}

// Empty reports whether the plan changes anything. Unplaced verdicts
// alone do not: they are reporting, not action.
func (p Plan) Empty() bool {
	return len(p.Allocations) == 0 && len(p.Drains) == 0 && len(p.Collects) == 0
}
