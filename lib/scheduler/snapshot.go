// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/spechash"
)

// Node is one machine's schedulable state.
type Node struct {
	ID               ident.NodeID
	AllocatableBytes int64
	CPUWeightTotal   int64
	Draining         bool

	// RecentFailures counts instance failures attributed to this node
	// within the snapshot builder's recency window.
	RecentFailures int
}

// Group is one workload group's desired state.
type Group struct {
	ID       ident.GroupID
	Replicas int
	VolumeID ident.VolumeID

	// Spec, SpecHash, and Revision come from the group's latest
	// release. A group with no release has an empty SpecHash and is
	// not placeable.
	Spec     schema.InstanceSpec
	SpecHash spechash.Hash
	Revision int64
}

// Instance is one live replica as the snapshot sees it.
type Instance struct {
	ID       ident.InstanceID
	GroupID  ident.GroupID
	NodeID   ident.NodeID
	SpecHash spechash.Hash
	Revision int64

	Lifecycle schema.Lifecycle

	// DrainRequested is set once a desired-state change to draining
	// has been recorded, so the planner does not drain twice.
	DrainRequested bool

	// CollectRequested is set once a desired-state change to
	// garbage_collected has been recorded, so the planner does not
	// request collection twice.
	CollectRequested bool

	// AllocatedAt is the global id of the instance's allocation event.
	// Drain ordering prefers older instances.
	AllocatedAt ident.EventID

	// MemoryBytes is the spec's memory cap, without overhead.
	MemoryBytes int64

	OverlayAddress string
}

// Occupies reports whether the instance consumes node capacity. Every
// state before stopped does: an allocated-but-not-started instance has
// already claimed its memory.
func (i Instance) Occupies() bool {
	switch i.Lifecycle {
	case schema.LifecycleStopped, schema.LifecycleGarbageCollected:
		return false
	}
	return true
}

// Volume is one exclusive volume's placement-relevant state.
type Volume struct {
	ID ident.VolumeID

	// HomeNode is empty until the volume is bound. Consumers of an
	// unbound volume cannot be placed.
	HomeNode ident.NodeID
}

// Snapshot is the immutable input to one planning round. The planner
// never mutates it.
type Snapshot struct {
	Nodes     []Node
	Groups    []Group
	Instances []Instance
	Volumes   []Volume

	// FreeAddresses is the unallocated portion of the overlay address
	// pool, sorted ascending. Allocation always takes the lowest free
	// address, which keeps plans reproducible.
	FreeAddresses []string
}

func (s *Snapshot) volume(id ident.VolumeID) (Volume, bool) {
	for _, v := range s.Volumes {
		if v.ID == id {
			return v, true
		}
	}
	return Volume{}, false
}
