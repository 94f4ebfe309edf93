// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"
	"sort"

	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
)

// Weights tune the soft scoring. They never override a hard
// constraint.
type Weights struct {
	// Utilization rewards nodes with more free memory after placement.
	Utilization float64

	// Spread rewards nodes running fewer replicas of the same group.
	Spread float64

	// FailurePenalty punishes nodes with recent instance failures.
	FailurePenalty float64
}

// DefaultWeights balances packing against blast radius.
func DefaultWeights() Weights {
	return Weights{Utilization: 0.5, Spread: 0.3, FailurePenalty: 0.2}
}

// Planner computes plans from snapshots. Stateless apart from its
// weights; safe for concurrent use.
type Planner struct {
	weights Weights
}

// New returns a Planner with the given weights.
func New(weights Weights) *Planner {
	return &Planner{weights: weights}
}

// round carries the mutable working state of one Reconcile call:
// capacity projections that include this round's own allocations, so
// two placements in one plan never overcommit a node.
type round struct {
	snapshot   *Snapshot
	usedBytes  map[ident.NodeID]int64
	groupCount map[ident.NodeID]map[ident.GroupID]int
	free       []string
}

// Reconcile compares every group's desired state against its live
// instances and returns the actions that move the cluster toward
// convergence. Pure: identical snapshots yield identical plans.
func (p *Planner) Reconcile(snapshot Snapshot) Plan {
	r := newRound(&snapshot)

	groups := make([]Group, len(snapshot.Groups))
	copy(groups, snapshot.Groups)
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	var plan Plan
	for _, group := range groups {
		p.reconcileGroup(r, group, &plan)
	}

	// Stopped instances have released their capacity but still hold
	// node-local state and view rows; collection is the terminal leg.
	for _, instance := range snapshot.Instances {
		if instance.Lifecycle == schema.LifecycleStopped && !instance.CollectRequested {
			plan.Collects = append(plan.Collects, Collect{InstanceID: instance.ID})
		}
	}
	return plan
}

func newRound(snapshot *Snapshot) *round {
	r := &round{
		snapshot:   snapshot,
		usedBytes:  make(map[ident.NodeID]int64),
		groupCount: make(map[ident.NodeID]map[ident.GroupID]int),
		free:       append([]string(nil), snapshot.FreeAddresses...),
	}
	sort.Strings(r.free)
	for _, instance := range snapshot.Instances {
		if !instance.Occupies() {
			continue
		}
		r.usedBytes[instance.NodeID] += instance.MemoryBytes + schema.InstanceOverheadBytes
		r.bumpGroupCount(instance.NodeID, instance.GroupID)
	}
	return r
}

func (r *round) bumpGroupCount(node ident.NodeID, group ident.GroupID) {
	if r.groupCount[node] == nil {
		r.groupCount[node] = make(map[ident.GroupID]int)
	}
	r.groupCount[node][group]++
}

func (p *Planner) reconcileGroup(r *round, group Group, plan *Plan) {
	if group.SpecHash == "" {
		// No release yet; nothing to run.
		return
	}

	// The binding is the single source of volume truth. The spec copy
	// is overwritten so every allocation, and through it every agent
	// workload, carries exactly the bound volume.
	group.Spec.VolumeID = group.VolumeID

	target := group.Replicas
	if group.VolumeID != "" && target > 1 {
		target = 1
	}

	// live are instances still occupying capacity and not already told
	// to drain. occupying additionally includes drain-requested ones,
	// which matters for volume exclusivity.
	var live, occupying []Instance
	for _, instance := range r.snapshot.Instances {
		if instance.GroupID != group.ID || !instance.Occupies() {
			continue
		}
		occupying = append(occupying, instance)
		if !instance.DrainRequested {
			live = append(live, instance)
		}
	}
	sortOldestFirst(live)

	var current, stale []Instance
	for _, instance := range live {
		if instance.SpecHash == group.SpecHash {
			current = append(current, instance)
		} else {
			stale = append(stale, instance)
		}
	}

	if group.VolumeID != "" {
		p.reconcileVolumeGroup(r, group, target, live, stale, occupying, plan)
		return
	}

	// Placements first: missing replicas are placed outright; a
	// superseded release is replaced one instance per round, with the
	// replacement allocated before its predecessor drains.
	place := 0
	switch {
	case len(live) < target:
		place = target - len(live)
	case len(stale) > 0:
		place = 1
	}
	placed := 0
	for i := 0; i < place; i++ {
		if p.placeReplica(r, group, "", plan) {
			placed++
		}
	}

	// Drain surplus, superseded instances first, oldest first within
	// each class. A failed replacement placement keeps its predecessor
	// running: availability beats freshness.
	drainCount := len(live) + placed - target
	ordered := append(append([]Instance(nil), stale...), current...)
	for i := 0; i < drainCount && i < len(ordered); i++ {
		reason := "scale down"
		if i < len(stale) {
			reason = "superseded release"
		}
		plan.Drains = append(plan.Drains, Drain{InstanceID: ordered[i].ID, Reason: reason})
	}
}

// reconcileVolumeGroup handles exclusivity: the volume admits one
// consumer, so replacement must drain the old instance to stopped
// before the new one can be placed. No surge, ever.
func (p *Planner) reconcileVolumeGroup(r *round, group Group, target int, live, stale, occupying []Instance, plan *Plan) {
	if target == 0 {
		for _, instance := range live {
			plan.Drains = append(plan.Drains, Drain{InstanceID: instance.ID, Reason: "scale down"})
		}
		return
	}
	if len(stale) > 0 {
		for _, instance := range stale {
			plan.Drains = append(plan.Drains, Drain{InstanceID: instance.ID, Reason: "superseded release"})
		}
		return
	}
	if len(live) >= target {
		return
	}
	if len(occupying) > 0 {
		// The predecessor has not released the volume yet.
		plan.Unplaced = append(plan.Unplaced, Unplaced{
			GroupID: group.ID,
			Reason:  schema.ReasonExclusivityConflict,
			Detail:  fmt.Sprintf("volume %s still held by instance %s", group.VolumeID, occupying[0].ID),
		})
		return
	}
	p.placeReplica(r, group, group.VolumeID, plan)
}

// placeReplica places one replica of group, appending either an
// Allocation or an Unplaced verdict. Reports whether it placed.
func (p *Planner) placeReplica(r *round, group Group, volumeID ident.VolumeID, plan *Plan) bool {
	need := group.Spec.Resources.MemoryBytes + schema.InstanceOverheadBytes

	var homeNode ident.NodeID
	if volumeID != "" {
		volume, ok := r.snapshot.volume(volumeID)
		if !ok || volume.HomeNode == "" {
			plan.Unplaced = append(plan.Unplaced, Unplaced{
				GroupID: group.ID,
				Reason:  schema.ReasonLocalityConflict,
				Detail:  fmt.Sprintf("volume %s is not bound to a node", volumeID),
			})
			return false
		}
		homeNode = volume.HomeNode
	}

	var eligible []Node
	for _, node := range r.snapshot.Nodes {
		if node.Draining {
			continue
		}
		if homeNode != "" && node.ID != homeNode {
			continue
		}
		eligible = append(eligible, node)
	}
	if len(eligible) == 0 {
		reason := schema.ReasonCapacity
		detail := "no eligible nodes"
		if homeNode != "" {
			reason = schema.ReasonLocalityConflict
			detail = fmt.Sprintf("volume home node %s is unavailable", homeNode)
		}
		plan.Unplaced = append(plan.Unplaced, Unplaced{GroupID: group.ID, Reason: reason, Detail: detail})
		return false
	}

	var best *Node
	var bestScore float64
	for i := range eligible {
		node := eligible[i]
		if r.usedBytes[node.ID]+need > node.AllocatableBytes {
			continue
		}
		score := p.score(r, node, group.ID, need)
		if best == nil || score > bestScore || (score == bestScore && node.ID < best.ID) {
			best = &eligible[i]
			bestScore = score
		}
	}
	if best == nil {
		plan.Unplaced = append(plan.Unplaced, Unplaced{
			GroupID: group.ID,
			Reason:  schema.ReasonCapacity,
			Detail:  fmt.Sprintf("no node fits %d bytes", need),
		})
		return false
	}

	if len(r.free) == 0 {
		plan.Unplaced = append(plan.Unplaced, Unplaced{
			GroupID: group.ID,
			Reason:  schema.ReasonAddressPoolExhausted,
			Detail:  "overlay address pool is empty",
		})
		return false
	}
	address := r.free[0]
	r.free = r.free[1:]

	r.usedBytes[best.ID] += need
	r.bumpGroupCount(best.ID, group.ID)

	plan.Allocations = append(plan.Allocations, Allocation{
		GroupID:        group.ID,
		NodeID:         best.ID,
		Spec:           group.Spec,
		SpecHash:       group.SpecHash,
		Revision:       group.Revision,
		OverlayAddress: address,
	})
	return true
}

// score ranks one eligible node. Higher is better.
func (p *Planner) score(r *round, node Node, group ident.GroupID, need int64) float64 {
	projected := float64(r.usedBytes[node.ID]+need) / float64(node.AllocatableBytes)
	score := p.weights.Utilization * (1 - projected)
	score += p.weights.Spread / float64(1+r.groupCount[node.ID][group])

	failures := node.RecentFailures
	if failures > 5 {
		failures = 5
	}
	score -= p.weights.FailurePenalty * float64(failures) / 5
	return score
}

func sortOldestFirst(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].AllocatedAt != instances[j].AllocatedAt {
			return instances[i].AllocatedAt < instances[j].AllocatedAt
		}
		return instances[i].ID < instances[j].ID
	})
}
