// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"time"

	"github.com/strata-cloud/strata/lib/codec"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/spechash"
)

// Event type constants. The (aggregate kind, event type, version)
// triple is the routing key for projection handlers and the payload
// registry.
const (
	EventNodeEnrolled  = "node.enrolled"
	EventNodeHeartbeat = "node.heartbeat"
	EventNodeDrained   = "node.drained"

	EventGroupCreated    = "group.created"
	EventGroupScaleSet   = "group.scale_set"
	EventGroupReleaseSet = "group.release_set"

	EventInstanceAllocated           = "instance.allocated"
	EventInstanceDesiredStateChanged = "instance.desired_state_changed"
	EventInstanceLifecycleChanged    = "instance.lifecycle_changed"
	EventInstanceFailed              = "instance.failed"

	EventVolumeCreated         = "volume.created"
	EventVolumeBound           = "volume.bound"
	EventVolumeAttachRequested = "volume.attach_requested"
	EventVolumeDetached        = "volume.detached"
)

// NodeEnrolled records a node joining the cluster with its capacity.
type NodeEnrolled struct {
	NodeID           ident.NodeID `cbor:"node_id"`
	AllocatableBytes int64        `cbor:"allocatable_bytes"`
	CPUWeightTotal   int64        `cbor:"cpu_weight_total"`
	Labels           []string     `cbor:"labels,omitempty"`
}

// NodeHeartbeat carries a node's periodic usage report. Heartbeats are
// low-criticality keepalive traffic: consumers may coalesce or drop
// stale ones.
type NodeHeartbeat struct {
	NodeID        ident.NodeID `cbor:"node_id"`
	UsedBytes     int64        `cbor:"used_bytes"`
	CPUWeightUsed int64        `cbor:"cpu_weight_used"`
	ReportedAt    time.Time    `cbor:"reported_at"`
}

// NodeDrained marks a node as ineligible for new placements.
type NodeDrained struct {
	NodeID ident.NodeID `cbor:"node_id"`
	Reason string       `cbor:"reason,omitempty"`
}

// GroupCreated declares a workload group.
type GroupCreated struct {
	GroupID ident.GroupID `cbor:"group_id"`
	Name    string        `cbor:"name"`
	// VolumeID, when non-empty, binds the group to an exclusive
	// volume; such a group is capped at one replica.
	VolumeID ident.VolumeID `cbor:"volume_id,omitempty"`
}

// GroupScaleSet changes a group's desired replica count.
type GroupScaleSet struct {
	GroupID  ident.GroupID `cbor:"group_id"`
	Replicas int           `cbor:"replicas"`
}

// GroupReleaseSet changes a group's desired spec. SpecHash is the
// content hash of Spec; the scheduler classifies instances by it.
type GroupReleaseSet struct {
	GroupID  ident.GroupID `cbor:"group_id"`
	Spec     InstanceSpec  `cbor:"spec"`
	SpecHash spechash.Hash `cbor:"spec_hash"`
	Revision int64         `cbor:"revision"`
}

// InstanceAllocated is the scheduler's placement decision for one
// replica: the first event of an instance aggregate.
type InstanceAllocated struct {
	InstanceID     ident.InstanceID `cbor:"instance_id"`
	GroupID        ident.GroupID    `cbor:"group_id"`
	NodeID         ident.NodeID     `cbor:"node_id"`
	Spec           InstanceSpec     `cbor:"spec"`
	SpecHash       spechash.Hash    `cbor:"spec_hash"`
	OverlayAddress string           `cbor:"overlay_address"`
	Revision       int64            `cbor:"revision"`
}

// InstanceDesiredStateChanged moves an instance's desired lifecycle
// target (e.g. running → draining).
type InstanceDesiredStateChanged struct {
	InstanceID ident.InstanceID `cbor:"instance_id"`
	Desired    Lifecycle        `cbor:"desired"`
	Revision   int64            `cbor:"revision"`
}

// InstanceLifecycleChanged reports an actual-state transition observed
// by the owning actor. One event per transition.
type InstanceLifecycleChanged struct {
	InstanceID ident.InstanceID `cbor:"instance_id"`
	From       Lifecycle        `cbor:"from"`
	To         Lifecycle        `cbor:"to"`
	Reason     ReasonCode       `cbor:"reason,omitempty"`
	// Detail is redacted free text: resource names and codes only,
	// never command lines or environment contents.
	Detail string `cbor:"detail,omitempty"`
}

// InstanceFailed reports a convergence failure with its typed reason.
type InstanceFailed struct {
	InstanceID ident.InstanceID `cbor:"instance_id"`
	Reason     ReasonCode       `cbor:"reason"`
	Detail     string           `cbor:"detail,omitempty"`
	Attempts   int              `cbor:"attempts"`
}

// VolumeCreated declares an exclusive volume and its size.
type VolumeCreated struct {
	VolumeID  ident.VolumeID `cbor:"volume_id"`
	SizeBytes int64          `cbor:"size_bytes"`
}

// VolumeBound pins a volume to its home node. Placement of any
// consumer is thereafter locality-constrained to that node.
type VolumeBound struct {
	VolumeID ident.VolumeID `cbor:"volume_id"`
	NodeID   ident.NodeID   `cbor:"node_id"`
}

// VolumeAttachRequested asks the home node's agent to attach the
// volume to an instance.
type VolumeAttachRequested struct {
	VolumeID   ident.VolumeID   `cbor:"volume_id"`
	InstanceID ident.InstanceID `cbor:"instance_id"`
}

// VolumeDetached records that a volume is no longer attached.
type VolumeDetached struct {
	VolumeID   ident.VolumeID   `cbor:"volume_id"`
	InstanceID ident.InstanceID `cbor:"instance_id"`
}

// payloadKey routes payload decoding.
type payloadKey struct {
	kind    ident.AggregateKind
	typ     string
	version int
}

// payloadRegistry is the exhaustive decode table. Every event type the
// system can append has exactly one entry; lookups for anything else
// fail loudly.
var payloadRegistry = map[payloadKey]func(codec.RawMessage) (any, error){
	{ident.KindNode, EventNodeEnrolled, 1}:  decodeInto[NodeEnrolled],
	{ident.KindNode, EventNodeHeartbeat, 1}: decodeInto[NodeHeartbeat],
	{ident.KindNode, EventNodeDrained, 1}:   decodeInto[NodeDrained],

	{ident.KindGroup, EventGroupCreated, 1}:    decodeInto[GroupCreated],
	{ident.KindGroup, EventGroupScaleSet, 1}:   decodeInto[GroupScaleSet],
	{ident.KindGroup, EventGroupReleaseSet, 1}: decodeInto[GroupReleaseSet],

	{ident.KindInstance, EventInstanceAllocated, 1}:           decodeInto[InstanceAllocated],
	{ident.KindInstance, EventInstanceDesiredStateChanged, 1}: decodeInto[InstanceDesiredStateChanged],
	{ident.KindInstance, EventInstanceLifecycleChanged, 1}:    decodeInto[InstanceLifecycleChanged],
	{ident.KindInstance, EventInstanceFailed, 1}:              decodeInto[InstanceFailed],

	{ident.KindVolume, EventVolumeCreated, 1}:         decodeInto[VolumeCreated],
	{ident.KindVolume, EventVolumeBound, 1}:           decodeInto[VolumeBound],
	{ident.KindVolume, EventVolumeAttachRequested, 1}: decodeInto[VolumeAttachRequested],
	{ident.KindVolume, EventVolumeDetached, 1}:        decodeInto[VolumeDetached],
}

func decodeInto[T any](raw codec.RawMessage) (any, error) {
	var v T
	if err := codec.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodePayload(kind ident.AggregateKind, typ string, version int, raw codec.RawMessage) (any, error) {
	decode, ok := payloadRegistry[payloadKey{kind, typ, version}]
	if !ok {
		return nil, fmt.Errorf("schema: no payload registered for %s %s v%d", kind, typ, version)
	}
	v, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("schema: decoding %s v%d payload: %w", typ, version, err)
	}
	return v, nil
}

// KnownEvent reports whether the registry can decode the given
// (kind, type, version) triple.
func KnownEvent(kind ident.AggregateKind, typ string, version int) bool {
	_, ok := payloadRegistry[payloadKey{kind, typ, version}]
	return ok
}

// EncodePayload encodes a payload struct as deterministic CBOR for
// appending.
func EncodePayload(v any) (codec.RawMessage, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schema: encoding payload: %w", err)
	}
	return codec.RawMessage(data), nil
}
