// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"fmt"

	"github.com/strata-cloud/strata/lib/eventlog"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/spechash"
)

// Folded aggregate states. The handler folds these from the log at
// validation time rather than reading projections, so validation always
// sees exactly the state the expected sequence protects.

type groupState struct {
	exists   bool
	name     string
	volumeID ident.VolumeID
	replicas int
	revision int64
	specHash spechash.Hash
	head     ident.AggregateSeq
}

type nodeState struct {
	exists   bool
	draining bool
	head     ident.AggregateSeq
}

type volumeState struct {
	exists     bool
	sizeBytes  int64
	homeNode   ident.NodeID
	attachedTo ident.InstanceID
	head       ident.AggregateSeq
}

type instanceState struct {
	exists    bool
	lifecycle schema.Lifecycle
	head      ident.AggregateSeq
}

func foldInstance(ctx context.Context, log *eventlog.Store, id ident.InstanceID) (instanceState, error) {
	var state instanceState
	events, err := log.ReadAggregate(ctx, ident.KindInstance, string(id))
	if err != nil {
		return state, err
	}
	for _, env := range events {
		payload, err := env.DecodePayload()
		if err != nil {
			return state, fmt.Errorf("command: folding instance %s: %w", id, err)
		}
		switch p := payload.(type) {
		case schema.InstanceAllocated:
			state.exists = true
			state.lifecycle = schema.LifecycleAllocated
		case schema.InstanceLifecycleChanged:
			state.lifecycle = p.To
		}
		state.head = env.AggregateSeq
	}
	return state, nil
}

func foldGroup(ctx context.Context, log *eventlog.Store, id ident.GroupID) (groupState, error) {
	var state groupState
	events, err := log.ReadAggregate(ctx, ident.KindGroup, string(id))
	if err != nil {
		return state, err
	}
	for _, env := range events {
		payload, err := env.DecodePayload()
		if err != nil {
			return state, fmt.Errorf("command: folding group %s: %w", id, err)
		}
		switch p := payload.(type) {
		case schema.GroupCreated:
			state.exists = true
			state.name = p.Name
			state.volumeID = p.VolumeID
		case schema.GroupScaleSet:
			state.replicas = p.Replicas
		case schema.GroupReleaseSet:
			state.revision = p.Revision
			state.specHash = p.SpecHash
		}
		state.head = env.AggregateSeq
	}
	return state, nil
}

func foldNode(ctx context.Context, log *eventlog.Store, id ident.NodeID) (nodeState, error) {
	var state nodeState
	events, err := log.ReadAggregate(ctx, ident.KindNode, string(id))
	if err != nil {
		return state, err
	}
	for _, env := range events {
		switch env.EventType {
		case schema.EventNodeEnrolled:
			state.exists = true
		case schema.EventNodeDrained:
			state.draining = true
		}
		state.head = env.AggregateSeq
	}
	return state, nil
}

func foldVolume(ctx context.Context, log *eventlog.Store, id ident.VolumeID) (volumeState, error) {
	var state volumeState
	events, err := log.ReadAggregate(ctx, ident.KindVolume, string(id))
	if err != nil {
		return state, err
	}
	for _, env := range events {
		payload, err := env.DecodePayload()
		if err != nil {
			return state, fmt.Errorf("command: folding volume %s: %w", id, err)
		}
		switch p := payload.(type) {
		case schema.VolumeCreated:
			state.exists = true
			state.sizeBytes = p.SizeBytes
		case schema.VolumeBound:
			state.homeNode = p.NodeID
		case schema.VolumeAttachRequested:
			state.attachedTo = p.InstanceID
		case schema.VolumeDetached:
			state.attachedTo = ""
		}
		state.head = env.AggregateSeq
	}
	return state, nil
}
