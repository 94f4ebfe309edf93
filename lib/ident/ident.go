// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EventID is the global, strictly monotonic position of an event in
// the log. Zero means "before the first event" and is the starting
// cursor for full replay.
type EventID int64

// AggregateSeq is the per-aggregate sequence number. The first event
// of an aggregate has seq 1; the sequence has no gaps.
type AggregateSeq int64

// AggregateKind names a class of aggregate whose events are ordered
// and versioned independently.
type AggregateKind string

const (
	KindNode     AggregateKind = "node"
	KindGroup    AggregateKind = "group"
	KindInstance AggregateKind = "instance"
	KindVolume   AggregateKind = "volume"
)

// Valid reports whether k is a known aggregate kind.
func (k AggregateKind) Valid() bool {
	switch k {
	case KindNode, KindGroup, KindInstance, KindVolume:
		return true
	}
	return false
}

// ActorKind classifies who triggered an event, for audit.
type ActorKind string

const (
	ActorUser    ActorKind = "user"
	ActorService ActorKind = "service"
	ActorSystem  ActorKind = "system"
)

// RequestID correlates all events appended by one command.
type RequestID string

// NewRequestID returns a fresh random request id.
func NewRequestID() RequestID {
	return RequestID("req_" + uuid.NewString())
}

// NodeID identifies an execution node.
type NodeID string

// GroupID identifies a workload group (a set of replicas sharing a
// resolved spec).
type GroupID string

// InstanceID identifies one placed replica of a group.
type InstanceID string

// VolumeID identifies an exclusive storage resource bound to a home
// node.
type VolumeID string

// NewInstanceID returns a fresh instance id.
func NewInstanceID() InstanceID {
	return InstanceID("inst_" + uuid.NewString())
}

// NewVolumeID returns a fresh volume id.
func NewVolumeID() VolumeID {
	return VolumeID("vol_" + uuid.NewString())
}

// ResourceKey is the stable identity of a reconciliation actor: one
// actor owns one (kind, id) pair at a time.
type ResourceKey struct {
	Kind AggregateKind
	ID   string
}

// String renders the key as "kind/id" for logging and map keys.
func (k ResourceKey) String() string {
	return string(k.Kind) + "/" + k.ID
}

// ParseResourceKey parses a "kind/id" string.
func ParseResourceKey(s string) (ResourceKey, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok || id == "" {
		return ResourceKey{}, fmt.Errorf("ident: malformed resource key %q", s)
	}
	key := ResourceKey{Kind: AggregateKind(kind), ID: id}
	if !key.Kind.Valid() {
		return ResourceKey{}, fmt.Errorf("ident: unknown aggregate kind %q", kind)
	}
	return key, nil
}
