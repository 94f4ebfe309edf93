// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/eventlog"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/spechash"
)

// defaultMaxRetries bounds fold/validate/append attempts per command.
// Conflicts under contention are expected; a command that loses this
// many races in a row reports CodeRetryExhausted instead of spinning.
const defaultMaxRetries = 5

// Meta identifies who submitted a command and carries its dedup key.
type Meta struct {
	ActorKind ident.ActorKind
	ActorID   string
	RequestID ident.RequestID

	// IdempotencyKey deduplicates the whole command across retries and
	// reconnects. Optional.
	IdempotencyKey string
}

// Result reports a successfully applied command.
type Result struct {
	// EventIDs are the assigned global ids, in order.
	EventIDs []ident.EventID
}

// Last returns the final event id, the position to Wait on for
// read-your-writes.
func (r Result) Last() ident.EventID {
	if len(r.EventIDs) == 0 {
		return 0
	}
	return r.EventIDs[len(r.EventIDs)-1]
}

// Config holds the parameters for creating a Handler.
type Config struct {
	Log   *eventlog.Store
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// MaxRetries overrides the conflict retry bound. Zero means the
	// default.
	MaxRetries int
}

// Handler validates and applies commands. Safe for concurrent use.
type Handler struct {
	log        *eventlog.Store
	clock      clock.Clock
	logger     *slog.Logger
	maxRetries int
}

// New validates the configuration and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("command: Log is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("command: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	return &Handler{log: cfg.Log, clock: cfg.Clock, logger: logger, maxRetries: retries}, nil
}

// deriveFunc folds current state and produces the append request for
// one attempt. Called afresh on every conflict retry.
type deriveFunc func(ctx context.Context) (eventlog.AppendRequest, error)

// submit runs the fold/validate/append loop.
func (h *Handler) submit(ctx context.Context, meta Meta, derive deriveFunc) (Result, error) {
	// A replayed idempotency key short-circuits before validation,
	// which would otherwise reject the command against its own earlier
	// effects.
	if meta.IdempotencyKey != "" {
		ids, found, err := h.log.IdempotencyReplay(ctx, meta.IdempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if found {
			return Result{EventIDs: ids}, nil
		}
	}

	var lastConflict *eventlog.ConflictError
	for attempt := 0; attempt < h.maxRetries; attempt++ {
		req, err := derive(ctx)
		if err != nil {
			return Result{}, err
		}
		req.ActorKind = meta.ActorKind
		req.ActorID = meta.ActorID
		req.RequestID = meta.RequestID
		req.IdempotencyKey = meta.IdempotencyKey

		ids, err := h.log.Append(ctx, req)
		if err == nil {
			return Result{EventIDs: ids}, nil
		}
		if !errors.As(err, &lastConflict) {
			return Result{}, err
		}
		h.logger.Debug("command lost append race, refolding",
			"aggregate", lastConflict.AggregateKind,
			"id", lastConflict.AggregateID,
			"attempt", attempt+1)
	}
	return Result{}, fmt.Errorf("command: %s after %d attempts: %w",
		CodeRetryExhausted, h.maxRetries, lastConflict)
}

func pending(payload any, eventType string) (eventlog.PendingEvent, error) {
	raw, err := schema.EncodePayload(payload)
	if err != nil {
		return eventlog.PendingEvent{}, err
	}
	return eventlog.PendingEvent{EventType: eventType, EventVersion: 1, Payload: raw}, nil
}

// EnrollNode params.
type EnrollNode struct {
	NodeID           ident.NodeID
	AllocatableBytes int64
	CPUWeightTotal   int64
	Labels           []string
}

// EnrollNode registers a node and its capacity. Enrolling an existing
// node is rejected; capacity changes re-enroll through drain.
func (h *Handler) EnrollNode(ctx context.Context, meta Meta, params EnrollNode) (Result, error) {
	if params.NodeID == "" {
		return Result{}, invalid(CodeInvalidInput, "node id is required")
	}
	if params.AllocatableBytes <= 0 {
		return Result{}, invalid(CodeInvalidInput, "allocatable bytes must be positive")
	}
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		node, err := foldNode(ctx, h.log, params.NodeID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if node.exists {
			return eventlog.AppendRequest{}, invalid(CodeAlreadyExists, "node %s is already enrolled", params.NodeID)
		}
		event, err := pending(schema.NodeEnrolled{
			NodeID:           params.NodeID,
			AllocatableBytes: params.AllocatableBytes,
			CPUWeightTotal:   params.CPUWeightTotal,
			Labels:           params.Labels,
		}, schema.EventNodeEnrolled)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindNode,
			AggregateID:   string(params.NodeID),
			ExpectedSeq:   node.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// RecordHeartbeat params.
type RecordHeartbeat struct {
	NodeID        ident.NodeID
	UsedBytes     int64
	CPUWeightUsed int64
}

// RecordHeartbeat appends a node usage report.
func (h *Handler) RecordHeartbeat(ctx context.Context, meta Meta, params RecordHeartbeat) (Result, error) {
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		node, err := foldNode(ctx, h.log, params.NodeID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if !node.exists {
			return eventlog.AppendRequest{}, invalid(CodeNotFound, "node %s is not enrolled", params.NodeID)
		}
		event, err := pending(schema.NodeHeartbeat{
			NodeID:        params.NodeID,
			UsedBytes:     params.UsedBytes,
			CPUWeightUsed: params.CPUWeightUsed,
			ReportedAt:    h.clock.Now().UTC(),
		}, schema.EventNodeHeartbeat)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindNode,
			AggregateID:   string(params.NodeID),
			ExpectedSeq:   node.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// DrainNode params.
type DrainNode struct {
	NodeID ident.NodeID
	Reason string
}

// DrainNode marks a node ineligible for new placements. Draining an
// already draining node is rejected so repeated operator commands are
// visible as errors, not silent duplicate events.
func (h *Handler) DrainNode(ctx context.Context, meta Meta, params DrainNode) (Result, error) {
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		node, err := foldNode(ctx, h.log, params.NodeID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if !node.exists {
			return eventlog.AppendRequest{}, invalid(CodeNotFound, "node %s is not enrolled", params.NodeID)
		}
		if node.draining {
			return eventlog.AppendRequest{}, invalid(CodeAlreadyExists, "node %s is already draining", params.NodeID)
		}
		event, err := pending(schema.NodeDrained{
			NodeID: params.NodeID,
			Reason: params.Reason,
		}, schema.EventNodeDrained)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindNode,
			AggregateID:   string(params.NodeID),
			ExpectedSeq:   node.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// CreateGroup params.
type CreateGroup struct {
	GroupID ident.GroupID
	Name    string

	// VolumeID, when set, binds the group to an exclusive volume. The
	// volume must already exist; the group is capped at one replica.
	VolumeID ident.VolumeID
}

// CreateGroup declares a workload group.
func (h *Handler) CreateGroup(ctx context.Context, meta Meta, params CreateGroup) (Result, error) {
	if params.GroupID == "" {
		return Result{}, invalid(CodeInvalidInput, "group id is required")
	}
	if params.Name == "" {
		return Result{}, invalid(CodeInvalidInput, "group name is required")
	}
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		group, err := foldGroup(ctx, h.log, params.GroupID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if group.exists {
			return eventlog.AppendRequest{}, invalid(CodeAlreadyExists, "group %s already exists", params.GroupID)
		}
		if params.VolumeID != "" {
			volume, err := foldVolume(ctx, h.log, params.VolumeID)
			if err != nil {
				return eventlog.AppendRequest{}, err
			}
			if !volume.exists {
				return eventlog.AppendRequest{}, invalid(CodeNotFound, "volume %s does not exist", params.VolumeID)
			}
		}
		event, err := pending(schema.GroupCreated{
			GroupID:  params.GroupID,
			Name:     params.Name,
			VolumeID: params.VolumeID,
		}, schema.EventGroupCreated)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindGroup,
			AggregateID:   string(params.GroupID),
			ExpectedSeq:   group.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// SetGroupScale params.
type SetGroupScale struct {
	GroupID  ident.GroupID
	Replicas int
}

// SetGroupScale changes a group's desired replica count. Volume-backed
// groups are capped at one replica: the volume admits one consumer.
func (h *Handler) SetGroupScale(ctx context.Context, meta Meta, params SetGroupScale) (Result, error) {
	if params.Replicas < 0 {
		return Result{}, invalid(CodeInvalidInput, "replicas must be non-negative")
	}
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		group, err := foldGroup(ctx, h.log, params.GroupID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if !group.exists {
			return eventlog.AppendRequest{}, invalid(CodeNotFound, "group %s does not exist", params.GroupID)
		}
		if group.volumeID != "" && params.Replicas > 1 {
			return eventlog.AppendRequest{}, invalid(CodeExclusivity,
				"group %s is bound to volume %s and cannot exceed one replica", params.GroupID, group.volumeID)
		}
		event, err := pending(schema.GroupScaleSet{
			GroupID:  params.GroupID,
			Replicas: params.Replicas,
		}, schema.EventGroupScaleSet)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindGroup,
			AggregateID:   string(params.GroupID),
			ExpectedSeq:   group.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// SetGroupRelease params.
type SetGroupRelease struct {
	GroupID ident.GroupID
	Spec    schema.InstanceSpec
}

// SetGroupRelease changes a group's desired spec. The revision counter
// advances monotonically; the spec hash is computed here so every
// consumer sees the same content identity.
func (h *Handler) SetGroupRelease(ctx context.Context, meta Meta, params SetGroupRelease) (Result, error) {
	if params.Spec.Image == "" {
		return Result{}, invalid(CodeInvalidInput, "spec image is required")
	}
	if params.Spec.Resources.MemoryBytes <= 0 {
		return Result{}, invalid(CodeInvalidInput, "spec memory must be positive")
	}
	hash, err := spechash.Compute(params.Spec)
	if err != nil {
		return Result{}, fmt.Errorf("command: hashing spec: %w", err)
	}
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		group, err := foldGroup(ctx, h.log, params.GroupID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if !group.exists {
			return eventlog.AppendRequest{}, invalid(CodeNotFound, "group %s does not exist", params.GroupID)
		}
		// The group's binding is the only route to a volume: a release
		// spec cannot smuggle one in past the exclusivity checks.
		if params.Spec.VolumeID != "" && params.Spec.VolumeID != group.volumeID {
			if group.volumeID == "" {
				return eventlog.AppendRequest{}, invalid(CodeExclusivity,
					"spec names volume %s but group %s has no volume binding",
					params.Spec.VolumeID, params.GroupID)
			}
			return eventlog.AppendRequest{}, invalid(CodeExclusivity,
				"spec volume %s does not match group %s binding %s",
				params.Spec.VolumeID, params.GroupID, group.volumeID)
		}
		event, err := pending(schema.GroupReleaseSet{
			GroupID:  params.GroupID,
			Spec:     params.Spec,
			SpecHash: hash,
			Revision: group.revision + 1,
		}, schema.EventGroupReleaseSet)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindGroup,
			AggregateID:   string(params.GroupID),
			ExpectedSeq:   group.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// ReportInstanceLifecycle params.
type ReportInstanceLifecycle struct {
	InstanceID ident.InstanceID
	From       schema.Lifecycle
	To         schema.Lifecycle
	Reason     schema.ReasonCode
	Detail     string
}

// ReportInstanceLifecycle records an actual-state transition observed
// by the owning actor. The transition must be legal per the lifecycle
// state machine; a report that contradicts the instance's folded state
// is rejected rather than recorded.
func (h *Handler) ReportInstanceLifecycle(ctx context.Context, meta Meta, params ReportInstanceLifecycle) (Result, error) {
	if !schema.ValidTransition(params.From, params.To) {
		return Result{}, invalid(CodeInvalidInput, "illegal transition %s -> %s", params.From, params.To)
	}
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		instance, err := foldInstance(ctx, h.log, params.InstanceID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if !instance.exists {
			return eventlog.AppendRequest{}, invalid(CodeNotFound, "instance %s does not exist", params.InstanceID)
		}
		event, err := pending(schema.InstanceLifecycleChanged{
			InstanceID: params.InstanceID,
			From:       params.From,
			To:         params.To,
			Reason:     params.Reason,
			Detail:     params.Detail,
		}, schema.EventInstanceLifecycleChanged)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindInstance,
			AggregateID:   string(params.InstanceID),
			ExpectedSeq:   instance.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// ReportInstanceFailed params.
type ReportInstanceFailed struct {
	InstanceID ident.InstanceID
	Reason     schema.ReasonCode
	Detail     string
	Attempts   int
}

// ReportInstanceFailed records a convergence failure with its typed
// reason.
func (h *Handler) ReportInstanceFailed(ctx context.Context, meta Meta, params ReportInstanceFailed) (Result, error) {
	if params.Reason == schema.ReasonNone {
		return Result{}, invalid(CodeInvalidInput, "failure reason is required")
	}
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		instance, err := foldInstance(ctx, h.log, params.InstanceID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if !instance.exists {
			return eventlog.AppendRequest{}, invalid(CodeNotFound, "instance %s does not exist", params.InstanceID)
		}
		event, err := pending(schema.InstanceFailed{
			InstanceID: params.InstanceID,
			Reason:     params.Reason,
			Detail:     params.Detail,
			Attempts:   params.Attempts,
		}, schema.EventInstanceFailed)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindInstance,
			AggregateID:   string(params.InstanceID),
			ExpectedSeq:   instance.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// CreateVolume params.
type CreateVolume struct {
	VolumeID  ident.VolumeID
	SizeBytes int64
}

// CreateVolume declares an exclusive volume.
func (h *Handler) CreateVolume(ctx context.Context, meta Meta, params CreateVolume) (Result, error) {
	if params.VolumeID == "" {
		return Result{}, invalid(CodeInvalidInput, "volume id is required")
	}
	if params.SizeBytes <= 0 {
		return Result{}, invalid(CodeInvalidInput, "volume size must be positive")
	}
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		volume, err := foldVolume(ctx, h.log, params.VolumeID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if volume.exists {
			return eventlog.AppendRequest{}, invalid(CodeAlreadyExists, "volume %s already exists", params.VolumeID)
		}
		event, err := pending(schema.VolumeCreated{
			VolumeID:  params.VolumeID,
			SizeBytes: params.SizeBytes,
		}, schema.EventVolumeCreated)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindVolume,
			AggregateID:   string(params.VolumeID),
			ExpectedSeq:   volume.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// BindVolume params.
type BindVolume struct {
	VolumeID ident.VolumeID
	NodeID   ident.NodeID
}

// BindVolume pins a volume to its home node. Binding is permanent:
// every future consumer placement is locality-constrained to that
// node.
func (h *Handler) BindVolume(ctx context.Context, meta Meta, params BindVolume) (Result, error) {
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		volume, err := foldVolume(ctx, h.log, params.VolumeID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if !volume.exists {
			return eventlog.AppendRequest{}, invalid(CodeNotFound, "volume %s does not exist", params.VolumeID)
		}
		if volume.homeNode != "" {
			return eventlog.AppendRequest{}, invalid(CodeVolumeBound,
				"volume %s is already bound to node %s", params.VolumeID, volume.homeNode)
		}
		node, err := foldNode(ctx, h.log, params.NodeID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if !node.exists {
			return eventlog.AppendRequest{}, invalid(CodeNotFound, "node %s is not enrolled", params.NodeID)
		}
		if node.draining {
			return eventlog.AppendRequest{}, invalid(CodeNodeDraining, "node %s is draining", params.NodeID)
		}
		event, err := pending(schema.VolumeBound{
			VolumeID: params.VolumeID,
			NodeID:   params.NodeID,
		}, schema.EventVolumeBound)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindVolume,
			AggregateID:   string(params.VolumeID),
			ExpectedSeq:   volume.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}

// ReportVolumeDetached params.
type ReportVolumeDetached struct {
	VolumeID   ident.VolumeID
	InstanceID ident.InstanceID
}

// ReportVolumeDetached records that the agent released a volume after
// stopping its consumer, freeing it for the next placement.
func (h *Handler) ReportVolumeDetached(ctx context.Context, meta Meta, params ReportVolumeDetached) (Result, error) {
	return h.submit(ctx, meta, func(ctx context.Context) (eventlog.AppendRequest, error) {
		volume, err := foldVolume(ctx, h.log, params.VolumeID)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		if !volume.exists {
			return eventlog.AppendRequest{}, invalid(CodeNotFound, "volume %s does not exist", params.VolumeID)
		}
		if volume.attachedTo != params.InstanceID {
			return eventlog.AppendRequest{}, invalid(CodeInvalidInput,
				"volume %s is not attached to instance %s", params.VolumeID, params.InstanceID)
		}
		event, err := pending(schema.VolumeDetached{
			VolumeID:   params.VolumeID,
			InstanceID: params.InstanceID,
		}, schema.EventVolumeDetached)
		if err != nil {
			return eventlog.AppendRequest{}, err
		}
		return eventlog.AppendRequest{
			AggregateKind: ident.KindVolume,
			AggregateID:   string(params.VolumeID),
			ExpectedSeq:   volume.head,
			Events:        []eventlog.PendingEvent{event},
		}, nil
	})
}
