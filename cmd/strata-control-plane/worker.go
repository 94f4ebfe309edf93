// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/codec"
	"github.com/strata-cloud/strata/lib/config"
	"github.com/strata-cloud/strata/lib/eventlog"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/projection"
	"github.com/strata-cloud/strata/lib/scheduler"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/spechash"
	"github.com/strata-cloud/strata/lib/sqlitepool"
)

// viewNames are the projections one planning round needs converged.
var viewNames = []string{"nodes", "groups", "instances", "volumes"}

// WorkerConfig holds the parameters for creating a Worker.
type WorkerConfig struct {
	Pool    *sqlitepool.Pool
	Log     *eventlog.Store
	Engine  *projection.Engine
	Clock   clock.Clock
	Logger  *slog.Logger
	Overlay config.Overlay

	// Interval is the planning cadence; appends also wake the worker.
	Interval time.Duration

	// HeartbeatStaleAfter removes nodes with older reports from the
	// eligible set. FailureWindow bounds the failure counts that repel
	// placement.
	HeartbeatStaleAfter time.Duration
	FailureWindow       time.Duration
}

// Worker turns desired state into placement events: each round it
// snapshots the views, runs the planner, and appends the resulting
// allocations and drains to the log as the system actor.
type Worker struct {
	pool       *sqlitepool.Pool
	log        *eventlog.Store
	engine     *projection.Engine
	planner    *scheduler.Planner
	clock      clock.Clock
	logger     *slog.Logger
	overlay    config.Overlay
	interval   time.Duration
	staleAfter time.Duration
	failWindow time.Duration

	// unplaced holds the latest round's non-placement verdicts for the
	// status surface. Replaced wholesale each round.
	mu       sync.Mutex
	unplaced map[ident.GroupID][]scheduler.Unplaced
}

// NewWorker validates the configuration and returns a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Pool == nil || cfg.Log == nil || cfg.Engine == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("worker: Pool, Log, Engine, and Clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	staleAfter := cfg.HeartbeatStaleAfter
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}
	failWindow := cfg.FailureWindow
	if failWindow <= 0 {
		failWindow = 10 * time.Minute
	}
	return &Worker{
		pool:       cfg.Pool,
		log:        cfg.Log,
		engine:     cfg.Engine,
		planner:    scheduler.New(scheduler.DefaultWeights()),
		clock:      cfg.Clock,
		logger:     logger,
		overlay:    cfg.Overlay,
		interval:   interval,
		staleAfter: staleAfter,
		failWindow: failWindow,
		unplaced:   make(map[ident.GroupID][]scheduler.Unplaced),
	}, nil
}

// Run plans continuously until ctx is cancelled. Blocks; run it in its
// own goroutine.
func (w *Worker) Run(ctx context.Context) error {
	for {
		// Arm the wakeup before planning so an append landing mid-round
		// triggers the next one promptly.
		updated := w.log.Updated()

		if err := w.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			w.logger.Error("planning round failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updated:
		case <-w.clock.After(w.interval):
		}
	}
}

// RunOnce executes one planning round: wait for views to converge to
// the log head, snapshot, plan, apply.
func (w *Worker) RunOnce(ctx context.Context) error {
	head, err := w.log.MaxEventID(ctx)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()
	for _, name := range viewNames {
		if err := w.engine.Wait(waitCtx, name, head); err != nil {
			if errors.Is(err, projection.ErrStillConverging) {
				// Planning on a stale snapshot can only under-act;
				// the next round catches up.
				w.logger.Debug("view behind log head, skipping round", "view", name, "head", head)
				return nil
			}
			return err
		}
	}

	snap, err := w.buildSnapshot(ctx)
	if err != nil {
		return err
	}
	plan := w.planner.Reconcile(snap)
	return w.apply(ctx, snap, plan)
}

// Unplaced returns the latest round's non-placement verdicts per group.
func (w *Worker) Unplaced() map[ident.GroupID][]scheduler.Unplaced {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[ident.GroupID][]scheduler.Unplaced, len(w.unplaced))
	for id, verdicts := range w.unplaced {
		out[id] = append([]scheduler.Unplaced(nil), verdicts...)
	}
	return out
}

// buildSnapshot reads the views into the planner's immutable input.
func (w *Worker) buildSnapshot(ctx context.Context) (scheduler.Snapshot, error) {
	conn, err := w.pool.Take(ctx)
	if err != nil {
		return scheduler.Snapshot{}, err
	}
	defer w.pool.Put(conn)

	now := w.clock.Now()
	var snap scheduler.Snapshot

	failures := make(map[string]int)
	err = sqlitex.Execute(conn, `
		SELECT node_id, COUNT(*) FROM view_instance_failures
		WHERE occurred_at >= ? GROUP BY node_id`,
		&sqlitex.ExecOptions{
			Args: []any{now.Add(-w.failWindow).UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				failures[stmt.ColumnText(0)] = int(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("worker: reading failures: %w", err)
	}

	staleBefore := now.Add(-w.staleAfter).UnixNano()
	err = sqlitex.Execute(conn, `
		SELECT node_id, allocatable_bytes, cpu_weight_total, draining, last_seen_at
		FROM view_nodes ORDER BY node_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id := stmt.ColumnText(0)
				// A silent node is treated like a draining one: existing
				// instances stay, new placements go elsewhere.
				stale := stmt.ColumnInt64(4) < staleBefore
				snap.Nodes = append(snap.Nodes, scheduler.Node{
					ID:               ident.NodeID(id),
					AllocatableBytes: stmt.ColumnInt64(1),
					CPUWeightTotal:   stmt.ColumnInt64(2),
					Draining:         stmt.ColumnInt64(3) != 0 || stale,
					RecentFailures:   failures[id],
				})
				return nil
			},
		})
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("worker: reading nodes: %w", err)
	}

	err = sqlitex.Execute(conn, `
		SELECT group_id, replicas, volume_id, spec, spec_hash, revision
		FROM view_groups ORDER BY group_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				group := scheduler.Group{
					ID:       ident.GroupID(stmt.ColumnText(0)),
					Replicas: int(stmt.ColumnInt64(1)),
					VolumeID: ident.VolumeID(stmt.ColumnText(2)),
					SpecHash: spechash.Hash(stmt.ColumnText(4)),
					Revision: stmt.ColumnInt64(5),
				}
				if n := stmt.ColumnLen(3); n > 0 {
					raw := make([]byte, n)
					stmt.ColumnBytes(3, raw)
					if err := codec.Unmarshal(raw, &group.Spec); err != nil {
						return fmt.Errorf("decoding group %s spec: %w", group.ID, err)
					}
				}
				snap.Groups = append(snap.Groups, group)
				return nil
			},
		})
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("worker: reading groups: %w", err)
	}

	usedAddresses := make(map[string]bool)
	err = sqlitex.Execute(conn, `
		SELECT instance_id, group_id, node_id, spec_hash, revision, actual,
		       drain_requested, allocated_at, spec, overlay_address, desired
		FROM view_instances ORDER BY instance_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				instance := scheduler.Instance{
					ID:               ident.InstanceID(stmt.ColumnText(0)),
					GroupID:          ident.GroupID(stmt.ColumnText(1)),
					NodeID:           ident.NodeID(stmt.ColumnText(2)),
					SpecHash:         spechash.Hash(stmt.ColumnText(3)),
					Revision:         stmt.ColumnInt64(4),
					Lifecycle:        schema.Lifecycle(stmt.ColumnText(5)),
					DrainRequested:   stmt.ColumnInt64(6) != 0,
					AllocatedAt:      ident.EventID(stmt.ColumnInt64(7)),
					OverlayAddress:   stmt.ColumnText(9),
					CollectRequested: stmt.ColumnText(10) == string(schema.LifecycleGarbageCollected),
				}
				var spec schema.InstanceSpec
				raw := make([]byte, stmt.ColumnLen(8))
				stmt.ColumnBytes(8, raw)
				if err := codec.Unmarshal(raw, &spec); err != nil {
					return fmt.Errorf("decoding instance %s spec: %w", instance.ID, err)
				}
				instance.MemoryBytes = spec.Resources.MemoryBytes
				if instance.Occupies() {
					usedAddresses[instance.OverlayAddress] = true
				}
				snap.Instances = append(snap.Instances, instance)
				return nil
			},
		})
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("worker: reading instances: %w", err)
	}

	err = sqlitex.Execute(conn,
		"SELECT volume_id, home_node FROM view_volumes ORDER BY volume_id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				snap.Volumes = append(snap.Volumes, scheduler.Volume{
					ID:       ident.VolumeID(stmt.ColumnText(0)),
					HomeNode: ident.NodeID(stmt.ColumnText(1)),
				})
				return nil
			},
		})
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("worker: reading volumes: %w", err)
	}

	for i := 1; i <= w.overlay.PoolSize; i++ {
		address := overlayAddress(w.overlay.Prefix, i)
		if !usedAddresses[address] {
			snap.FreeAddresses = append(snap.FreeAddresses, address)
		}
	}
	return snap, nil
}

// overlayAddress derives the i-th pool address. Zero-padded hex keeps
// lexical order equal to allocation order.
func overlayAddress(prefix string, i int) string {
	return fmt.Sprintf("%s%04x", prefix, i)
}

// apply turns the plan into events. Sequence conflicts with concurrent
// actor reports are not errors: the affected action is simply retried
// on the next round against the fresher aggregate.
func (w *Worker) apply(ctx context.Context, snap scheduler.Snapshot, plan scheduler.Plan) error {
	for _, allocation := range plan.Allocations {
		id := ident.NewInstanceID()
		event, err := pendingEvent(schema.InstanceAllocated{
			InstanceID:     id,
			GroupID:        allocation.GroupID,
			NodeID:         allocation.NodeID,
			Spec:           allocation.Spec,
			SpecHash:       allocation.SpecHash,
			OverlayAddress: allocation.OverlayAddress,
			Revision:       allocation.Revision,
		}, schema.EventInstanceAllocated)
		if err != nil {
			return err
		}
		if _, err := w.log.Append(ctx, systemAppend(ident.KindInstance, string(id), 0, event)); err != nil {
			return fmt.Errorf("worker: allocating instance for group %s: %w", allocation.GroupID, err)
		}
		w.logger.Info("instance allocated",
			"instance", id, "group", allocation.GroupID,
			"node", allocation.NodeID, "address", allocation.OverlayAddress)

		if allocation.Spec.VolumeID != "" {
			if err := w.requestAttach(ctx, allocation.Spec.VolumeID, id); err != nil {
				return err
			}
		}
	}

	revisions := make(map[ident.InstanceID]int64, len(snap.Instances))
	for _, instance := range snap.Instances {
		revisions[instance.ID] = instance.Revision
	}
	for _, drain := range plan.Drains {
		head, err := w.log.Head(ctx, ident.KindInstance, string(drain.InstanceID))
		if err != nil {
			return err
		}
		event, err := pendingEvent(schema.InstanceDesiredStateChanged{
			InstanceID: drain.InstanceID,
			Desired:    schema.LifecycleDraining,
			Revision:   revisions[drain.InstanceID],
		}, schema.EventInstanceDesiredStateChanged)
		if err != nil {
			return err
		}
		_, err = w.log.Append(ctx, systemAppend(ident.KindInstance, string(drain.InstanceID), head, event))
		var conflict *eventlog.ConflictError
		if errors.As(err, &conflict) {
			w.logger.Debug("drain lost race with actor report, deferring",
				"instance", drain.InstanceID)
			continue
		}
		if err != nil {
			return fmt.Errorf("worker: draining instance %s: %w", drain.InstanceID, err)
		}
		w.logger.Info("instance drain requested",
			"instance", drain.InstanceID, "reason", drain.Reason)
	}

	for _, collect := range plan.Collects {
		head, err := w.log.Head(ctx, ident.KindInstance, string(collect.InstanceID))
		if err != nil {
			return err
		}
		event, err := pendingEvent(schema.InstanceDesiredStateChanged{
			InstanceID: collect.InstanceID,
			Desired:    schema.LifecycleGarbageCollected,
			Revision:   revisions[collect.InstanceID],
		}, schema.EventInstanceDesiredStateChanged)
		if err != nil {
			return err
		}
		_, err = w.log.Append(ctx, systemAppend(ident.KindInstance, string(collect.InstanceID), head, event))
		var conflict *eventlog.ConflictError
		if errors.As(err, &conflict) {
			w.logger.Debug("collection lost race with actor report, deferring",
				"instance", collect.InstanceID)
			continue
		}
		if err != nil {
			return fmt.Errorf("worker: collecting instance %s: %w", collect.InstanceID, err)
		}
		w.logger.Info("instance collection requested", "instance", collect.InstanceID)
	}

	unplaced := make(map[ident.GroupID][]scheduler.Unplaced)
	for _, verdict := range plan.Unplaced {
		unplaced[verdict.GroupID] = append(unplaced[verdict.GroupID], verdict)
		w.logger.Warn("replica not placed",
			"group", verdict.GroupID, "reason", verdict.Reason, "detail", verdict.Detail)
	}
	w.mu.Lock()
	w.unplaced = unplaced
	w.mu.Unlock()
	return nil
}

// requestAttach records the attach request on the volume aggregate. A
// conflict means someone touched the volume mid-round; the attach is
// re-derived next round.
func (w *Worker) requestAttach(ctx context.Context, volumeID ident.VolumeID, instanceID ident.InstanceID) error {
	head, err := w.log.Head(ctx, ident.KindVolume, string(volumeID))
	if err != nil {
		return err
	}
	event, err := pendingEvent(schema.VolumeAttachRequested{
		VolumeID:   volumeID,
		InstanceID: instanceID,
	}, schema.EventVolumeAttachRequested)
	if err != nil {
		return err
	}
	_, err = w.log.Append(ctx, systemAppend(ident.KindVolume, string(volumeID), head, event))
	var conflict *eventlog.ConflictError
	if errors.As(err, &conflict) {
		w.logger.Debug("attach request lost race, deferring", "volume", volumeID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: requesting attach of %s to %s: %w", volumeID, instanceID, err)
	}
	return nil
}

func pendingEvent(payload any, eventType string) (eventlog.PendingEvent, error) {
	raw, err := schema.EncodePayload(payload)
	if err != nil {
		return eventlog.PendingEvent{}, err
	}
	return eventlog.PendingEvent{EventType: eventType, EventVersion: 1, Payload: raw}, nil
}

func systemAppend(kind ident.AggregateKind, id string, head ident.AggregateSeq, events ...eventlog.PendingEvent) eventlog.AppendRequest {
	return eventlog.AppendRequest{
		AggregateKind: kind,
		AggregateID:   id,
		ExpectedSeq:   head,
		ActorKind:     ident.ActorSystem,
		ActorID:       "scheduler",
		RequestID:     ident.NewRequestID(),
		Events:        events,
	}
}
