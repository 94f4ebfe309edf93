// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strata-cloud/strata/lib/actor"
	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/codec"
	"github.com/strata-cloud/strata/lib/factstore"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/runtime"
	"github.com/strata-cloud/strata/lib/schema"
)

// controlAPI is what the agent needs from the control plane. Tests
// substitute a recording fake.
type controlAPI interface {
	Heartbeat(ctx context.Context, usedBytes, cpuWeightUsed int64) error
	ReportLifecycle(ctx context.Context, id ident.InstanceID, from, to schema.Lifecycle, reason schema.ReasonCode, detail string) error
	ReportFailed(ctx context.Context, id ident.InstanceID, reason schema.ReasonCode, detail string, attempts int) error
	ReportVolumeDetached(ctx context.Context, volume ident.VolumeID, instance ident.InstanceID) error
}

// AgentConfig holds the parameters for creating an Agent.
type AgentConfig struct {
	NodeID    ident.NodeID
	Substrate runtime.Substrate
	Facts     *factstore.Store
	Control   controlAPI
	Clock     clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// HeartbeatInterval is the usage report cadence for RunHeartbeat.
	HeartbeatInterval time.Duration
}

// Agent owns every instance placed on this node. Feed events create
// and retarget per-instance runners; runner reports flow back through
// the control plane and into the local fact store.
type Agent struct {
	nodeID     ident.NodeID
	substrate  runtime.Substrate
	facts      *factstore.Store
	control    controlAPI
	clock      clock.Clock
	logger     *slog.Logger
	supervisor *actor.Supervisor
	heartbeat  time.Duration

	mu        sync.Mutex
	instances map[ident.InstanceID]*instanceEntry
}

type instanceEntry struct {
	workload runtime.Workload
	desired  actor.Desired
	observed schema.Lifecycle
}

// NewAgent validates the configuration and returns an Agent.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("agent: NodeID is required")
	}
	if cfg.Substrate == nil || cfg.Facts == nil || cfg.Control == nil {
		return nil, fmt.Errorf("agent: Substrate, Facts, and Control are required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("agent: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	supervisor, err := actor.NewSupervisor(actor.SupervisorConfig{
		Clock:  cfg.Clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return &Agent{
		nodeID:     cfg.NodeID,
		substrate:  cfg.Substrate,
		facts:      cfg.Facts,
		control:    cfg.Control,
		clock:      cfg.Clock,
		logger:     logger.With("node", cfg.NodeID),
		supervisor: supervisor,
		heartbeat:  heartbeat,
		instances:  make(map[ident.InstanceID]*instanceEntry),
	}, nil
}

// Resume restarts supervision of every instance recorded in the fact
// store, called once before following the feed.
func (a *Agent) Resume(ctx context.Context) error {
	facts, err := a.facts.Instances(ctx)
	if err != nil {
		return err
	}
	for _, fact := range facts {
		if fact.Lifecycle.Terminal() || len(fact.Workload) == 0 {
			continue
		}
		var workload runtime.Workload
		if err := codec.Unmarshal(fact.Workload, &workload); err != nil {
			return fmt.Errorf("agent: decoding workload for %s: %w", fact.InstanceID, err)
		}
		desired := fact.Desired
		if desired == "" {
			desired = schema.LifecycleReady
		}
		entry := &instanceEntry{
			workload: workload,
			desired:  actor.Desired{Lifecycle: desired, Spec: workload.Spec, Revision: fact.Revision},
			observed: fact.Lifecycle,
		}
		if err := a.adopt(ctx, fact.InstanceID, entry); err != nil {
			return err
		}
		a.logger.Info("resumed instance",
			"instance", fact.InstanceID, "lifecycle", fact.Lifecycle, "desired", desired)
	}
	return nil
}

// HandleChange is the feed handler: one call per event, redelivery
// tolerated.
func (a *Agent) HandleChange(ctx context.Context, env schema.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return fmt.Errorf("agent: decoding event %d: %w", env.EventID, err)
	}
	switch p := payload.(type) {
	case schema.InstanceAllocated:
		if p.NodeID != a.nodeID {
			return nil
		}
		return a.handleAllocated(ctx, env, p)
	case schema.InstanceDesiredStateChanged:
		return a.handleDesiredChanged(ctx, env, p)
	}
	// Lifecycle reports, failures, and volume events are echoes of
	// state the agent already knows.
	return nil
}

func (a *Agent) handleAllocated(ctx context.Context, env schema.Envelope, p schema.InstanceAllocated) error {
	a.mu.Lock()
	_, known := a.instances[p.InstanceID]
	a.mu.Unlock()
	if known {
		// Redelivery after a crash before the cursor save.
		a.supervisor.Signal(p.InstanceID, int64(env.EventID))
		return nil
	}

	workload := runtime.Workload{
		InstanceID:     p.InstanceID,
		Spec:           p.Spec,
		OverlayAddress: p.OverlayAddress,
		VolumeID:       p.Spec.VolumeID,
	}
	encoded, err := codec.Marshal(workload)
	if err != nil {
		return fmt.Errorf("agent: encoding workload for %s: %w", p.InstanceID, err)
	}
	// Signals are ordered by the global event id: every later desired
	// state outranks every earlier one.
	revision := int64(env.EventID)
	if err := a.facts.SetDesired(ctx, p.InstanceID, schema.LifecycleReady, revision, encoded); err != nil {
		return err
	}
	entry := &instanceEntry{
		workload: workload,
		desired: actor.Desired{
			Lifecycle: schema.LifecycleReady,
			Spec:      p.Spec,
			SpecHash:  p.SpecHash,
			Revision:  revision,
		},
		observed: schema.LifecycleAllocated,
	}
	if err := a.adopt(ctx, p.InstanceID, entry); err != nil {
		return err
	}
	a.logger.Info("instance allocated", "instance", p.InstanceID, "group", p.GroupID)
	return nil
}

func (a *Agent) handleDesiredChanged(ctx context.Context, env schema.Envelope, p schema.InstanceDesiredStateChanged) error {
	a.mu.Lock()
	entry, known := a.instances[p.InstanceID]
	if !known {
		a.mu.Unlock()
		return nil
	}
	target := p.Desired
	if target == schema.LifecycleDraining {
		// A drain is an instruction to retire, not to hover: the
		// runner walks ready through draining to stopped.
		target = schema.LifecycleStopped
	}
	revision := int64(env.EventID)
	entry.desired.Lifecycle = target
	entry.desired.Revision = revision
	workload := entry.workload
	a.mu.Unlock()

	encoded, err := codec.Marshal(workload)
	if err != nil {
		return fmt.Errorf("agent: encoding workload for %s: %w", p.InstanceID, err)
	}
	if err := a.facts.SetDesired(ctx, p.InstanceID, target, revision, encoded); err != nil {
		return err
	}
	a.supervisor.Signal(p.InstanceID, revision)
	a.logger.Info("desired state changed", "instance", p.InstanceID, "desired", target)
	return nil
}

// adopt registers a runner for entry under the supervisor and signals
// its current revision.
func (a *Agent) adopt(ctx context.Context, id ident.InstanceID, entry *instanceEntry) error {
	a.mu.Lock()
	a.instances[id] = entry
	revision := entry.desired.Revision
	a.mu.Unlock()

	mailbox := actor.NewMailbox()
	runner, err := actor.NewRunner(actor.RunnerConfig{
		InstanceID: id,
		Mailbox:    mailbox,
		Strategy:   &instanceStrategy{substrate: a.substrate, workload: entry.workload},
		Source:     a,
		Recorder:   a,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	if err := a.supervisor.Add(ctx, id, mailbox, runner); err != nil {
		return err
	}
	a.supervisor.Signal(id, revision)
	return nil
}

// Desired implements actor.DesiredSource.
func (a *Agent) Desired(ctx context.Context, id ident.InstanceID) (actor.Desired, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.instances[id]
	if !ok {
		return actor.Desired{}, fmt.Errorf("agent: instance %s is not owned by this node", id)
	}
	return entry.desired, nil
}

// LifecycleChanged implements actor.Recorder: report upstream first,
// then persist the local fact.
func (a *Agent) LifecycleChanged(ctx context.Context, id ident.InstanceID, from, to schema.Lifecycle, reason schema.ReasonCode, detail string) error {
	if err := a.control.ReportLifecycle(ctx, id, from, to, reason, detail); err != nil {
		return err
	}

	a.mu.Lock()
	entry, ok := a.instances[id]
	var (
		revision int64
		volume   ident.VolumeID
	)
	if ok {
		entry.observed = to
		revision = entry.desired.Revision
		volume = entry.workload.VolumeID
	}
	a.mu.Unlock()

	if err := a.facts.SetInstanceFact(ctx, id, to, revision); err != nil {
		return err
	}
	if to == schema.LifecycleStopped && volume != "" {
		// Best effort: a lost detach resurfaces as an exclusivity
		// verdict the operator can see.
		if err := a.control.ReportVolumeDetached(ctx, volume, id); err != nil {
			a.logger.Warn("reporting volume detach", "instance", id, "volume", volume, "error", err)
		}
	}
	if to == schema.LifecycleGarbageCollected {
		if err := a.facts.DeleteInstanceFact(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Failed implements actor.Recorder.
func (a *Agent) Failed(ctx context.Context, id ident.InstanceID, reason schema.ReasonCode, detail string, attempts int) error {
	return a.control.ReportFailed(ctx, id, reason, detail, attempts)
}

// RunHeartbeat reports usage on the configured cadence until ctx ends.
func (a *Agent) RunHeartbeat(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(a.heartbeat):
		}
		usedBytes, cpuWeight := a.usage()
		if err := a.control.Heartbeat(ctx, usedBytes, cpuWeight); err != nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}
	}
}

// usage sums the committed resources of every occupying instance,
// mirroring the scheduler's accounting.
func (a *Agent) usage() (usedBytes, cpuWeight int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range a.instances {
		switch entry.observed {
		case schema.LifecycleStopped, schema.LifecycleGarbageCollected:
			continue
		}
		usedBytes += entry.workload.Spec.Resources.MemoryBytes + schema.InstanceOverheadBytes
		cpuWeight += entry.workload.Spec.Resources.CPUWeight
	}
	return usedBytes, cpuWeight
}

// Supervised returns the ids of every instance under supervision.
func (a *Agent) Supervised() []ident.InstanceID {
	return a.supervisor.Supervised()
}

// Shutdown stops every runner and waits for them to exit.
func (a *Agent) Shutdown() {
	a.supervisor.Shutdown()
}
