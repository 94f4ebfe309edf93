// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/strata-cloud/strata/lib/actor"
	"github.com/strata-cloud/strata/lib/runtime"
	"github.com/strata-cloud/strata/lib/schema"
)

// instanceStrategy converges one workload on the node's substrate. The
// runner owns ordering and retries; the strategy only knows how to
// observe the workload and take one lifecycle step at a time.
type instanceStrategy struct {
	substrate runtime.Substrate
	workload  runtime.Workload
}

func (s *instanceStrategy) Observe(ctx context.Context) (actor.Observation, error) {
	lifecycle, err := s.substrate.Observe(ctx, s.workload.InstanceID)
	if err != nil {
		return actor.Observation{}, err
	}
	return actor.Observation{Lifecycle: lifecycle}, nil
}

func (s *instanceStrategy) Diff(observed actor.Observation, desired actor.Desired) (actor.Step, bool) {
	return nextStep(observed.Lifecycle, desired.Lifecycle)
}

func (s *instanceStrategy) Apply(ctx context.Context, step actor.Step) error {
	id := s.workload.InstanceID
	switch step.To {
	case schema.LifecyclePreparing:
		return s.substrate.Prepare(ctx, s.workload)
	case schema.LifecycleStarting:
		// The volume must be on the node before the workload runs.
		// Attach is idempotent, so a retried leg re-ensures it.
		if s.workload.VolumeID != "" {
			if err := s.substrate.Attach(ctx, id, s.workload.VolumeID); err != nil {
				return err
			}
		}
		return s.substrate.Start(ctx, id)
	case schema.LifecycleReady:
		return s.substrate.Await(ctx, id)
	case schema.LifecycleDraining:
		return s.substrate.Drain(ctx, id)
	case schema.LifecycleStopped:
		// A drained workload has quiesced; the volume is released
		// before the final stop so a failed stop retries both.
		if s.workload.VolumeID != "" {
			if err := s.substrate.Detach(ctx, id, s.workload.VolumeID); err != nil {
				return err
			}
		}
		return s.substrate.Stop(ctx, id)
	case schema.LifecycleGarbageCollected:
		return s.substrate.Remove(ctx, id)
	}
	return runtime.Permanent("apply", fmt.Errorf("no substrate operation reaches %s", step.To))
}

func (s *instanceStrategy) Classify(err error) schema.ReasonCode {
	return runtime.Classify(err)
}

// nextStep returns the next legal transition from actual toward
// target, false when the workload is already converged or cannot move
// closer. A workload still climbing toward ready when the target drops
// to stopped finishes its current leg first; draining only happens
// from ready.
func nextStep(actual, target schema.Lifecycle) (actor.Step, bool) {
	if actual == target || actual.Terminal() {
		return actor.Step{}, false
	}

	var to schema.Lifecycle
	switch actual {
	case schema.LifecycleAllocated:
		to = schema.LifecyclePreparing
	case schema.LifecyclePreparing:
		to = schema.LifecycleStarting
	case schema.LifecycleStarting:
		to = schema.LifecycleReady
	case schema.LifecycleReady:
		to = schema.LifecycleDraining
	case schema.LifecycleDraining:
		to = schema.LifecycleStopped
	case schema.LifecycleStopped:
		to = schema.LifecycleGarbageCollected
	case schema.LifecycleFailed:
		// Recovery re-enters the forward chain; a failed workload being
		// retired drains directly.
		to = schema.LifecyclePreparing
		if target == schema.LifecycleStopped || target == schema.LifecycleGarbageCollected {
			to = schema.LifecycleDraining
		}
	case schema.LifecycleDegraded:
		to = schema.LifecyclePreparing
	default:
		return actor.Step{}, false
	}

	// Moving forward past a ready target would tear the workload down;
	// ready is a resting state, not a waypoint, unless the target lies
	// beyond it.
	if actual == schema.LifecycleReady && target != schema.LifecycleStopped &&
		target != schema.LifecycleGarbageCollected {
		return actor.Step{}, false
	}
	// Likewise stopped only advances when the target is collection.
	if actual == schema.LifecycleStopped && target != schema.LifecycleGarbageCollected {
		return actor.Step{}, false
	}
	return actor.Step{From: actual, To: to}, true
}
