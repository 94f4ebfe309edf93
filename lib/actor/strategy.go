// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"

	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/spechash"
)

// Desired is the latest desired state of one resource, fetched fresh
// for every convergence pass.
type Desired struct {
	// Lifecycle is the target: ready for running instances, stopped
	// for draining ones.
	Lifecycle schema.Lifecycle

	Spec     schema.InstanceSpec
	SpecHash spechash.Hash
	Revision int64
}

// Observation is the actual state a Strategy found on the substrate.
type Observation struct {
	Lifecycle schema.Lifecycle
}

// Step is one lifecycle transition a Strategy is asked to perform.
type Step struct {
	From schema.Lifecycle
	To   schema.Lifecycle
}

// Strategy is the resource-type-specific half of a convergence loop.
// The Runner owns ordering, revision checks, retries, and event
// emission; the Strategy only knows how to look at and touch one kind
// of resource.
//
// Implementations must be safe to call from the single runner
// goroutine; they need no internal locking.
type Strategy interface {
	// Observe reports the resource's actual state.
	Observe(ctx context.Context) (Observation, error)

	// Diff returns the next step from observed toward desired. ok is
	// false when the resource is already converged.
	Diff(observed Observation, desired Desired) (step Step, ok bool)

	// Apply performs one step. The runner re-observes afterwards; Apply
	// does not report the resulting state.
	Apply(ctx context.Context, step Step) error

	// Classify maps an Apply error to the typed reason recorded with
	// the failure. Transient reasons are retried within the budget;
	// permanent ones degrade immediately.
	Classify(err error) schema.ReasonCode
}

// DesiredSource provides the latest desired state for a resource. The
// runner fetches on every wakeup rather than trusting signal payloads,
// so a lost signal can never leave it converging toward stale state.
type DesiredSource interface {
	Desired(ctx context.Context, id ident.InstanceID) (Desired, error)
}

// Recorder receives the runner's state reports. The control-plane
// implementation appends lifecycle events to the log; tests capture
// them directly.
type Recorder interface {
	LifecycleChanged(ctx context.Context, id ident.InstanceID, from, to schema.Lifecycle, reason schema.ReasonCode, detail string) error
	Failed(ctx context.Context, id ident.InstanceID, reason schema.ReasonCode, detail string, attempts int) error
}
