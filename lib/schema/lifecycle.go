// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// Lifecycle is an instance's position in the convergence state
// machine. Desired and actual lifecycle are always tracked as two
// separate fields; they are never merged into one ambiguous value.
type Lifecycle string

const (
	LifecycleAllocated        Lifecycle = "allocated"
	LifecyclePreparing        Lifecycle = "preparing"
	LifecycleStarting         Lifecycle = "starting"
	LifecycleReady            Lifecycle = "ready"
	LifecycleDraining         Lifecycle = "draining"
	LifecycleStopped          Lifecycle = "stopped"
	LifecycleGarbageCollected Lifecycle = "garbage_collected"

	// LifecycleFailed is reachable from any non-terminal state; the
	// actor retries with backoff up to its budget.
	LifecycleFailed Lifecycle = "failed"

	// LifecycleDegraded means the retry budget is exhausted. The
	// instance stops auto-retrying until a new desired-state revision
	// arrives.
	LifecycleDegraded Lifecycle = "degraded"
)

// Terminal reports whether l is an end state from which no further
// transitions occur.
func (l Lifecycle) Terminal() bool {
	return l == LifecycleGarbageCollected
}

// forwardTransitions is the steady-state progression. failed and
// degraded are handled separately below.
var forwardTransitions = map[Lifecycle][]Lifecycle{
	LifecycleAllocated: {LifecyclePreparing},
	LifecyclePreparing: {LifecycleStarting},
	LifecycleStarting:  {LifecycleReady},
	LifecycleReady:     {LifecycleDraining},
	LifecycleDraining:  {LifecycleStopped},
	LifecycleStopped:   {LifecycleGarbageCollected},
	// Recovery: a failed instance that converges re-enters the chain
	// at preparing; a degraded one needs a new revision first, which
	// also resumes at preparing.
	LifecycleFailed:   {LifecyclePreparing, LifecycleDraining},
	LifecycleDegraded: {LifecyclePreparing},
}

// ValidTransition reports whether from → to is a legal lifecycle
// transition. Any non-terminal state may move to failed; failed moves
// to degraded only when the retry budget is exhausted.
func ValidTransition(from, to Lifecycle) bool {
	if from.Terminal() {
		return false
	}
	if to == LifecycleFailed {
		return from != LifecycleFailed
	}
	if to == LifecycleDegraded {
		return from == LifecycleFailed
	}
	for _, next := range forwardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReasonCode is the typed explanation attached to failures and
// non-placements. Every non-converged resource carries one; states
// that are simply wrong with no explanation are forbidden.
type ReasonCode string

const (
	ReasonNone                 ReasonCode = ""
	ReasonCapacity             ReasonCode = "capacity"
	ReasonLocalityConflict     ReasonCode = "locality_conflict"
	ReasonExclusivityConflict  ReasonCode = "exclusivity_conflict"
	ReasonAddressPoolExhausted ReasonCode = "address_pool_exhausted"
	ReasonMissingDependency    ReasonCode = "missing_dependency"
	ReasonRuntimeTransient     ReasonCode = "runtime_transient"
	ReasonRuntimePermanent     ReasonCode = "runtime_permanent"
	ReasonValidation           ReasonCode = "validation"
	ReasonCrashLoop            ReasonCode = "crash_loop"
)
