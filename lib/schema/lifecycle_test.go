// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "testing"

func TestValidTransitionSteadyState(t *testing.T) {
	chain := []Lifecycle{
		LifecycleAllocated,
		LifecyclePreparing,
		LifecycleStarting,
		LifecycleReady,
		LifecycleDraining,
		LifecycleStopped,
		LifecycleGarbageCollected,
	}
	for i := 0; i < len(chain)-1; i++ {
		if !ValidTransition(chain[i], chain[i+1]) {
			t.Errorf("ValidTransition(%s, %s) = false, want true", chain[i], chain[i+1])
		}
	}
	// No skipping steps.
	if ValidTransition(LifecycleAllocated, LifecycleReady) {
		t.Error("allocated → ready allowed, want forward chain only")
	}
}

func TestValidTransitionFailurePaths(t *testing.T) {
	// Any non-terminal state may fail.
	for _, from := range []Lifecycle{
		LifecycleAllocated, LifecyclePreparing, LifecycleStarting,
		LifecycleReady, LifecycleDraining, LifecycleStopped, LifecycleDegraded,
	} {
		if !ValidTransition(from, LifecycleFailed) {
			t.Errorf("ValidTransition(%s, failed) = false, want true", from)
		}
	}
	// failed does not re-fail; it either recovers or degrades.
	if ValidTransition(LifecycleFailed, LifecycleFailed) {
		t.Error("failed → failed allowed")
	}
	if !ValidTransition(LifecycleFailed, LifecycleDegraded) {
		t.Error("failed → degraded rejected")
	}
	if ValidTransition(LifecycleReady, LifecycleDegraded) {
		t.Error("ready → degraded allowed; degraded is only reachable from failed")
	}
	// Recovery re-enters the forward chain.
	if !ValidTransition(LifecycleFailed, LifecyclePreparing) {
		t.Error("failed → preparing rejected")
	}
	if !ValidTransition(LifecycleDegraded, LifecyclePreparing) {
		t.Error("degraded → preparing rejected")
	}
}

func TestTerminalStateIsFinal(t *testing.T) {
	for _, to := range []Lifecycle{
		LifecycleAllocated, LifecyclePreparing, LifecycleReady,
		LifecycleFailed, LifecycleDegraded,
	} {
		if ValidTransition(LifecycleGarbageCollected, to) {
			t.Errorf("garbage_collected → %s allowed", to)
		}
	}
}
