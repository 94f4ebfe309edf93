// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"testing"
	"time"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/schema"
)

func newSupervisorRig(t *testing.T, c clock.Clock, strategy *fakeStrategy) (*Supervisor, *runnerRig) {
	t.Helper()
	rig := newRunnerRig(t, c, strategy)
	supervisor, err := NewSupervisor(SupervisorConfig{
		Clock:        c,
		RestartBase:  time.Second,
		RestartLimit: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	t.Cleanup(supervisor.Shutdown)
	return supervisor, rig
}

func TestSupervisorRestartsCrashedRunner(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	strategy := newFakeStrategy(schema.LifecycleAllocated)
	strategy.panicNext = 1
	supervisor, rig := newSupervisorRig(t, fake, strategy)
	rig.source.set(Desired{Lifecycle: schema.LifecycleReady, Revision: 1})

	if err := supervisor.Add(context.Background(), "inst_1", rig.mailbox, rig.runner); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// First signal makes the strategy panic; the supervisor schedules
	// a restart.
	supervisor.Signal("inst_1", 1)
	fake.WaitForWaiters(1)
	fake.Advance(30 * time.Second)

	// The restarted runner handles the next signal normally.
	if !supervisor.Signal("inst_1", 1) {
		t.Fatal("restarted runner rejected signal")
	}
	transitions := rig.recorder.waitTransitions(t, 3)
	if transitions[len(transitions)-1].to != schema.LifecycleReady {
		t.Errorf("transitions = %+v, want convergence to ready after restart", transitions)
	}
}

func TestSupervisorSignalRouting(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	supervisor, rig := newSupervisorRig(t, fake, newFakeStrategy(schema.LifecycleAllocated))

	if supervisor.Signal("inst_unknown", 1) {
		t.Error("signal to unsupervised instance accepted")
	}
	if err := supervisor.Add(context.Background(), "inst_1", rig.mailbox, rig.runner); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := supervisor.Add(context.Background(), "inst_1", NewMailbox(), rig.runner); err == nil {
		t.Error("duplicate Add accepted")
	}
	if !supervisor.Signal("inst_1", 1) {
		t.Error("signal to supervised instance rejected")
	}
	if got := supervisor.Supervised(); len(got) != 1 || got[0] != "inst_1" {
		t.Errorf("Supervised = %v, want [inst_1]", got)
	}
}

func TestSupervisorRemove(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	supervisor, rig := newSupervisorRig(t, fake, newFakeStrategy(schema.LifecycleAllocated))

	if err := supervisor.Add(context.Background(), "inst_1", rig.mailbox, rig.runner); err != nil {
		t.Fatalf("Add: %v", err)
	}
	supervisor.Remove("inst_1")
	if supervisor.Signal("inst_1", 1) {
		t.Error("signal to removed instance accepted")
	}
	if got := supervisor.Supervised(); len(got) != 0 {
		t.Errorf("Supervised = %v after remove, want empty", got)
	}
	// Removing again is harmless.
	supervisor.Remove("inst_1")
}
