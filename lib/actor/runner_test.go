// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
)

// startChain is the forward progression a test strategy walks.
var startChain = map[schema.Lifecycle]schema.Lifecycle{
	schema.LifecycleAllocated: schema.LifecyclePreparing,
	schema.LifecyclePreparing: schema.LifecycleStarting,
	schema.LifecycleStarting:  schema.LifecycleReady,
	schema.LifecycleFailed:    schema.LifecyclePreparing,
}

// fakeStrategy walks the lifecycle chain in memory, with optional
// scripted failures, panics, and a gate for pausing inside Apply.
type fakeStrategy struct {
	mu           sync.Mutex
	state        schema.Lifecycle
	failNext     int
	reason       schema.ReasonCode
	panicNext    int
	observeCalls int

	// gateOnce, when set, makes the first Apply block until the test
	// sends on release.
	gateOnce bool
	gated    chan Step
	release  chan struct{}
}

func newFakeStrategy(initial schema.Lifecycle) *fakeStrategy {
	return &fakeStrategy{
		state:   initial,
		reason:  schema.ReasonRuntimeTransient,
		gated:   make(chan Step, 1),
		release: make(chan struct{}),
	}
}

func (s *fakeStrategy) Observe(ctx context.Context) (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicNext > 0 {
		s.panicNext--
		panic("substrate exploded")
	}
	s.observeCalls++
	return Observation{Lifecycle: s.state}, nil
}

func (s *fakeStrategy) Diff(observed Observation, desired Desired) (Step, bool) {
	if observed.Lifecycle == desired.Lifecycle {
		return Step{}, false
	}
	next, ok := startChain[observed.Lifecycle]
	if !ok {
		return Step{}, false
	}
	return Step{From: observed.Lifecycle, To: next}, true
}

func (s *fakeStrategy) Apply(ctx context.Context, step Step) error {
	s.mu.Lock()
	gate := s.gateOnce
	s.gateOnce = false
	s.mu.Unlock()
	if gate {
		s.gated <- step
		<-s.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		s.state = schema.LifecycleFailed
		return errors.New("container runtime refused")
	}
	s.state = step.To
	return nil
}

func (s *fakeStrategy) Classify(err error) schema.ReasonCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *fakeStrategy) observed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observeCalls
}

type transition struct {
	from, to schema.Lifecycle
	reason   schema.ReasonCode
}

type failure struct {
	reason   schema.ReasonCode
	attempts int
}

// fakeRecorder captures lifecycle reports and wakes waiters on each.
type fakeRecorder struct {
	mu          sync.Mutex
	transitions []transition
	failures    []failure
	changed     chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{changed: make(chan struct{}, 64)}
}

func (r *fakeRecorder) LifecycleChanged(ctx context.Context, id ident.InstanceID, from, to schema.Lifecycle, reason schema.ReasonCode, detail string) error {
	r.mu.Lock()
	r.transitions = append(r.transitions, transition{from, to, reason})
	r.mu.Unlock()
	r.changed <- struct{}{}
	return nil
}

func (r *fakeRecorder) Failed(ctx context.Context, id ident.InstanceID, reason schema.ReasonCode, detail string, attempts int) error {
	r.mu.Lock()
	r.failures = append(r.failures, failure{reason, attempts})
	r.mu.Unlock()
	r.changed <- struct{}{}
	return nil
}

func (r *fakeRecorder) snapshot() ([]transition, []failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.transitions...), append([]failure(nil), r.failures...)
}

func (r *fakeRecorder) waitTransitions(t *testing.T, n int) []transition {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		transitions, _ := r.snapshot()
		if len(transitions) >= n {
			return transitions
		}
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %d transitions, have %v", n, transitions)
		}
	}
}

func (r *fakeRecorder) waitFailures(t *testing.T, n int) []failure {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		_, failures := r.snapshot()
		if len(failures) >= n {
			return failures
		}
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %d failures, have %v", n, failures)
		}
	}
}

// fakeSource serves desired state and counts fetches.
type fakeSource struct {
	mu      sync.Mutex
	desired Desired
	fetches int
}

func (s *fakeSource) Desired(ctx context.Context, id ident.InstanceID) (Desired, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	return s.desired, nil
}

func (s *fakeSource) set(d Desired) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired = d
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

type runnerRig struct {
	mailbox  *Mailbox
	strategy *fakeStrategy
	recorder *fakeRecorder
	source   *fakeSource
	runner   *Runner
}

func newRunnerRig(t *testing.T, c clock.Clock, strategy *fakeStrategy) *runnerRig {
	t.Helper()
	rig := &runnerRig{
		mailbox:  NewMailbox(),
		strategy: strategy,
		recorder: newFakeRecorder(),
		source:   &fakeSource{},
	}
	runner, err := NewRunner(RunnerConfig{
		InstanceID:   "inst_1",
		Mailbox:      rig.mailbox,
		Strategy:     strategy,
		Source:       rig.source,
		Recorder:     rig.recorder,
		Clock:        c,
		RetryWindow:  time.Minute,
		RetryBudget:  2,
		BackoffBase:  10 * time.Millisecond,
		BackoffLimit: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	rig.runner = runner
	return rig
}

func (rig *runnerRig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRunnerConvergesToReady(t *testing.T) {
	rig := newRunnerRig(t, clock.Real(), newFakeStrategy(schema.LifecycleAllocated))
	rig.source.set(Desired{Lifecycle: schema.LifecycleReady, Revision: 1})
	rig.start(t)

	rig.mailbox.Signal(1)
	transitions := rig.recorder.waitTransitions(t, 3)

	want := []transition{
		{schema.LifecycleAllocated, schema.LifecyclePreparing, schema.ReasonNone},
		{schema.LifecyclePreparing, schema.LifecycleStarting, schema.ReasonNone},
		{schema.LifecycleStarting, schema.LifecycleReady, schema.ReasonNone},
	}
	for i, w := range want {
		if transitions[i] != w {
			t.Errorf("transition %d = %+v, want %+v", i, transitions[i], w)
		}
	}
}

func TestRunnerAbandonsSupersededPass(t *testing.T) {
	strategy := newFakeStrategy(schema.LifecycleAllocated)
	strategy.gateOnce = true
	rig := newRunnerRig(t, clock.Real(), strategy)
	rig.source.set(Desired{Lifecycle: schema.LifecycleReady, Revision: 1})
	rig.start(t)

	rig.mailbox.Signal(1)

	// Runner is mid-Apply on the first step. A newer revision lands
	// before the step finishes.
	select {
	case <-strategy.gated:
	case <-time.After(5 * time.Second):
		t.Fatal("first Apply never started")
	}
	rig.source.set(Desired{Lifecycle: schema.LifecycleReady, Revision: 2})
	rig.mailbox.Signal(2)
	close(strategy.release)

	// The runner finishes the in-flight step, abandons the rest of the
	// pass, and starts over against revision 2.
	rig.recorder.waitTransitions(t, 3)
	if fetches := rig.source.fetchCount(); fetches != 2 {
		t.Errorf("desired state fetched %d times, want 2 (one per revision)", fetches)
	}
}

func TestRunnerDegradesAfterRetryBudget(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	strategy := newFakeStrategy(schema.LifecycleAllocated)
	strategy.failNext = 100
	rig := newRunnerRig(t, fake, strategy)
	rig.source.set(Desired{Lifecycle: schema.LifecycleReady, Revision: 1})
	rig.start(t)

	rig.mailbox.Signal(1)

	// Two transient failures sleep and retry; the third exhausts the
	// budget of two.
	for i := 0; i < 2; i++ {
		fake.WaitForWaiters(1)
		fake.Advance(time.Second)
	}
	failures := rig.recorder.waitFailures(t, 1)
	if failures[0].reason != schema.ReasonCrashLoop {
		t.Errorf("degrade reason = %s, want crash_loop", failures[0].reason)
	}
	if failures[0].attempts != 3 {
		t.Errorf("attempts = %d, want 3", failures[0].attempts)
	}
	transitions, _ := rig.recorder.snapshot()
	last := transitions[len(transitions)-1]
	if last.from != schema.LifecycleFailed || last.to != schema.LifecycleDegraded {
		t.Errorf("last transition = %+v, want failed to degraded", last)
	}

	// Parked: re-signalling the same revision does nothing.
	before := strategy.observed()
	rig.mailbox.Signal(1)
	time.Sleep(50 * time.Millisecond)
	if strategy.observed() != before {
		t.Error("degraded runner acted on a stale revision")
	}

	// A new revision resets the budget and converges.
	strategy.mu.Lock()
	strategy.failNext = 0
	strategy.mu.Unlock()
	rig.source.set(Desired{Lifecycle: schema.LifecycleReady, Revision: 2})
	rig.mailbox.Signal(2)
	transitions = rig.recorder.waitTransitions(t, len(transitions)+3)
	final := transitions[len(transitions)-1]
	if final.to != schema.LifecycleReady {
		t.Errorf("final transition = %+v, want recovery to ready", final)
	}
}

func TestRunnerPermanentFailureDegradesImmediately(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	strategy := newFakeStrategy(schema.LifecycleAllocated)
	strategy.failNext = 1
	strategy.reason = schema.ReasonRuntimePermanent
	rig := newRunnerRig(t, fake, strategy)
	rig.source.set(Desired{Lifecycle: schema.LifecycleReady, Revision: 1})
	rig.start(t)

	rig.mailbox.Signal(1)

	// No retries, no backoff sleeps: the first failure degrades.
	failures := rig.recorder.waitFailures(t, 1)
	if failures[0].reason != schema.ReasonRuntimePermanent {
		t.Errorf("reason = %s, want runtime_permanent", failures[0].reason)
	}
	if failures[0].attempts != 1 {
		t.Errorf("attempts = %d, want 1", failures[0].attempts)
	}
}

func TestRunnerShutdownInterruptsBackoff(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	strategy := newFakeStrategy(schema.LifecycleAllocated)
	strategy.failNext = 100
	rig := newRunnerRig(t, fake, strategy)
	rig.source.set(Desired{Lifecycle: schema.LifecycleReady, Revision: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.runner.Run(ctx)
	}()

	rig.mailbox.Signal(1)
	// First transient failure parks the runner in its backoff, on a
	// clock nobody advances.
	fake.WaitForWaiters(1)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner still sleeping out its backoff after shutdown")
	}
}
