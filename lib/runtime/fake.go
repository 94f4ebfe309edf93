// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
)

// Fake is an in-memory Substrate for tests and local development.
// Scripted faults let tests drive the retry and degrade paths without
// a real container runtime.
type Fake struct {
	mu        sync.Mutex
	workloads map[ident.InstanceID]*fakeWorkload
	attached  map[ident.InstanceID]ident.VolumeID
	faults    map[string][]error
}

type fakeWorkload struct {
	workload  Workload
	lifecycle schema.Lifecycle
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		workloads: make(map[ident.InstanceID]*fakeWorkload),
		attached:  make(map[ident.InstanceID]ident.VolumeID),
		faults:    make(map[string][]error),
	}
}

// FailNext queues err to be returned by the next call(s) to op
// ("prepare", "attach", "detach", "start", "await", "drain", "stop",
// "remove", "observe").
func (f *Fake) FailNext(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < times; i++ {
		f.faults[op] = append(f.faults[op], err)
	}
}

func (f *Fake) takeFault(op string) error {
	queue := f.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.faults[op] = queue[1:]
	return err
}

// Lifecycle reports the workload's current state directly, for test
// assertions.
func (f *Fake) Lifecycle(id ident.InstanceID) (schema.Lifecycle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workloads[id]
	if !ok {
		return "", false
	}
	return w.lifecycle, true
}

func (f *Fake) Prepare(ctx context.Context, workload Workload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault("prepare"); err != nil {
		return err
	}
	existing, ok := f.workloads[workload.InstanceID]
	if ok && existing.lifecycle != schema.LifecycleAllocated && existing.lifecycle != schema.LifecycleFailed {
		return Permanent("prepare", fmt.Errorf("workload %s already prepared", workload.InstanceID))
	}
	f.workloads[workload.InstanceID] = &fakeWorkload{
		workload:  workload,
		lifecycle: schema.LifecyclePreparing,
	}
	return nil
}

// Attached reports the volume currently attached to id, for test
// assertions.
func (f *Fake) Attached(id ident.InstanceID) (ident.VolumeID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	volume, ok := f.attached[id]
	return volume, ok
}

func (f *Fake) Attach(ctx context.Context, id ident.InstanceID, volume ident.VolumeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault("attach"); err != nil {
		if w, ok := f.workloads[id]; ok {
			w.lifecycle = schema.LifecycleFailed
		}
		return err
	}
	if _, ok := f.workloads[id]; !ok {
		return Permanent("attach", errors.New("workload not prepared"))
	}
	if held, ok := f.attached[id]; ok && held != volume {
		return Permanent("attach", fmt.Errorf("workload %s already holds volume %s", id, held))
	}
	f.attached[id] = volume
	return nil
}

func (f *Fake) Detach(ctx context.Context, id ident.InstanceID, volume ident.VolumeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault("detach"); err != nil {
		return err
	}
	delete(f.attached, id)
	return nil
}

func (f *Fake) Start(ctx context.Context, id ident.InstanceID) error {
	return f.advance("start", id, schema.LifecyclePreparing, schema.LifecycleStarting)
}

func (f *Fake) Await(ctx context.Context, id ident.InstanceID) error {
	return f.advance("await", id, schema.LifecycleStarting, schema.LifecycleReady)
}

func (f *Fake) Drain(ctx context.Context, id ident.InstanceID) error {
	return f.advance("drain", id, schema.LifecycleReady, schema.LifecycleDraining)
}

func (f *Fake) Stop(ctx context.Context, id ident.InstanceID) error {
	return f.advance("stop", id, schema.LifecycleDraining, schema.LifecycleStopped)
}

func (f *Fake) Remove(ctx context.Context, id ident.InstanceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault("remove"); err != nil {
		return err
	}
	w, ok := f.workloads[id]
	if !ok {
		return nil
	}
	if w.lifecycle != schema.LifecycleStopped {
		return Permanent("remove", fmt.Errorf("workload %s is %s, not stopped", id, w.lifecycle))
	}
	delete(f.workloads, id)
	delete(f.attached, id)
	return nil
}

func (f *Fake) Observe(ctx context.Context, id ident.InstanceID) (schema.Lifecycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault("observe"); err != nil {
		return "", err
	}
	w, ok := f.workloads[id]
	if !ok {
		// Never prepared, or removed.
		return schema.LifecycleAllocated, nil
	}
	return w.lifecycle, nil
}

func (f *Fake) advance(op string, id ident.InstanceID, from, to schema.Lifecycle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault(op); err != nil {
		// A scripted substrate fault leaves the workload failed, the
		// way a crashed container would.
		if w, ok := f.workloads[id]; ok {
			w.lifecycle = schema.LifecycleFailed
		}
		return err
	}
	w, ok := f.workloads[id]
	if !ok {
		return Permanent(op, errors.New("workload not prepared"))
	}
	if w.lifecycle != from && w.lifecycle != schema.LifecycleFailed {
		return Permanent(op, fmt.Errorf("workload %s is %s, want %s", id, w.lifecycle, from))
	}
	w.lifecycle = to
	return nil
}
