// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package factstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-cloud/strata/lib/changefeed"
	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/sqlitepool"
)

var _ changefeed.CursorStore = (*Store)(nil)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "facts.db"),
		PoolSize: 2,
		Schema:   Schema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	store, err := Open(Config{Pool: pool, Clock: fake})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return store, fake
}

func TestCursorRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	cursor, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cursor != 0 {
		t.Fatalf("fresh cursor = %d, want 0", cursor)
	}

	if err := store.Save(ctx, 42); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, 97); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cursor, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cursor != 97 {
		t.Fatalf("cursor = %d, want 97", cursor)
	}
}

func TestInstanceFactUpsert(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	id := ident.InstanceID("inst_1")

	if _, found, err := store.InstanceFact(ctx, id); err != nil || found {
		t.Fatalf("InstanceFact before write: found=%v err=%v", found, err)
	}

	if err := store.SetInstanceFact(ctx, id, schema.LifecycleStarting, 1); err != nil {
		t.Fatalf("SetInstanceFact: %v", err)
	}
	firstWrite := fake.Now()
	fake.Advance(3 * time.Second)
	if err := store.SetInstanceFact(ctx, id, schema.LifecycleReady, 2); err != nil {
		t.Fatalf("SetInstanceFact: %v", err)
	}

	fact, found, err := store.InstanceFact(ctx, id)
	if err != nil {
		t.Fatalf("InstanceFact: %v", err)
	}
	if !found {
		t.Fatal("fact not found after write")
	}
	if fact.Lifecycle != schema.LifecycleReady {
		t.Errorf("lifecycle = %s, want ready", fact.Lifecycle)
	}
	if fact.Revision != 2 {
		t.Errorf("revision = %d, want 2", fact.Revision)
	}
	if !fact.UpdatedAt.After(firstWrite) {
		t.Errorf("UpdatedAt = %s, want after %s", fact.UpdatedAt, firstWrite)
	}
}

func TestSetDesiredPreservesObservedLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := ident.InstanceID("inst_1")
	workload := []byte{0xa1, 0x61, 0x78, 0x01}

	if err := store.SetDesired(ctx, id, schema.LifecycleReady, 3, workload); err != nil {
		t.Fatalf("SetDesired: %v", err)
	}
	fact, _, err := store.InstanceFact(ctx, id)
	if err != nil {
		t.Fatalf("InstanceFact: %v", err)
	}
	if fact.Lifecycle != schema.LifecycleAllocated {
		t.Errorf("fresh lifecycle = %s, want allocated", fact.Lifecycle)
	}
	if fact.Desired != schema.LifecycleReady || fact.Revision != 3 {
		t.Errorf("fact = %+v", fact)
	}
	if string(fact.Workload) != string(workload) {
		t.Errorf("workload = %x, want %x", fact.Workload, workload)
	}

	if err := store.SetInstanceFact(ctx, id, schema.LifecycleStarting, 3); err != nil {
		t.Fatalf("SetInstanceFact: %v", err)
	}
	if err := store.SetDesired(ctx, id, schema.LifecycleStopped, 4, workload); err != nil {
		t.Fatalf("SetDesired: %v", err)
	}
	fact, _, err = store.InstanceFact(ctx, id)
	if err != nil {
		t.Fatalf("InstanceFact: %v", err)
	}
	if fact.Lifecycle != schema.LifecycleStarting {
		t.Errorf("lifecycle = %s, want starting preserved", fact.Lifecycle)
	}
	if fact.Desired != schema.LifecycleStopped || fact.Revision != 4 {
		t.Errorf("fact = %+v", fact)
	}
}

func TestInstancesOrderedAndDeletable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"inst_c", "inst_a", "inst_b"} {
		if err := store.SetInstanceFact(ctx, ident.InstanceID(id), schema.LifecycleReady, 1); err != nil {
			t.Fatalf("SetInstanceFact(%s): %v", id, err)
		}
	}

	facts, err := store.Instances(ctx)
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	want := []ident.InstanceID{"inst_a", "inst_b", "inst_c"}
	if len(facts) != len(want) {
		t.Fatalf("len(facts) = %d, want %d", len(facts), len(want))
	}
	for i, fact := range facts {
		if fact.InstanceID != want[i] {
			t.Errorf("facts[%d] = %s, want %s", i, fact.InstanceID, want[i])
		}
	}

	if err := store.DeleteInstanceFact(ctx, "inst_b"); err != nil {
		t.Fatalf("DeleteInstanceFact: %v", err)
	}
	facts, err = store.Instances(ctx)
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("len(facts) after delete = %d, want 2", len(facts))
	}
	if _, found, _ := store.InstanceFact(ctx, "inst_b"); found {
		t.Error("deleted fact still readable")
	}
}
