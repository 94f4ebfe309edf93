// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/sqlitepool"
)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "events.db"),
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

func groupCreatedEvent(t *testing.T, groupID string) PendingEvent {
	t.Helper()
	payload, err := schema.EncodePayload(schema.GroupCreated{
		GroupID: ident.GroupID(groupID),
		Name:    groupID,
	})
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	return PendingEvent{
		EventType:    schema.EventGroupCreated,
		EventVersion: 1,
		Payload:      payload,
	}
}

func groupScaleEvent(t *testing.T, replicas int) PendingEvent {
	t.Helper()
	payload, err := schema.EncodePayload(schema.GroupScaleSet{Replicas: replicas})
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	return PendingEvent{
		EventType:    schema.EventGroupScaleSet,
		EventVersion: 1,
		Payload:      payload,
	}
}

func TestAppendAssignsSequences(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ids, err := store.Append(ctx, AppendRequest{
		AggregateKind: ident.KindGroup,
		AggregateID:   "grp_web",
		ExpectedSeq:   0,
		ActorKind:     ident.ActorUser,
		ActorID:       "alice",
		RequestID:     "req_1",
		Events: []PendingEvent{
			groupCreatedEvent(t, "grp_web"),
			groupScaleEvent(t, 3),
		},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
	if ids[1] != ids[0]+1 {
		t.Errorf("ids not contiguous: %v", ids)
	}

	events, err := store.ReadAggregate(ctx, ident.KindGroup, "grp_web")
	if err != nil {
		t.Fatalf("ReadAggregate: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for i, event := range events {
		if event.AggregateSeq != ident.AggregateSeq(i+1) {
			t.Errorf("event %d: seq = %d, want %d", i, event.AggregateSeq, i+1)
		}
	}
	if events[0].EventType != schema.EventGroupCreated {
		t.Errorf("event 0 type = %s, want %s", events[0].EventType, schema.EventGroupCreated)
	}
	if events[0].ActorID != "alice" || events[0].RequestID != "req_1" {
		t.Errorf("actor metadata lost: %+v", events[0])
	}

	head, err := store.Head(ctx, ident.KindGroup, "grp_web")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != 2 {
		t.Errorf("head = %d, want 2", head)
	}
}

func TestAppendSequenceConflict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := AppendRequest{
		AggregateKind: ident.KindGroup,
		AggregateID:   "grp_web",
		ExpectedSeq:   0,
		ActorKind:     ident.ActorUser,
		ActorID:       "alice",
		RequestID:     "req_1",
		Events:        []PendingEvent{groupCreatedEvent(t, "grp_web")},
	}
	if _, err := store.Append(ctx, first); err != nil {
		t.Fatalf("first append: %v", err)
	}

	// A second writer that also observed seq 0 must lose.
	second := first
	second.RequestID = "req_2"
	second.Events = []PendingEvent{groupScaleEvent(t, 5)}
	_, err := store.Append(ctx, second)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want *ConflictError", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Errorf("conflict = expected %d actual %d, want 0/1", conflict.Expected, conflict.Actual)
	}

	// Nothing was appended by the losing request.
	head, err := store.Head(ctx, ident.KindGroup, "grp_web")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != 1 {
		t.Errorf("head = %d after rejected append, want 1", head)
	}

	// Retry with the refreshed sequence succeeds.
	second.ExpectedSeq = 1
	if _, err := store.Append(ctx, second); err != nil {
		t.Fatalf("retry append: %v", err)
	}
}

func TestAppendBatchIsAtomic(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// A batch containing an unregistered event type appends nothing.
	_, err := store.Append(ctx, AppendRequest{
		AggregateKind: ident.KindGroup,
		AggregateID:   "grp_web",
		ExpectedSeq:   0,
		ActorKind:     ident.ActorUser,
		ActorID:       "alice",
		RequestID:     "req_1",
		Events: []PendingEvent{
			groupCreatedEvent(t, "grp_web"),
			{EventType: "group.exploded", EventVersion: 1},
		},
	})
	if err == nil {
		t.Fatal("batch with unregistered event accepted")
	}

	head, err := store.Head(ctx, ident.KindGroup, "grp_web")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != 0 {
		t.Errorf("head = %d after failed batch, want 0", head)
	}
}

func TestAppendIdempotencyReplay(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	req := AppendRequest{
		AggregateKind:  ident.KindGroup,
		AggregateID:    "grp_web",
		ExpectedSeq:    0,
		ActorKind:      ident.ActorUser,
		ActorID:        "alice",
		RequestID:      "req_1",
		IdempotencyKey: "create-grp-web",
		Events: []PendingEvent{
			groupCreatedEvent(t, "grp_web"),
			groupScaleEvent(t, 3),
		},
	}
	first, err := store.Append(ctx, req)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	// The replayed request returns the original ids even with a now
	// stale ExpectedSeq, and appends nothing.
	replay, err := store.Append(ctx, req)
	if err != nil {
		t.Fatalf("replayed append: %v", err)
	}
	if len(replay) != len(first) {
		t.Fatalf("replay returned %d ids, want %d", len(replay), len(first))
	}
	for i := range first {
		if replay[i] != first[i] {
			t.Errorf("replay id %d = %d, want %d", i, replay[i], first[i])
		}
	}

	head, err := store.Head(ctx, ident.KindGroup, "grp_web")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != 2 {
		t.Errorf("head = %d after replay, want 2", head)
	}
}

func TestReadSinceGlobalOrder(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	for i, group := range []string{"grp_a", "grp_b", "grp_c"} {
		fake.Advance(time.Second)
		_, err := store.Append(ctx, AppendRequest{
			AggregateKind: ident.KindGroup,
			AggregateID:   group,
			ExpectedSeq:   0,
			ActorKind:     ident.ActorSystem,
			ActorID:       "scheduler",
			RequestID:     ident.RequestID("req_" + group),
			Events:        []PendingEvent{groupCreatedEvent(t, group)},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := store.ReadSince(ctx, 0, 100)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].EventID <= all[i-1].EventID {
			t.Fatalf("ids out of order: %d then %d", all[i-1].EventID, all[i].EventID)
		}
		if all[i].OccurredAt.Before(all[i-1].OccurredAt) {
			t.Errorf("timestamps out of order at %d", i)
		}
	}

	// Resume from a mid-log cursor.
	tail, err := store.ReadSince(ctx, all[0].EventID, 100)
	if err != nil {
		t.Fatalf("ReadSince from cursor: %v", err)
	}
	if len(tail) != 2 || tail[0].EventID != all[1].EventID {
		t.Errorf("cursor read = %d events starting at %d, want 2 starting at %d",
			len(tail), tail[0].EventID, all[1].EventID)
	}

	// Limit truncates without skipping.
	limited, err := store.ReadSince(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ReadSince with limit: %v", err)
	}
	if len(limited) != 2 || limited[0].EventID != all[0].EventID {
		t.Errorf("limited read returned wrong window")
	}

	max, err := store.MaxEventID(ctx)
	if err != nil {
		t.Fatalf("MaxEventID: %v", err)
	}
	if max != all[2].EventID {
		t.Errorf("MaxEventID = %d, want %d", max, all[2].EventID)
	}
}

func TestUpdatedSignalsAfterAppend(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	updated := store.Updated()
	select {
	case <-updated:
		t.Fatal("Updated fired before any append")
	default:
	}

	_, err := store.Append(ctx, AppendRequest{
		AggregateKind: ident.KindGroup,
		AggregateID:   "grp_web",
		ExpectedSeq:   0,
		ActorKind:     ident.ActorUser,
		ActorID:       "alice",
		RequestID:     "req_1",
		Events:        []PendingEvent{groupCreatedEvent(t, "grp_web")},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("Updated did not fire after append")
	}
}
