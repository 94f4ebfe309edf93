// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"reflect"
	"strconv"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/strata-cloud/strata/lib/command"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/projection"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/spechash"
)

// queryOne runs sql and returns the first row's columns as text.
func (r *controlRig) queryOne(t *testing.T, sql string, args ...any) []string {
	t.Helper()
	conn, err := r.pool.Take(context.Background())
	if err != nil {
		t.Fatalf("taking conn: %v", err)
	}
	defer r.pool.Put(conn)

	var row []string
	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if row == nil {
				for i := 0; i < stmt.ColumnCount(); i++ {
					row = append(row, stmt.ColumnText(i))
				}
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("query %q: %v", sql, err)
	}
	if row == nil {
		t.Fatalf("query %q returned no rows", sql)
	}
	return row
}

func (r *controlRig) count(t *testing.T, sql string, args ...any) int {
	t.Helper()
	row := r.queryOne(t, sql, args...)
	n, err := strconv.Atoi(row[0])
	if err != nil {
		t.Fatalf("non-numeric count %q", row[0])
	}
	return n
}

func TestNodesViewTracksLifecycle(t *testing.T) {
	rig := newControlRig(t)
	ctx := context.Background()

	rig.mustEnroll(t, "node-a", 4<<30)
	if _, err := rig.commands.RecordHeartbeat(ctx, rig.meta(), command.RecordHeartbeat{
		NodeID:    "node-a",
		UsedBytes: 1 << 30,
	}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := rig.commands.DrainNode(ctx, rig.meta(), command.DrainNode{
		NodeID: "node-a",
		Reason: "maintenance",
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	rig.waitAll(t)

	row := rig.queryOne(t,
		"SELECT allocatable_bytes, used_bytes, draining FROM view_nodes WHERE node_id = ?", "node-a")
	if row[0] != "4294967296" {
		t.Errorf("allocatable = %s", row[0])
	}
	if row[1] != "1073741824" {
		t.Errorf("used = %s", row[1])
	}
	if row[2] != "1" {
		t.Errorf("draining = %s, want 1", row[2])
	}
}

func TestGroupsViewTracksRelease(t *testing.T) {
	rig := newControlRig(t)

	rig.mustCreateGroup(t, "grp_web", "")
	rig.mustScale(t, "grp_web", 3)
	spec := webSpec("web:v1")
	rig.mustRelease(t, "grp_web", spec)
	rig.waitAll(t)

	row := rig.queryOne(t,
		"SELECT name, replicas, spec_hash, revision FROM view_groups WHERE group_id = ?", "grp_web")
	if row[0] != "grp_web" || row[1] != "3" || row[3] != "1" {
		t.Errorf("row = %v", row)
	}
	wantHash, err := spechash.Compute(spec)
	if err != nil {
		t.Fatal(err)
	}
	if row[2] != string(wantHash) {
		t.Errorf("spec_hash = %s, want %s", row[2], wantHash)
	}
}

func TestInstancesViewTracksDesiredAndActual(t *testing.T) {
	rig := newControlRig(t)
	ctx := context.Background()

	spec := webSpec("web:v1")
	hash, err := spechash.Compute(spec)
	if err != nil {
		t.Fatal(err)
	}
	allocated, err := pendingEvent(schema.InstanceAllocated{
		InstanceID:     "inst_1",
		GroupID:        "grp_web",
		NodeID:         "node-a",
		Spec:           spec,
		SpecHash:       hash,
		OverlayAddress: "fdaa::0001",
		Revision:       1,
	}, schema.EventInstanceAllocated)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.log.Append(ctx, systemAppend(ident.KindInstance, "inst_1", 0, allocated)); err != nil {
		t.Fatalf("appending allocation: %v", err)
	}

	started, err := pendingEvent(schema.InstanceLifecycleChanged{
		InstanceID: "inst_1",
		From:       schema.LifecycleAllocated,
		To:         schema.LifecyclePreparing,
	}, schema.EventInstanceLifecycleChanged)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.log.Append(ctx, systemAppend(ident.KindInstance, "inst_1", 1, started)); err != nil {
		t.Fatalf("appending transition: %v", err)
	}

	failed, err := pendingEvent(schema.InstanceFailed{
		InstanceID: "inst_1",
		Reason:     schema.ReasonRuntimeTransient,
		Detail:     "image pull timed out",
		Attempts:   1,
	}, schema.EventInstanceFailed)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.log.Append(ctx, systemAppend(ident.KindInstance, "inst_1", 2, failed)); err != nil {
		t.Fatalf("appending failure: %v", err)
	}
	rig.waitAll(t)

	row := rig.queryOne(t,
		"SELECT desired, actual, reason, detail, node_id FROM view_instances WHERE instance_id = ?", "inst_1")
	if row[0] != string(schema.LifecycleReady) {
		t.Errorf("desired = %s, want ready", row[0])
	}
	if row[1] != string(schema.LifecyclePreparing) {
		t.Errorf("actual = %s, want preparing", row[1])
	}
	if row[2] != string(schema.ReasonRuntimeTransient) {
		t.Errorf("reason = %s", row[2])
	}

	failure := rig.queryOne(t,
		"SELECT node_id, reason FROM view_instance_failures WHERE instance_id = ?", "inst_1")
	if failure[0] != "node-a" || failure[1] != string(schema.ReasonRuntimeTransient) {
		t.Errorf("failure row = %v", failure)
	}
}

func TestVolumesViewTracksBindingAndAttachment(t *testing.T) {
	rig := newControlRig(t)
	ctx := context.Background()

	rig.mustEnroll(t, "node-a", 4<<30)
	if _, err := rig.commands.CreateVolume(ctx, rig.meta(), command.CreateVolume{
		VolumeID:  "vol_data",
		SizeBytes: 10 << 30,
	}); err != nil {
		t.Fatalf("creating volume: %v", err)
	}
	if _, err := rig.commands.BindVolume(ctx, rig.meta(), command.BindVolume{
		VolumeID: "vol_data",
		NodeID:   "node-a",
	}); err != nil {
		t.Fatalf("binding volume: %v", err)
	}

	head, err := rig.log.Head(ctx, ident.KindVolume, "vol_data")
	if err != nil {
		t.Fatal(err)
	}
	attach, err := pendingEvent(schema.VolumeAttachRequested{
		VolumeID:   "vol_data",
		InstanceID: "inst_1",
	}, schema.EventVolumeAttachRequested)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.log.Append(ctx, systemAppend(ident.KindVolume, "vol_data", head, attach)); err != nil {
		t.Fatalf("appending attach request: %v", err)
	}
	rig.waitAll(t)

	row := rig.queryOne(t,
		"SELECT home_node, attached_instance FROM view_volumes WHERE volume_id = ?", "vol_data")
	if row[0] != "node-a" || row[1] != "inst_1" {
		t.Errorf("row = %v", row)
	}

	detach, err := pendingEvent(schema.VolumeDetached{
		VolumeID:   "vol_data",
		InstanceID: "inst_1",
	}, schema.EventVolumeDetached)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.log.Append(ctx, systemAppend(ident.KindVolume, "vol_data", head+1, detach)); err != nil {
		t.Fatalf("appending detach: %v", err)
	}
	rig.waitAll(t)

	row = rig.queryOne(t,
		"SELECT attached_instance FROM view_volumes WHERE volume_id = ?", "vol_data")
	if row[0] != "" {
		t.Errorf("attached_instance = %q after detach, want empty", row[0])
	}
}

// Redelivery happens whenever the engine restarts between applying a
// batch and writing its checkpoint. Replaying the same ordered events
// must land every view back in the same state.
func TestViewsTolerateRedelivery(t *testing.T) {
	rig := newControlRig(t)
	ctx := context.Background()

	rig.mustEnroll(t, "node-a", 4<<30)
	if _, err := rig.commands.RecordHeartbeat(ctx, rig.meta(), command.RecordHeartbeat{
		NodeID:    "node-a",
		UsedBytes: 1 << 30,
	}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	rig.mustCreateGroup(t, "grp_web", "")
	rig.mustScale(t, "grp_web", 1)
	spec := webSpec("web:v1")
	rig.mustRelease(t, "grp_web", spec)
	if _, err := rig.commands.CreateVolume(ctx, rig.meta(), command.CreateVolume{
		VolumeID:  "vol_data",
		SizeBytes: 10 << 30,
	}); err != nil {
		t.Fatalf("creating volume: %v", err)
	}
	if _, err := rig.commands.BindVolume(ctx, rig.meta(), command.BindVolume{
		VolumeID: "vol_data",
		NodeID:   "node-a",
	}); err != nil {
		t.Fatalf("binding volume: %v", err)
	}

	hash, err := spechash.Compute(spec)
	if err != nil {
		t.Fatal(err)
	}
	allocated, err := pendingEvent(schema.InstanceAllocated{
		InstanceID:     "inst_1",
		GroupID:        "grp_web",
		NodeID:         "node-a",
		Spec:           spec,
		SpecHash:       hash,
		OverlayAddress: "fdaa::0001",
		Revision:       1,
	}, schema.EventInstanceAllocated)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.log.Append(ctx, systemAppend(ident.KindInstance, "inst_1", 0, allocated)); err != nil {
		t.Fatalf("appending allocation: %v", err)
	}
	failed, err := pendingEvent(schema.InstanceFailed{
		InstanceID: "inst_1",
		Reason:     schema.ReasonRuntimeTransient,
		Detail:     "image pull timed out",
		Attempts:   1,
	}, schema.EventInstanceFailed)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.log.Append(ctx, systemAppend(ident.KindInstance, "inst_1", 1, failed)); err != nil {
		t.Fatalf("appending failure: %v", err)
	}
	head, err := rig.log.Head(ctx, ident.KindVolume, "vol_data")
	if err != nil {
		t.Fatal(err)
	}
	attach, err := pendingEvent(schema.VolumeAttachRequested{
		VolumeID:   "vol_data",
		InstanceID: "inst_1",
	}, schema.EventVolumeAttachRequested)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.log.Append(ctx, systemAppend(ident.KindVolume, "vol_data", head, attach)); err != nil {
		t.Fatalf("appending attach request: %v", err)
	}
	rig.waitAll(t)

	snapshot := func() [][]string {
		return [][]string{
			rig.queryOne(t, "SELECT * FROM view_nodes WHERE node_id = ?", "node-a"),
			rig.queryOne(t, "SELECT * FROM view_groups WHERE group_id = ?", "grp_web"),
			rig.queryOne(t, "SELECT * FROM view_instances WHERE instance_id = ?", "inst_1"),
			rig.queryOne(t, "SELECT * FROM view_volumes WHERE volume_id = ?", "vol_data"),
		}
	}
	before := snapshot()
	failuresBefore := rig.count(t, "SELECT COUNT(*) FROM view_instance_failures")

	events, err := rig.log.ReadSince(ctx, 0, 256)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	conn, err := rig.pool.Take(ctx)
	if err != nil {
		t.Fatalf("taking conn: %v", err)
	}
	handlers := []projection.Handler{nodesView{}, groupsView{}, instancesView{}, volumesView{}}
	for _, handler := range handlers {
		handled := make(map[string]bool)
		for _, eventType := range handler.EventTypes() {
			handled[eventType] = true
		}
		for _, env := range events {
			if !handled[env.EventType] {
				continue
			}
			if err := handler.Apply(conn, env); err != nil {
				rig.pool.Put(conn)
				t.Fatalf("reapplying %s to %s: %v", env.EventType, handler.Name(), err)
			}
		}
	}
	rig.pool.Put(conn)

	if after := snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("views diverged on redelivery:\nbefore %v\nafter  %v", before, after)
	}
	if n := rig.count(t, "SELECT COUNT(*) FROM view_instance_failures"); n != failuresBefore {
		t.Errorf("failure rows = %d after redelivery, want %d", n, failuresBefore)
	}
}
