// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/strata-cloud/strata/lib/codec"
	"github.com/strata-cloud/strata/lib/schema"
)

// The concrete projection handlers. Each maintains one queryable view
// of the log; all of them are rebuildable from scratch via
// Engine.Rebuild. Apply bodies use INSERT OR REPLACE and absolute
// UPDATEs so replaying an already-applied event is harmless.

// nodesView tracks enrollment, capacity, drain state, and heartbeat
// recency per node.
type nodesView struct{}

func (nodesView) Name() string { return "nodes" }

func (nodesView) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS view_nodes (
    node_id           TEXT    PRIMARY KEY,
    allocatable_bytes INTEGER NOT NULL,
    cpu_weight_total  INTEGER NOT NULL,
    draining          INTEGER NOT NULL DEFAULT 0,
    used_bytes        INTEGER NOT NULL DEFAULT 0,
    cpu_weight_used   INTEGER NOT NULL DEFAULT 0,
    last_seen_at      INTEGER NOT NULL
);
`
}

func (nodesView) EventTypes() []string {
	return []string{schema.EventNodeEnrolled, schema.EventNodeHeartbeat, schema.EventNodeDrained}
}

func (nodesView) Apply(conn *sqlite.Conn, env schema.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case schema.NodeEnrolled:
		return sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO view_nodes
			    (node_id, allocatable_bytes, cpu_weight_total, draining, used_bytes, cpu_weight_used, last_seen_at)
			VALUES (?, ?, ?, 0, 0, 0, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(p.NodeID), p.AllocatableBytes, p.CPUWeightTotal, env.OccurredAt.UnixNano(),
			}})
	case schema.NodeHeartbeat:
		return sqlitex.Execute(conn, `
			UPDATE view_nodes
			SET used_bytes = ?, cpu_weight_used = ?, last_seen_at = ?
			WHERE node_id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				p.UsedBytes, p.CPUWeightUsed, p.ReportedAt.UnixNano(), string(p.NodeID),
			}})
	case schema.NodeDrained:
		return sqlitex.Execute(conn,
			"UPDATE view_nodes SET draining = 1 WHERE node_id = ?",
			&sqlitex.ExecOptions{Args: []any{string(p.NodeID)}})
	}
	return fmt.Errorf("unexpected payload %T", payload)
}

func (nodesView) Truncate(conn *sqlite.Conn) error {
	return sqlitex.Execute(conn, "DELETE FROM view_nodes", nil)
}

// groupsView tracks each group's desired state: scale plus the latest
// release's spec, hash, and revision.
type groupsView struct{}

func (groupsView) Name() string { return "groups" }

func (groupsView) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS view_groups (
    group_id  TEXT    PRIMARY KEY,
    name      TEXT    NOT NULL,
    volume_id TEXT    NOT NULL DEFAULT '',
    replicas  INTEGER NOT NULL DEFAULT 0,
    spec      BLOB,
    spec_hash TEXT    NOT NULL DEFAULT '',
    revision  INTEGER NOT NULL DEFAULT 0
);
`
}

func (groupsView) EventTypes() []string {
	return []string{schema.EventGroupCreated, schema.EventGroupScaleSet, schema.EventGroupReleaseSet}
}

func (groupsView) Apply(conn *sqlite.Conn, env schema.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case schema.GroupCreated:
		return sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO view_groups (group_id, name, volume_id)
			VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{string(p.GroupID), p.Name, string(p.VolumeID)}})
	case schema.GroupScaleSet:
		return sqlitex.Execute(conn,
			"UPDATE view_groups SET replicas = ? WHERE group_id = ?",
			&sqlitex.ExecOptions{Args: []any{p.Replicas, string(p.GroupID)}})
	case schema.GroupReleaseSet:
		spec, err := codec.Marshal(p.Spec)
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE view_groups SET spec = ?, spec_hash = ?, revision = ?
			WHERE group_id = ?`,
			&sqlitex.ExecOptions{Args: []any{spec, string(p.SpecHash), p.Revision, string(p.GroupID)}})
	}
	return fmt.Errorf("unexpected payload %T", payload)
}

func (groupsView) Truncate(conn *sqlite.Conn) error {
	return sqlitex.Execute(conn, "DELETE FROM view_groups", nil)
}

// instancesView tracks desired and actual lifecycle per instance, as
// two separate columns, plus a failure history table the snapshot
// builder scores nodes with.
type instancesView struct{}

func (instancesView) Name() string { return "instances" }

func (instancesView) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS view_instances (
    instance_id     TEXT    PRIMARY KEY,
    group_id        TEXT    NOT NULL,
    node_id         TEXT    NOT NULL,
    spec            BLOB    NOT NULL,
    spec_hash       TEXT    NOT NULL,
    revision        INTEGER NOT NULL,
    overlay_address TEXT    NOT NULL,
    desired         TEXT    NOT NULL,
    actual          TEXT    NOT NULL,
    reason          TEXT    NOT NULL DEFAULT '',
    detail          TEXT    NOT NULL DEFAULT '',
    drain_requested INTEGER NOT NULL DEFAULT 0,
    allocated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS view_instance_failures (
    event_id    INTEGER PRIMARY KEY,
    instance_id TEXT    NOT NULL,
    node_id     TEXT    NOT NULL,
    reason      TEXT    NOT NULL,
    occurred_at INTEGER NOT NULL
);
`
}

func (instancesView) EventTypes() []string {
	return []string{
		schema.EventInstanceAllocated,
		schema.EventInstanceDesiredStateChanged,
		schema.EventInstanceLifecycleChanged,
		schema.EventInstanceFailed,
	}
}

func (instancesView) Apply(conn *sqlite.Conn, env schema.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case schema.InstanceAllocated:
		spec, err := codec.Marshal(p.Spec)
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO view_instances
			    (instance_id, group_id, node_id, spec, spec_hash, revision,
			     overlay_address, desired, actual, allocated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(p.InstanceID), string(p.GroupID), string(p.NodeID),
				spec, string(p.SpecHash), p.Revision, p.OverlayAddress,
				string(schema.LifecycleReady), string(schema.LifecycleAllocated),
				int64(env.EventID),
			}})
	case schema.InstanceDesiredStateChanged:
		drain := 0
		if p.Desired == schema.LifecycleDraining {
			drain = 1
		}
		return sqlitex.Execute(conn, `
			UPDATE view_instances
			SET desired = ?, revision = ?, drain_requested = max(drain_requested, ?)
			WHERE instance_id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(p.Desired), p.Revision, drain, string(p.InstanceID),
			}})
	case schema.InstanceLifecycleChanged:
		if p.To == schema.LifecycleGarbageCollected {
			// Collection is the end of the instance's record; the
			// failure history stays for node scoring.
			return sqlitex.Execute(conn,
				"DELETE FROM view_instances WHERE instance_id = ?",
				&sqlitex.ExecOptions{Args: []any{string(p.InstanceID)}})
		}
		return sqlitex.Execute(conn, `
			UPDATE view_instances SET actual = ?, reason = ?, detail = ?
			WHERE instance_id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(p.To), string(p.Reason), p.Detail, string(p.InstanceID),
			}})
	case schema.InstanceFailed:
		var nodeID string
		err := sqlitex.Execute(conn,
			"SELECT node_id FROM view_instances WHERE instance_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{string(p.InstanceID)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					nodeID = stmt.ColumnText(0)
					return nil
				},
			})
		if err != nil {
			return err
		}
		if err := sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO view_instance_failures
			    (event_id, instance_id, node_id, reason, occurred_at)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				int64(env.EventID), string(p.InstanceID), nodeID,
				string(p.Reason), env.OccurredAt.UnixNano(),
			}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE view_instances SET reason = ?, detail = ? WHERE instance_id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(p.Reason), p.Detail, string(p.InstanceID)}})
	}
	return fmt.Errorf("unexpected payload %T", payload)
}

func (instancesView) Truncate(conn *sqlite.Conn) error {
	if err := sqlitex.Execute(conn, "DELETE FROM view_instances", nil); err != nil {
		return err
	}
	return sqlitex.Execute(conn, "DELETE FROM view_instance_failures", nil)
}

// volumesView tracks each volume's home node binding and current
// attachment.
type volumesView struct{}

func (volumesView) Name() string { return "volumes" }

func (volumesView) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS view_volumes (
    volume_id         TEXT    PRIMARY KEY,
    size_bytes        INTEGER NOT NULL,
    home_node         TEXT    NOT NULL DEFAULT '',
    attached_instance TEXT    NOT NULL DEFAULT ''
);
`
}

func (volumesView) EventTypes() []string {
	return []string{
		schema.EventVolumeCreated, schema.EventVolumeBound,
		schema.EventVolumeAttachRequested, schema.EventVolumeDetached,
	}
}

func (volumesView) Apply(conn *sqlite.Conn, env schema.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case schema.VolumeCreated:
		return sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO view_volumes (volume_id, size_bytes) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{string(p.VolumeID), p.SizeBytes}})
	case schema.VolumeBound:
		return sqlitex.Execute(conn,
			"UPDATE view_volumes SET home_node = ? WHERE volume_id = ?",
			&sqlitex.ExecOptions{Args: []any{string(p.NodeID), string(p.VolumeID)}})
	case schema.VolumeAttachRequested:
		return sqlitex.Execute(conn,
			"UPDATE view_volumes SET attached_instance = ? WHERE volume_id = ?",
			&sqlitex.ExecOptions{Args: []any{string(p.InstanceID), string(p.VolumeID)}})
	case schema.VolumeDetached:
		return sqlitex.Execute(conn,
			"UPDATE view_volumes SET attached_instance = '' WHERE volume_id = ?",
			&sqlitex.ExecOptions{Args: []any{string(p.VolumeID)}})
	}
	return fmt.Errorf("unexpected payload %T", payload)
}

func (volumesView) Truncate(conn *sqlite.Conn) error {
	return sqlitex.Execute(conn, "DELETE FROM view_volumes", nil)
}
