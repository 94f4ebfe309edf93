// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/sqlitepool"
)

// nodeScopeResolver answers the feed's ownership lookups from the
// views: instances resolve to the node they were placed on, volumes to
// their home node. It backs server-side node scoping, so an agent only
// ever receives events for its own slice of the cluster.
type nodeScopeResolver struct {
	pool *sqlitepool.Pool
}

func (r nodeScopeResolver) NodeFor(ctx context.Context, kind ident.AggregateKind, aggregateID string) (ident.NodeID, bool, error) {
	var query string
	switch kind {
	case ident.KindInstance:
		query = "SELECT node_id FROM view_instances WHERE instance_id = ?"
	case ident.KindVolume:
		query = "SELECT home_node FROM view_volumes WHERE volume_id = ?"
	default:
		return "", false, nil
	}

	conn, err := r.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer r.pool.Put(conn)

	var owner string
	found := false
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{aggregateID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			owner = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("resolving %s %s: %w", kind, aggregateID, err)
	}
	return ident.NodeID(owner), found && owner != "", nil
}
