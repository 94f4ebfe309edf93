// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package factstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/sqlitepool"
)

// Schema is the fact store's SQLite schema.
const Schema = `
CREATE TABLE IF NOT EXISTS feed_cursor (
    id     INTEGER PRIMARY KEY CHECK (id = 1),
    cursor INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS instance_facts (
    instance_id TEXT    PRIMARY KEY,
    lifecycle   TEXT    NOT NULL,
    desired     TEXT    NOT NULL DEFAULT '',
    revision    INTEGER NOT NULL,
    workload    BLOB    NOT NULL DEFAULT x'',
    updated_at  INTEGER NOT NULL
);
`

// InstanceFact is what the agent remembers about one instance: the
// last observed lifecycle, the desired target, and the encoded
// workload needed to rebuild the runner after a restart.
type InstanceFact struct {
	InstanceID ident.InstanceID
	Lifecycle  schema.Lifecycle
	Desired    schema.Lifecycle
	Revision   int64
	Workload   []byte
	UpdatedAt  time.Time
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Pool is the agent's local database. Its Schema must include
	// factstore.Schema.
	Pool  *sqlitepool.Pool
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store is the SQLite-backed fact store. Safe for concurrent use. It
// satisfies changefeed.CursorStore through Load and Save.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open validates the configuration and returns a Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("factstore: Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("factstore: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: cfg.Pool, clock: cfg.Clock, logger: logger}, nil
}

// Load returns the persisted feed cursor, zero when the agent has
// never followed.
func (s *Store) Load(ctx context.Context) (ident.EventID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var cursor int64
	err = sqlitex.Execute(conn, "SELECT cursor FROM feed_cursor WHERE id = 1",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cursor = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("factstore: loading cursor: %w", err)
	}
	return ident.EventID(cursor), nil
}

// Save persists the feed cursor.
func (s *Store) Save(ctx context.Context, cursor ident.EventID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO feed_cursor (id, cursor) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET cursor = excluded.cursor`,
		&sqlitex.ExecOptions{Args: []any{int64(cursor)}})
	if err != nil {
		return fmt.Errorf("factstore: saving cursor: %w", err)
	}
	return nil
}

// SetInstanceFact records an instance's latest observed state. The
// desired target and workload, if previously set, are preserved.
func (s *Store) SetInstanceFact(ctx context.Context, id ident.InstanceID, lifecycle schema.Lifecycle, revision int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO instance_facts (instance_id, lifecycle, revision, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
		    lifecycle = excluded.lifecycle,
		    revision = excluded.revision,
		    updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{string(id), string(lifecycle), revision, s.clock.Now().UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("factstore: recording fact for %s: %w", id, err)
	}
	return nil
}

// SetDesired records an instance's desired target and the workload
// that realizes it. The observed lifecycle, if previously set, is
// preserved; a fresh row starts at allocated.
func (s *Store) SetDesired(ctx context.Context, id ident.InstanceID, desired schema.Lifecycle, revision int64, workload []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO instance_facts (instance_id, lifecycle, desired, revision, workload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
		    desired = excluded.desired,
		    revision = excluded.revision,
		    workload = excluded.workload,
		    updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(id), string(schema.LifecycleAllocated), string(desired),
				revision, workload, s.clock.Now().UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("factstore: recording desired state for %s: %w", id, err)
	}
	return nil
}

// InstanceFact returns the recorded fact for id, if any.
func (s *Store) InstanceFact(ctx context.Context, id ident.InstanceID) (InstanceFact, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return InstanceFact{}, false, err
	}
	defer s.pool.Put(conn)

	var fact InstanceFact
	found := false
	err = sqlitex.Execute(conn,
		"SELECT instance_id, lifecycle, desired, revision, workload, updated_at FROM instance_facts WHERE instance_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				fact = scanFact(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return InstanceFact{}, false, fmt.Errorf("factstore: reading fact for %s: %w", id, err)
	}
	return fact, found, nil
}

// Instances returns every recorded instance fact, ordered by id. The
// agent uses this at startup to resume supervision of instances it
// already owns.
func (s *Store) Instances(ctx context.Context) ([]InstanceFact, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var facts []InstanceFact
	err = sqlitex.Execute(conn,
		"SELECT instance_id, lifecycle, desired, revision, workload, updated_at FROM instance_facts ORDER BY instance_id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				facts = append(facts, scanFact(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("factstore: listing facts: %w", err)
	}
	return facts, nil
}

// DeleteInstanceFact forgets an instance, called after garbage
// collection.
func (s *Store) DeleteInstanceFact(ctx context.Context, id ident.InstanceID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM instance_facts WHERE instance_id = ?",
		&sqlitex.ExecOptions{Args: []any{string(id)}})
	if err != nil {
		return fmt.Errorf("factstore: deleting fact for %s: %w", id, err)
	}
	return nil
}

func scanFact(stmt *sqlite.Stmt) InstanceFact {
	fact := InstanceFact{
		InstanceID: ident.InstanceID(stmt.ColumnText(0)),
		Lifecycle:  schema.Lifecycle(stmt.ColumnText(1)),
		Desired:    schema.Lifecycle(stmt.ColumnText(2)),
		Revision:   stmt.ColumnInt64(3),
		UpdatedAt:  time.Unix(0, stmt.ColumnInt64(5)).UTC(),
	}
	if n := stmt.ColumnLen(4); n > 0 {
		fact.Workload = make([]byte, n)
		stmt.ColumnBytes(4, fact.Workload)
	}
	return fact
}
