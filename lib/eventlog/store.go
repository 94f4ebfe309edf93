// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/sqlitepool"
)

// Schema is the event log's SQLite schema, applied idempotently per
// connection. AUTOINCREMENT guarantees global ids are never reused
// even after a crash mid-transaction; the per-aggregate UNIQUE
// constraint is the database-level backstop for the optimistic
// concurrency check.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    event_id        INTEGER PRIMARY KEY AUTOINCREMENT,
    occurred_at     INTEGER NOT NULL,
    aggregate_kind  TEXT    NOT NULL,
    aggregate_id    TEXT    NOT NULL,
    aggregate_seq   INTEGER NOT NULL,
    event_type      TEXT    NOT NULL,
    event_version   INTEGER NOT NULL,
    actor_kind      TEXT    NOT NULL,
    actor_id        TEXT    NOT NULL,
    request_id      TEXT    NOT NULL,
    idempotency_key TEXT,
    causation_id    INTEGER,
    payload         BLOB    NOT NULL,
    UNIQUE (aggregate_kind, aggregate_id, aggregate_seq)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    idempotency_key TEXT    PRIMARY KEY,
    first_event_id  INTEGER NOT NULL,
    event_count     INTEGER NOT NULL
);
`

// Store is the SQLite-backed event log. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// updated is closed and replaced on every successful append, so
	// the change feed can wait for new events without polling.
	mu      sync.Mutex
	updated chan struct{}
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Pool is the shared connection pool. The pool's Schema must
	// include eventlog.Schema (the control plane composes schemas for
	// all components sharing the database file).
	Pool *sqlitepool.Pool

	// Clock stamps OccurredAt. Required.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Open validates the configuration and returns a Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("eventlog: Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("eventlog: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		pool:    cfg.Pool,
		clock:   cfg.Clock,
		logger:  logger,
		updated: make(chan struct{}),
	}, nil
}

// Updated returns a channel that is closed after the next successful
// append. Callers re-arm by calling Updated again after the close.
func (s *Store) Updated() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated
}

func (s *Store) signalUpdated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.updated)
	s.updated = make(chan struct{})
}

// Append atomically appends req.Events to req's aggregate. Returns the
// assigned global event ids, in order.
//
// Fails with *ConflictError when req.ExpectedSeq does not match the
// aggregate's current head. Any other failure aborts the whole batch;
// partial appends are never observable.
func (s *Store) Append(ctx context.Context, req AppendRequest) ([]ident.EventID, error) {
	if len(req.Events) == 0 {
		return nil, fmt.Errorf("eventlog: append with no events")
	}
	if !req.AggregateKind.Valid() {
		return nil, fmt.Errorf("eventlog: unknown aggregate kind %q", req.AggregateKind)
	}
	if req.AggregateID == "" {
		return nil, fmt.Errorf("eventlog: empty aggregate id")
	}
	for _, event := range req.Events {
		if !schema.KnownEvent(req.AggregateKind, event.EventType, event.EventVersion) {
			return nil, fmt.Errorf("eventlog: unregistered event %s %s v%d",
				req.AggregateKind, event.EventType, event.EventVersion)
		}
	}

	ids, appended, err := s.appendTx(ctx, req)
	if err != nil {
		return nil, err
	}
	// Signal only for real appends, after the commit. Idempotent
	// replays change nothing.
	if appended {
		s.signalUpdated()
	}
	return ids, nil
}

func (s *Store) appendTx(ctx context.Context, req AppendRequest) (_ []ident.EventID, appended bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, false, fmt.Errorf("eventlog: begin append transaction: %w", err)
	}
	defer endTransaction(&err)

	// Idempotent replay: a key we have seen returns the original ids
	// with no new writes.
	if req.IdempotencyKey != "" {
		ids, found, lookupErr := s.lookupIdempotencyKey(conn, req.IdempotencyKey)
		if lookupErr != nil {
			err = lookupErr
			return nil, false, err
		}
		if found {
			return ids, false, nil
		}
	}

	head, err := s.headLocked(conn, req.AggregateKind, req.AggregateID)
	if err != nil {
		return nil, false, err
	}
	if head != req.ExpectedSeq {
		err = &ConflictError{
			AggregateKind: req.AggregateKind,
			AggregateID:   req.AggregateID,
			Expected:      req.ExpectedSeq,
			Actual:        head,
		}
		return nil, false, err
	}

	now := s.clock.Now().UnixNano()
	ids := make([]ident.EventID, 0, len(req.Events))
	for i, event := range req.Events {
		var causation any
		if event.CausationID != 0 {
			causation = int64(event.CausationID)
		}
		var idempotencyKey any
		if req.IdempotencyKey != "" {
			idempotencyKey = req.IdempotencyKey
		}
		err = sqlitex.Execute(conn, `
			INSERT INTO events (
				occurred_at, aggregate_kind, aggregate_id, aggregate_seq,
				event_type, event_version, actor_kind, actor_id,
				request_id, idempotency_key, causation_id, payload
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					now,
					string(req.AggregateKind),
					req.AggregateID,
					int64(req.ExpectedSeq) + int64(i) + 1,
					event.EventType,
					event.EventVersion,
					string(req.ActorKind),
					req.ActorID,
					string(req.RequestID),
					idempotencyKey,
					causation,
					[]byte(event.Payload),
				},
			})
		if err != nil {
			err = fmt.Errorf("eventlog: inserting %s: %w", event.EventType, err)
			return nil, false, err
		}
		ids = append(ids, ident.EventID(conn.LastInsertRowID()))
	}

	if req.IdempotencyKey != "" {
		err = sqlitex.Execute(conn,
			"INSERT INTO idempotency_keys (idempotency_key, first_event_id, event_count) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{req.IdempotencyKey, int64(ids[0]), len(ids)},
			})
		if err != nil {
			err = fmt.Errorf("eventlog: recording idempotency key: %w", err)
			return nil, false, err
		}
	}

	return ids, true, nil
}

// IdempotencyReplay reports whether key has already been used and, if
// so, the event ids it originally produced. The write path checks this
// before validating, so a replayed command short-circuits to its
// original result instead of failing validation against its own
// effects.
func (s *Store) IdempotencyReplay(ctx context.Context, key string) ([]ident.EventID, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)
	return s.lookupIdempotencyKey(conn, key)
}

// lookupIdempotencyKey returns the event ids originally assigned under
// key, if the key has been used.
func (s *Store) lookupIdempotencyKey(conn *sqlite.Conn, key string) ([]ident.EventID, bool, error) {
	var first int64
	var count int64
	found := false
	err := sqlitex.Execute(conn,
		"SELECT first_event_id, event_count FROM idempotency_keys WHERE idempotency_key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				first = stmt.ColumnInt64(0)
				count = stmt.ColumnInt64(1)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("eventlog: idempotency lookup: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	ids := make([]ident.EventID, 0, count)
	for i := int64(0); i < count; i++ {
		ids = append(ids, ident.EventID(first+i))
	}
	return ids, true, nil
}

// Head returns the current per-aggregate sequence (0 if the aggregate
// has no events).
func (s *Store) Head(ctx context.Context, kind ident.AggregateKind, id string) (ident.AggregateSeq, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	return s.headLocked(conn, kind, id)
}

func (s *Store) headLocked(conn *sqlite.Conn, kind ident.AggregateKind, id string) (ident.AggregateSeq, error) {
	var head int64
	err := sqlitex.Execute(conn,
		"SELECT COALESCE(MAX(aggregate_seq), 0) FROM events WHERE aggregate_kind = ? AND aggregate_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(kind), id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				head = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("eventlog: reading head of %s/%s: %w", kind, id, err)
	}
	return ident.AggregateSeq(head), nil
}

// ReadAggregate returns all events of one aggregate in sequence order.
func (s *Store) ReadAggregate(ctx context.Context, kind ident.AggregateKind, id string) ([]schema.Envelope, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []schema.Envelope
	err = sqlitex.Execute(conn, selectEnvelope+`
		WHERE aggregate_kind = ? AND aggregate_id = ?
		ORDER BY aggregate_seq`,
		&sqlitex.ExecOptions{
			Args: []any{string(kind), id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, scanEnvelope(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventlog: reading aggregate %s/%s: %w", kind, id, err)
	}
	return events, nil
}

// ReadSince returns up to limit events with global id greater than
// cursor, in global order. A zero cursor reads from the beginning.
func (s *Store) ReadSince(ctx context.Context, cursor ident.EventID, limit int) ([]schema.Envelope, error) {
	if limit <= 0 {
		limit = 256
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []schema.Envelope
	err = sqlitex.Execute(conn, selectEnvelope+`
		WHERE event_id > ?
		ORDER BY event_id
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(cursor), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, scanEnvelope(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventlog: reading since %d: %w", cursor, err)
	}
	return events, nil
}

// MaxEventID returns the highest assigned global id (0 for an empty
// log).
func (s *Store) MaxEventID(ctx context.Context) (ident.EventID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var max int64
	err = sqlitex.Execute(conn, "SELECT COALESCE(MAX(event_id), 0) FROM events",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				max = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("eventlog: reading max event id: %w", err)
	}
	return ident.EventID(max), nil
}

const selectEnvelope = `
	SELECT event_id, occurred_at, aggregate_kind, aggregate_id,
	       aggregate_seq, event_type, event_version, actor_kind,
	       actor_id, request_id, idempotency_key, causation_id, payload
	FROM events`

func scanEnvelope(stmt *sqlite.Stmt) schema.Envelope {
	payload := make([]byte, stmt.ColumnLen(12))
	stmt.ColumnBytes(12, payload)
	return schema.Envelope{
		EventID:        ident.EventID(stmt.ColumnInt64(0)),
		OccurredAt:     time.Unix(0, stmt.ColumnInt64(1)).UTC(),
		AggregateKind:  ident.AggregateKind(stmt.ColumnText(2)),
		AggregateID:    stmt.ColumnText(3),
		AggregateSeq:   ident.AggregateSeq(stmt.ColumnInt64(4)),
		EventType:      stmt.ColumnText(5),
		EventVersion:   int(stmt.ColumnInt64(6)),
		ActorKind:      ident.ActorKind(stmt.ColumnText(7)),
		ActorID:        stmt.ColumnText(8),
		RequestID:      ident.RequestID(stmt.ColumnText(9)),
		IdempotencyKey: stmt.ColumnText(10),
		CausationID:    ident.EventID(stmt.ColumnInt64(11)),
		Payload:        payload,
	}
}
