// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"context"
	"errors"
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

// checkpointSchema holds one row per handler: the global event id the
// handler has processed through.
const checkpointSchema = `
CREATE TABLE IF NOT EXISTS projection_checkpoints (
    handler  TEXT    PRIMARY KEY,
    position INTEGER NOT NULL
);
`

// ErrStillConverging is returned by Wait when the view has not caught
// up to the requested position within the caller's deadline. The write
// is durable; only the view is behind.
var ErrStillConverging = errors.New("projection: view still converging")

// Source is the event feed the engine follows. *eventlog.Store
// satisfies it.
type Source interface {
	ReadSince(ctx context.Context, cursor ident.EventID, limit int) ([]schema.Envelope, error)
	Updated() <-chan struct{}
}

// Config holds the parameters for creating an Engine.
type Config struct {
	Pool   *sqlitepool.Pool
	Source Source
	Clock  clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	Handlers []Handler

	// BatchSize is the maximum events applied per transaction. Zero
	// means 256.
	BatchSize int

	// PollInterval bounds how long a handler waits between checks for
	// new events when no update signal arrives. Zero means one second.
	PollInterval time.Duration
}

// Engine drives a set of projection handlers over the event log. Each
// handler advances independently in its own goroutine.
type Engine struct {
	pool     *sqlitepool.Pool
	source   Source
	clock    clock.Clock
	logger   *slog.Logger
	handlers []Handler
	batch    int
	poll     time.Duration

	// positions mirrors the persisted checkpoints for Wait. progress
	// is closed and replaced on every checkpoint advance.
	mu        sync.Mutex
	positions map[string]ident.EventID
	progress  chan struct{}
}

// New validates the configuration and prepares the engine. Handler
// schemas and the checkpoint table are applied on the first Run.
func New(cfg Config) (*Engine, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("projection: Pool is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("projection: Source is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("projection: Clock is required")
	}
	if len(cfg.Handlers) == 0 {
		return nil, fmt.Errorf("projection: at least one handler is required")
	}
	seen := make(map[string]bool)
	for _, h := range cfg.Handlers {
		if h.Name() == "" {
			return nil, fmt.Errorf("projection: handler with empty name")
		}
		if seen[h.Name()] {
			return nil, fmt.Errorf("projection: duplicate handler %q", h.Name())
		}
		seen[h.Name()] = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 256
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	e := &Engine{
		pool:      cfg.Pool,
		source:    cfg.Source,
		clock:     cfg.Clock,
		logger:    logger,
		handlers:  cfg.Handlers,
		batch:     batch,
		poll:      poll,
		positions: make(map[string]ident.EventID),
		progress:  make(chan struct{}),
	}
	// Every configured handler is waitable from the start: a Wait that
	// races Run's startup blocks at position zero instead of failing as
	// an unknown handler.
	for _, h := range cfg.Handlers {
		e.positions[h.Name()] = 0
	}
	return e, nil
}

// Run applies schemas, loads checkpoints, and follows the log until ctx
// is cancelled. Blocks; run it in its own goroutine. Returns the first
// non-cancellation error from any handler loop.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.initialize(ctx); err != nil {
		return err
	}

	// A failed handler stops alone; the others keep following. Its
	// views resume from their checkpoint on the next process start.
	var wg sync.WaitGroup
	errs := make(chan error, len(e.handlers))
	for _, h := range e.handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := e.follow(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("projection handler stopped", "handler", h.Name(), "error", err)
				errs <- fmt.Errorf("projection: handler %s: %w", h.Name(), err)
			}
		}(h)
	}
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return ctx.Err()
	}
}

// initialize applies the checkpoint table and every handler's view
// schema, then loads persisted positions into memory.
func (e *Engine) initialize(ctx context.Context) error {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer e.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, checkpointSchema, nil); err != nil {
		return fmt.Errorf("projection: applying checkpoint schema: %w", err)
	}
	for _, h := range e.handlers {
		if s := h.Schema(); s != "" {
			if err := sqlitex.ExecuteScript(conn, s, nil); err != nil {
				return fmt.Errorf("projection: applying %s schema: %w", h.Name(), err)
			}
		}
		position, err := loadCheckpoint(conn, h.Name())
		if err != nil {
			return err
		}
		// Publish through advance so a Wait blocked since before Run
		// started sees the loaded checkpoint.
		e.advance(h.Name(), position)
	}
	return nil
}

// follow is one handler's apply loop.
func (e *Engine) follow(ctx context.Context, h Handler) error {
	wanted := make(map[string]bool)
	for _, typ := range h.EventTypes() {
		wanted[typ] = true
	}

	e.mu.Lock()
	position := e.positions[h.Name()]
	e.mu.Unlock()

	for {
		// Arm the update signal before reading, so an append landing
		// between the read and the wait is not missed.
		updated := e.source.Updated()

		events, err := e.source.ReadSince(ctx, position, e.batch)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			if err := e.applyBatch(ctx, h, wanted, events); err != nil {
				return err
			}
			position = events[len(events)-1].EventID
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updated:
		case <-e.clock.After(e.poll):
		}
	}
}

// applyBatch folds one batch into the view and advances the checkpoint,
// all in one transaction. The in-memory position is published only
// after the transaction commits.
func (e *Engine) applyBatch(ctx context.Context, h Handler, wanted map[string]bool, events []schema.Envelope) error {
	position := events[len(events)-1].EventID
	if err := e.applyBatchTx(ctx, h, wanted, events, position); err != nil {
		return err
	}
	e.advance(h.Name(), position)
	return nil
}

func (e *Engine) applyBatchTx(ctx context.Context, h Handler, wanted map[string]bool, events []schema.Envelope, position ident.EventID) (err error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer e.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("projection: begin apply transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, event := range events {
		if len(wanted) > 0 && !wanted[event.EventType] {
			continue
		}
		if err = h.Apply(conn, event); err != nil {
			err = fmt.Errorf("applying event %d (%s): %w", event.EventID, event.EventType, err)
			return err
		}
	}
	err = saveCheckpoint(conn, h.Name(), position)
	return err
}

// advance publishes a committed checkpoint to waiters.
func (e *Engine) advance(name string, position ident.EventID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[name] = position
	close(e.progress)
	e.progress = make(chan struct{})
}

// Checkpoint returns the named handler's committed position.
func (e *Engine) Checkpoint(name string) ident.EventID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[name]
}

// Wait blocks until the named handler's checkpoint reaches position or
// ctx expires. A deadline expiry maps to ErrStillConverging: the caller
// knows the write is durable but the view has not caught up yet.
func (e *Engine) Wait(ctx context.Context, name string, position ident.EventID) error {
	for {
		e.mu.Lock()
		current, ok := e.positions[name]
		progress := e.progress
		e.mu.Unlock()
		if !ok {
			return fmt.Errorf("projection: unknown handler %q", name)
		}
		if current >= position {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrStillConverging
			}
			return ctx.Err()
		case <-progress:
		}
	}
}

// Rebuild truncates the named handler's view and replays the full log
// into it synchronously. Call before Run (or with the engine stopped);
// the engine does not coordinate with a concurrent follow loop.
func (e *Engine) Rebuild(ctx context.Context, name string) error {
	var handler Handler
	for _, h := range e.handlers {
		if h.Name() == name {
			handler = h
			break
		}
	}
	if handler == nil {
		return fmt.Errorf("projection: unknown handler %q", name)
	}
	if err := e.initialize(ctx); err != nil {
		return err
	}
	if err := e.reset(ctx, handler); err != nil {
		return err
	}

	wanted := make(map[string]bool)
	for _, typ := range handler.EventTypes() {
		wanted[typ] = true
	}
	position := ident.EventID(0)
	for {
		events, err := e.source.ReadSince(ctx, position, e.batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			e.logger.Info("projection rebuilt", "handler", name, "position", position)
			return nil
		}
		if err := e.applyBatch(ctx, handler, wanted, events); err != nil {
			return err
		}
		position = events[len(events)-1].EventID
	}
}

// reset truncates the view and zeroes its checkpoint in one
// transaction.
func (e *Engine) reset(ctx context.Context, h Handler) error {
	if err := e.resetTx(ctx, h); err != nil {
		return err
	}
	e.advance(h.Name(), 0)
	return nil
}

func (e *Engine) resetTx(ctx context.Context, h Handler) (err error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer e.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("projection: begin reset transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = h.Truncate(conn); err != nil {
		err = fmt.Errorf("projection: truncating %s: %w", h.Name(), err)
		return err
	}
	err = saveCheckpoint(conn, h.Name(), 0)
	return err
}

func loadCheckpoint(conn *sqlite.Conn, name string) (ident.EventID, error) {
	var position int64
	err := sqlitex.Execute(conn,
		"SELECT position FROM projection_checkpoints WHERE handler = ?",
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				position = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("projection: loading checkpoint %s: %w", name, err)
	}
	return ident.EventID(position), nil
}

func saveCheckpoint(conn *sqlite.Conn, name string, position ident.EventID) error {
	err := sqlitex.Execute(conn, `
		INSERT INTO projection_checkpoints (handler, position) VALUES (?, ?)
		ON CONFLICT (handler) DO UPDATE SET position = excluded.position`,
		&sqlitex.ExecOptions{
			Args: []any{name, int64(position)},
		})
	if err != nil {
		return fmt.Errorf("projection: saving checkpoint %s: %w", name, err)
	}
	return nil
}
