// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"zombiezen.com/go/sqlite"

	"github.com/strata-cloud/strata/lib/schema"
)

// Handler folds events into one materialized view.
//
// Apply runs inside the engine's transaction: view writes made through
// conn commit atomically with the checkpoint advance. Apply must be
// deterministic and must not retain conn. Returning an error halts this
// handler (the event is retried after restart); other handlers keep
// running.
type Handler interface {
	// Name identifies the handler's checkpoint row. Must be stable
	// across restarts and unique within the engine.
	Name() string

	// Schema returns the view's CREATE TABLE IF NOT EXISTS statements,
	// applied before the first event.
	Schema() string

	// EventTypes returns the event types this handler consumes. Empty
	// means all. The checkpoint advances past skipped events either
	// way.
	EventTypes() []string

	// Apply folds one event into the view.
	Apply(conn *sqlite.Conn, env schema.Envelope) error

	// Truncate empties the view tables for a rebuild.
	Truncate(conn *sqlite.Conn) error
}
