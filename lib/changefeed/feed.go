// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
)

// Batch is one delivery unit. Cursor is the position to resume from:
// it covers every event scanned, including ones the scope filtered
// out, so a follower with a narrow scope still advances past quiet
// stretches of the log.
type Batch struct {
	Events []schema.Envelope `cbor:"events"`
	Cursor ident.EventID     `cbor:"cursor"`
}

// Source is the log the feed reads. *eventlog.Store satisfies it.
type Source interface {
	ReadSince(ctx context.Context, cursor ident.EventID, limit int) ([]schema.Envelope, error)
	Updated() <-chan struct{}
}

// NodeResolver maps an aggregate to the node responsible for it, for
// node-scoped subscriptions: instances to the node they were placed
// on, volumes to their home node. Not found means not owned.
type NodeResolver interface {
	NodeFor(ctx context.Context, kind ident.AggregateKind, aggregateID string) (ident.NodeID, bool, error)
}

// Config holds the parameters for creating a Feed.
type Config struct {
	Source Source
	Clock  clock.Clock

	// Nodes resolves aggregate ownership for node-scoped
	// subscriptions. Without it a node scope matches only the node's
	// own aggregate and allocations naming the node.
	Nodes NodeResolver

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// BatchLimit bounds events scanned per batch. Zero means 256.
	BatchLimit int

	// PollInterval bounds the wait for new events on a quiet log when
	// no update signal arrives. Zero means one second.
	PollInterval time.Duration
}

// Feed is the filtering core shared by the pull and push surfaces.
type Feed struct {
	source Source
	nodes  NodeResolver
	clock  clock.Clock
	logger *slog.Logger
	limit  int
	poll   time.Duration
}

// NewFeed validates the configuration and returns a Feed.
func NewFeed(cfg Config) (*Feed, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("changefeed: Source is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("changefeed: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = 256
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Feed{source: cfg.Source, nodes: cfg.Nodes, clock: cfg.Clock, logger: logger, limit: limit, poll: poll}, nil
}

// Changes returns one batch of scoped events after cursor. An empty
// batch with Cursor == cursor means the follower is caught up.
func (f *Feed) Changes(ctx context.Context, cursor ident.EventID, scope Scope) (Batch, error) {
	events, err := f.source.ReadSince(ctx, cursor, f.limit)
	if err != nil {
		return Batch{}, err
	}
	batch := Batch{Cursor: cursor}
	for _, env := range events {
		batch.Cursor = env.EventID
		if !scope.Match(env) {
			continue
		}
		if scope.NodeID != "" {
			owned, err := f.ownedByNode(ctx, env, scope.NodeID)
			if err != nil {
				return Batch{}, err
			}
			if !owned {
				continue
			}
		}
		batch.Events = append(batch.Events, env)
	}
	return batch, nil
}

// ownedByNode reports whether env belongs to node's slice of the
// cluster. Allocation events carry the node in their payload; every
// other instance or volume event resolves through the NodeResolver,
// so the filter holds even for events appended before the follower's
// cursor was taken.
func (f *Feed) ownedByNode(ctx context.Context, env schema.Envelope, node ident.NodeID) (bool, error) {
	switch env.AggregateKind {
	case ident.KindNode:
		return env.AggregateID == string(node), nil
	case ident.KindInstance:
		if env.EventType == schema.EventInstanceAllocated {
			payload, err := env.DecodePayload()
			if err != nil {
				return false, fmt.Errorf("changefeed: decoding allocation %d: %w", env.EventID, err)
			}
			allocated, ok := payload.(schema.InstanceAllocated)
			return ok && allocated.NodeID == node, nil
		}
	case ident.KindVolume:
	default:
		return false, nil
	}
	if f.nodes == nil {
		return false, nil
	}
	owner, found, err := f.nodes.NodeFor(ctx, env.AggregateKind, env.AggregateID)
	if err != nil {
		return false, fmt.Errorf("changefeed: resolving owner of %s %s: %w", env.AggregateKind, env.AggregateID, err)
	}
	return found && owner == node, nil
}

// Stream delivers batches to emit until ctx ends. Batches are sent
// even when entirely filtered out, so followers checkpoint their
// cursor through quiet stretches; fully caught up, the stream goes
// silent until the log moves.
func (f *Feed) Stream(ctx context.Context, cursor ident.EventID, scope Scope, emit func(Batch) error) error {
	for {
		// Arm before reading so an append in between is not missed.
		updated := f.source.Updated()

		batch, err := f.Changes(ctx, cursor, scope)
		if err != nil {
			return err
		}
		if batch.Cursor > cursor {
			cursor = batch.Cursor
			if err := emit(batch); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updated:
		case <-f.clock.After(f.poll):
		}
	}
}
