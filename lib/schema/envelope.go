// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"time"

	"github.com/strata-cloud/strata/lib/codec"
	"github.com/strata-cloud/strata/lib/ident"
)

// Envelope is the common metadata wrapper for every event in the log.
// Envelopes are immutable once appended: nothing in the system ever
// edits or deletes one.
type Envelope struct {
	// EventID is the global monotonic position, assigned at append.
	EventID ident.EventID `cbor:"event_id" json:"event_id"`

	// OccurredAt is when the event was appended.
	OccurredAt time.Time `cbor:"occurred_at" json:"occurred_at"`

	// AggregateKind and AggregateID name the entity this transition
	// belongs to.
	AggregateKind ident.AggregateKind `cbor:"aggregate_kind" json:"aggregate_kind"`
	AggregateID   string              `cbor:"aggregate_id" json:"aggregate_id"`

	// AggregateSeq is the gapless per-aggregate sequence, assigned at
	// append.
	AggregateSeq ident.AggregateSeq `cbor:"aggregate_seq" json:"aggregate_seq"`

	// EventType names the transition (e.g. "instance.allocated").
	// EventVersion is the payload schema version for that type.
	EventType    string `cbor:"event_type" json:"event_type"`
	EventVersion int    `cbor:"event_version" json:"event_version"`

	// ActorKind and ActorID record who caused the transition.
	ActorKind ident.ActorKind `cbor:"actor_kind" json:"actor_kind"`
	ActorID   string          `cbor:"actor_id" json:"actor_id"`

	// RequestID correlates events appended by one command.
	RequestID ident.RequestID `cbor:"request_id" json:"request_id"`

	// IdempotencyKey is the client-supplied dedup key, if any.
	IdempotencyKey string `cbor:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`

	// CausationID is the event that caused this one, if any. Used for
	// forensics, never for ordering.
	CausationID ident.EventID `cbor:"causation_id,omitempty" json:"causation_id,omitempty"`

	// Payload is the event-type-specific body, deterministic CBOR.
	// Decode through the payload registry.
	Payload codec.RawMessage `cbor:"payload" json:"-"`
}

// DecodePayload decodes the envelope's payload through the registry.
// Returns an error for (kind, type, version) combinations the registry
// does not know — unknown events are surfaced, never skipped.
func (e *Envelope) DecodePayload() (any, error) {
	return decodePayload(e.AggregateKind, e.EventType, e.EventVersion, e.Payload)
}
