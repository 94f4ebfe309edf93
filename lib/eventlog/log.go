// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"fmt"

	"github.com/strata-cloud/strata/lib/codec"
	"github.com/strata-cloud/strata/lib/ident"
)

// PendingEvent is one not-yet-appended event in an append batch. The
// envelope's identity fields (global id, per-aggregate seq, timestamp)
// are assigned by the log at append time.
type PendingEvent struct {
	EventType    string
	EventVersion int
	Payload      codec.RawMessage

	// CausationID optionally names the event that caused this one.
	CausationID ident.EventID
}

// AppendRequest describes an atomic append to one aggregate.
type AppendRequest struct {
	AggregateKind ident.AggregateKind
	AggregateID   string

	// ExpectedSeq is the aggregate sequence the caller last observed.
	// The append succeeds only if this still matches the aggregate's
	// head; otherwise it fails with *ConflictError and the caller must
	// re-read and re-validate before retrying.
	ExpectedSeq ident.AggregateSeq

	ActorKind ident.ActorKind
	ActorID   string
	RequestID ident.RequestID

	// IdempotencyKey, when non-empty, deduplicates the whole request:
	// a repeat append with the same key returns the originally
	// assigned event ids without appending anything.
	IdempotencyKey string

	Events []PendingEvent
}

// ConflictError reports an optimistic-concurrency violation: the
// aggregate moved past the caller's ExpectedSeq. Recoverable — re-read
// the aggregate, re-validate, retry.
type ConflictError struct {
	AggregateKind ident.AggregateKind
	AggregateID   string
	Expected      ident.AggregateSeq
	Actual        ident.AggregateSeq
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventlog: sequence conflict on %s/%s: expected %d, head is %d",
		e.AggregateKind, e.AggregateID, e.Expected, e.Actual)
}
