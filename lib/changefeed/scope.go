// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package changefeed

import (
	"net/url"

	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
)

// Scope narrows a feed to the events a follower cares about. Empty
// fields match everything; set fields are ANDed.
type Scope struct {
	// Kinds restricts to aggregate kinds.
	Kinds []ident.AggregateKind

	// EventTypes restricts to event types.
	EventTypes []string

	// AggregateIDs restricts to specific aggregates.
	AggregateIDs []string

	// NodeID restricts to events for aggregates owned by one node:
	// that node's own events, instances placed on it, and volumes
	// homed on it. Resolved server-side by the feed; see NodeResolver.
	NodeID ident.NodeID
}

// Match reports whether the envelope falls inside the scope.
func (s Scope) Match(env schema.Envelope) bool {
	if len(s.Kinds) > 0 && !containsKind(s.Kinds, env.AggregateKind) {
		return false
	}
	if len(s.EventTypes) > 0 && !containsString(s.EventTypes, env.EventType) {
		return false
	}
	if len(s.AggregateIDs) > 0 && !containsString(s.AggregateIDs, env.AggregateID) {
		return false
	}
	return true
}

// Values encodes the scope as URL query parameters, the inverse of
// ScopeFromValues.
func (s Scope) Values() url.Values {
	values := url.Values{}
	for _, kind := range s.Kinds {
		values.Add("kind", string(kind))
	}
	for _, typ := range s.EventTypes {
		values.Add("type", typ)
	}
	for _, id := range s.AggregateIDs {
		values.Add("aggregate", id)
	}
	if s.NodeID != "" {
		values.Set("node", string(s.NodeID))
	}
	return values
}

// ScopeFromValues decodes a scope from URL query parameters.
func ScopeFromValues(values url.Values) Scope {
	var s Scope
	for _, kind := range values["kind"] {
		s.Kinds = append(s.Kinds, ident.AggregateKind(kind))
	}
	s.EventTypes = append(s.EventTypes, values["type"]...)
	s.AggregateIDs = append(s.AggregateIDs, values["aggregate"]...)
	s.NodeID = ident.NodeID(values.Get("node"))
	return s
}

func containsKind(kinds []ident.AggregateKind, kind ident.AggregateKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
