// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the event envelope, all event payload types,
// the lifecycle state machine, and resource declarations.
//
// Event payloads are tagged variants: the (aggregate kind, event
// type, version) triple resolves through an exhaustive registry to a
// concrete payload struct. Adding an event type means adding its
// struct and one registry entry; an event the registry does not know
// is an error wherever it is encountered, never a silent skip.
package schema
