// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package command is the write path: it turns externally submitted
// intents into validated events on the log.
//
// Each command folds the affected aggregates from the log, validates
// the intent against that state, derives the resulting events, and
// appends them with the folded head as the expected sequence. A
// sequence conflict means another writer got there first; the handler
// re-folds and re-validates from scratch a bounded number of times
// before giving up, so a command is never applied against state it did
// not see.
//
// Commands return the assigned event ids. Callers that need
// read-your-writes pass the last id to projection.Engine.Wait.
package command
