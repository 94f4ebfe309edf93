// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel assertion helpers shared by tests
// across the repository. All helpers apply a hard timeout so a broken
// goroutine fails the test instead of hanging the suite.
package testutil
