// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Strata
// binaries: fatal error reporting to stderr for the window before the
// structured logger exists.
package process
