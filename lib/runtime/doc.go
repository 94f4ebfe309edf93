// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime abstracts the node-local substrate that actually
// runs instances. The agent's convergence strategies speak this
// interface; a Fake implementation with scripted faults stands in for
// the real substrate in tests.
//
// Substrate errors carry a typed reason so strategies can tell a
// transient hiccup (retry) from a permanent refusal (degrade) without
// string matching.
package runtime
