// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads component configuration from a single YAML
// file. There are no fallbacks or automatic discovery: the file the
// operator names is the whole configuration, which keeps deployments
// deterministic and auditable.
package config
