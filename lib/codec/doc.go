// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Strata's standard CBOR encoding.
//
// All persisted event payloads and all change-feed wire frames use
// deterministic CBOR: identical logical values encode to identical
// bytes. Spec hashes are computed over this encoding, so hash
// equality is exactly payload equality.
package codec
