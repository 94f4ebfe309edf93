// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package spechash computes content hashes of resolved specs.
//
// A spec hash identifies exactly one desired configuration: two specs
// hash equal if and only if their deterministic CBOR encodings are
// byte-identical. The scheduler uses spec hashes to classify running
// instances as matching or stale during rolling replacement, and
// actors use them to decide whether a revision actually changes
// anything.
package spechash

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/strata-cloud/strata/lib/codec"
)

// Hash is a spec content hash in "b3:<hex>" form, truncated to 128
// bits. The truncation keeps ids short in logs and view rows; blake3's
// output is uniform so 128 bits is far beyond collision concern at
// fleet scale.
type Hash string

// Compute hashes v via deterministic CBOR. Field order and map
// iteration order never affect the result.
func Compute(v any) (Hash, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("spechash: encoding spec: %w", err)
	}
	sum := blake3.Sum256(data)
	return Hash("b3:" + hex.EncodeToString(sum[:16])), nil
}

// Valid reports whether h has the expected "b3:" prefix and hex body.
func (h Hash) Valid() bool {
	body, ok := strings.CutPrefix(string(h), "b3:")
	if !ok || len(body) != 32 {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}
