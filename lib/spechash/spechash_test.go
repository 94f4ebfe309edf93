// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package spechash

import "testing"

func TestComputeDeterministic(t *testing.T) {
	spec := map[string]any{
		"image":        "registry/app:v3",
		"memory_bytes": int64(256 << 20),
		"cpu_weight":   int64(100),
	}
	first, err := Compute(spec)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i := 0; i < 8; i++ {
		again, err := Compute(spec)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		if again != first {
			t.Fatalf("hash changed between identical computations: %s vs %s", first, again)
		}
	}
	if !first.Valid() {
		t.Errorf("computed hash %q fails Valid()", first)
	}
}

func TestComputeDistinguishesSpecs(t *testing.T) {
	a, err := Compute(map[string]any{"image": "app:v1"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	b, err := Compute(map[string]any{"image": "app:v2"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if a == b {
		t.Error("different specs produced the same hash")
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	for _, h := range []Hash{"", "b3:", "sha256:abcd", "b3:zzzz", Hash("b3:" + "ab")} {
		if h.Valid() {
			t.Errorf("%q reported valid", h)
		}
	}
}
