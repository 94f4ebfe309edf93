// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	// Maps with the same contents must encode identically regardless
	// of Go's map iteration order. Run several times to shake out
	// ordering luck.
	value := map[string]any{
		"memory_bytes": int64(512 << 20),
		"cpu_weight":   int64(100),
		"node":         "node-a",
		"labels":       map[string]any{"zone": "a", "arch": "amd64"},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 16; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("non-deterministic encoding on attempt %d", i)
		}
	}
}

func TestRoundTripStruct(t *testing.T) {
	type payload struct {
		InstanceID string `cbor:"instance_id"`
		NodeID     string `cbor:"node_id"`
		Revision   int64  `cbor:"revision"`
	}

	in := payload{InstanceID: "inst-1", NodeID: "node-a", Revision: 7}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out payload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type v1 struct {
		Name  string `cbor:"name"`
		Extra string `cbor:"extra"`
	}
	type v0 struct {
		Name string `cbor:"name"`
	}

	data, err := Marshal(v1{Name: "volume-1", Extra: "future field"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out v0
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if out.Name != "volume-1" {
		t.Errorf("Name = %q, want %q", out.Name, "volume-1")
	}
}

func TestAnyTargetDecodesToStringKeyedMap(t *testing.T) {
	data, err := Marshal(map[string]any{"reason": "capacity"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", out)
	}
	if m["reason"] != "capacity" {
		t.Errorf("reason = %v, want capacity", m["reason"])
	}
}
