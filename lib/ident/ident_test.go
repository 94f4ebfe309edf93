// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import "testing"

func TestAggregateKindValid(t *testing.T) {
	for _, k := range []AggregateKind{KindNode, KindGroup, KindInstance, KindVolume} {
		if !k.Valid() {
			t.Errorf("%q reported invalid", k)
		}
	}
	if AggregateKind("disk").Valid() {
		t.Error("unknown kind reported valid")
	}
}

func TestParseResourceKey(t *testing.T) {
	tests := []struct {
		in      string
		want    ResourceKey
		wantErr bool
	}{
		{in: "instance/inst_1", want: ResourceKey{Kind: KindInstance, ID: "inst_1"}},
		{in: "volume/vol_9", want: ResourceKey{Kind: KindVolume, ID: "vol_9"}},
		{in: "instance/", wantErr: true},
		{in: "no-slash", wantErr: true},
		{in: "disk/d1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseResourceKey(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseResourceKey(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseResourceKey(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseResourceKey(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestNewIDsArePrefixedAndUnique(t *testing.T) {
	a, b := NewInstanceID(), NewInstanceID()
	if a == b {
		t.Error("two instance ids collided")
	}
	if len(a) <= len("inst_") {
		t.Errorf("instance id %q missing uuid suffix", a)
	}
}
