// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/strata-cloud/strata/lib/ident"

// InstanceOverheadBytes is the fixed per-instance memory overhead the
// scheduler adds to every hard-cap accounting check, covering the
// substrate's own footprint for one instance.
const InstanceOverheadBytes = 32 << 20

// Resources declares what one instance needs. MemoryBytes is a hard
// cap: the sum of committed hard requirements on a node must never
// exceed its allocatable capacity. CPUWeight is a soft share used only
// for scoring, never for admission.
type Resources struct {
	MemoryBytes int64 `cbor:"memory_bytes" json:"memory_bytes"`
	CPUWeight   int64 `cbor:"cpu_weight" json:"cpu_weight"`
}

// InstanceSpec is the resolved, self-contained description of what an
// instance should run. Its spec hash is computed over the whole
// struct via deterministic CBOR.
type InstanceSpec struct {
	Image     string         `cbor:"image" json:"image"`
	Resources Resources      `cbor:"resources" json:"resources"`
	VolumeID  ident.VolumeID `cbor:"volume_id,omitempty" json:"volume_id,omitempty"`
	Env       []string       `cbor:"env,omitempty" json:"env,omitempty"`
}
