// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFakeRoots(t *testing.T) (procRoot, sysRoot string) {
	t.Helper()
	root := t.TempDir()
	procRoot = filepath.Join(root, "proc")
	sysRoot = filepath.Join(root, "sys")

	if err := os.MkdirAll(procRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	meminfo := "MemTotal:       16384000 kB\nMemFree:         1234567 kB\nSwapTotal:             0 kB\n"
	if err := os.WriteFile(filepath.Join(procRoot, "meminfo"), []byte(meminfo), 0o644); err != nil {
		t.Fatal(err)
	}

	cpuBase := filepath.Join(sysRoot, "devices", "system", "cpu")
	for _, dir := range []string{"cpu0", "cpu1", "cpu2", "cpu3", "cpufreq", "cpuidle"} {
		if err := os.MkdirAll(filepath.Join(cpuBase, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return procRoot, sysRoot
}

func TestProbeFromFakeRoots(t *testing.T) {
	procRoot, sysRoot := writeFakeRoots(t)
	capacity := probeFrom(procRoot, sysRoot)

	if want := int64(16384000) << 10; capacity.MemoryTotalBytes != want {
		t.Errorf("MemoryTotalBytes = %d, want %d", capacity.MemoryTotalBytes, want)
	}
	// cpufreq and cpuidle are not CPUs.
	if capacity.CPUCount != 4 {
		t.Errorf("CPUCount = %d, want 4", capacity.CPUCount)
	}
}

func TestProbeMissingRootsIsZero(t *testing.T) {
	capacity := probeFrom(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "nope"))
	if capacity.MemoryTotalBytes != 0 || capacity.CPUCount != 0 {
		t.Errorf("capacity = %+v, want zero", capacity)
	}
}
