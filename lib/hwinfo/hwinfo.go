// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo probes node capacity from /proc and /sys. The node
// agent uses it to fill in enrollment capacity when the operator does
// not pin explicit values in configuration.
package hwinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Capacity is the probed hardware capacity of one node.
type Capacity struct {
	// MemoryTotalBytes is total system memory per /proc/meminfo.
	MemoryTotalBytes int64

	// CPUCount is the number of online logical CPUs.
	CPUCount int
}

// Probe reads the running system's capacity. Fields the probe cannot
// determine are zero; callers treat zero as "unknown" and fall back to
// configuration.
func Probe() Capacity {
	return probeFrom("/proc", "/sys")
}

func probeFrom(procRoot, sysRoot string) Capacity {
	return Capacity{
		MemoryTotalBytes: readMemTotal(filepath.Join(procRoot, "meminfo")),
		CPUCount:         countCPUs(filepath.Join(sysRoot, "devices", "system", "cpu")),
	}
}

// readMemTotal parses the MemTotal line of /proc/meminfo, reported in
// kibibytes.
func readMemTotal(path string) int64 {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb << 10
	}
	return 0
}

// countCPUs counts cpuN directories under the sysfs CPU base.
func countCPUs(cpuBase string) int {
	entries, err := os.ReadDir(cpuBase)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		if _, err := strconv.Atoi(name[3:]); err != nil {
			continue
		}
		count++
	}
	return count
}
