// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadControlPlaneDefaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /var/lib/strata\n")
	cfg, err := LoadControlPlane(path)
	if err != nil {
		t.Fatalf("LoadControlPlane: %v", err)
	}
	if cfg.Listen != "localhost:7600" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
	if cfg.Overlay.PoolSize != 1024 {
		t.Errorf("PoolSize = %d, want 1024", cfg.Overlay.PoolSize)
	}
	if cfg.Scheduler.HeartbeatStaleAfter.Std() != 90*time.Second {
		t.Errorf("HeartbeatStaleAfter = %s, want 90s", cfg.Scheduler.HeartbeatStaleAfter)
	}
}

func TestDurationFormatsLikeTimeDuration(t *testing.T) {
	d := Duration(90 * time.Second)
	if got := fmt.Sprintf("%s", d); got != "1m30s" {
		t.Errorf("Duration format = %q, want 1m30s", got)
	}
}

func TestLoadControlPlaneRequiresDataDir(t *testing.T) {
	path := writeConfig(t, "listen: :7600\n")
	if _, err := LoadControlPlane(path); err == nil {
		t.Fatal("missing data_dir accepted")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "data_dir: /tmp\nlissten: :7600\n")
	_, err := LoadControlPlane(path)
	if err == nil {
		t.Fatal("typoed field accepted")
	}
	if !strings.Contains(err.Error(), "lissten") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestLoadNodeAgent(t *testing.T) {
	path := writeConfig(t, `
node_id: node-a
data_dir: /var/lib/strata-agent
control_plane_url: http://localhost:7600
allocatable_bytes: 8589934592
cpu_weight_total: 1000
heartbeat_interval: 10s
`)
	cfg, err := LoadNodeAgent(path)
	if err != nil {
		t.Fatalf("LoadNodeAgent: %v", err)
	}
	if cfg.NodeID != "node-a" {
		t.Errorf("NodeID = %q", cfg.NodeID)
	}
	if cfg.HeartbeatInterval.Std() != 10*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 10s", cfg.HeartbeatInterval)
	}
}

func TestLoadNodeAgentValidation(t *testing.T) {
	path := writeConfig(t, "node_id: node-a\ndata_dir: /tmp\n")
	if _, err := LoadNodeAgent(path); err == nil {
		t.Fatal("missing control_plane_url accepted")
	}
}
