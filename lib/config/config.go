// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strata-cloud/strata/lib/ident"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer with time.Duration's notation.
func (d Duration) String() string { return time.Duration(d).String() }

// ControlPlane configures the strata-control-plane binary.
type ControlPlane struct {
	// Listen is the HTTP listen address for the command API and the
	// change feed.
	Listen string `yaml:"listen"`

	// DataDir holds the control plane's SQLite databases.
	DataDir string `yaml:"data_dir"`

	// Overlay configures the instance overlay address pool.
	Overlay Overlay `yaml:"overlay"`

	// Scheduler configures the placement worker.
	Scheduler Scheduler `yaml:"scheduler"`

	// WaitTimeout bounds how long the command API waits for views to
	// converge before answering "still converging".
	WaitTimeout Duration `yaml:"wait_timeout"`
}

// Overlay describes the deterministic overlay address pool: addresses
// are derived from Prefix plus an index in [1, PoolSize].
type Overlay struct {
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// Scheduler configures the placement worker's cadence and eligibility
// windows.
type Scheduler struct {
	// Interval is the planning cadence. Appends also wake the worker.
	Interval Duration `yaml:"interval"`

	// HeartbeatStaleAfter removes a node from the eligible set when its
	// last report is older than this.
	HeartbeatStaleAfter Duration `yaml:"heartbeat_stale_after"`

	// FailureWindow bounds how far back instance failures count against
	// a node's placement score.
	FailureWindow Duration `yaml:"failure_window"`
}

// NodeAgent configures the strata-node-agent binary.
type NodeAgent struct {
	// NodeID is this node's stable identity.
	NodeID ident.NodeID `yaml:"node_id"`

	// DataDir holds the agent's local fact store.
	DataDir string `yaml:"data_dir"`

	// ControlPlaneURL is the base URL of the control plane API.
	ControlPlaneURL string `yaml:"control_plane_url"`

	// AllocatableBytes and CPUWeightTotal are the capacity the node
	// enrolls with. Zero means probe the hardware at startup.
	AllocatableBytes int64 `yaml:"allocatable_bytes"`
	CPUWeightTotal   int64 `yaml:"cpu_weight_total"`

	// Labels are advisory placement labels reported at enrollment.
	Labels []string `yaml:"labels,omitempty"`

	// HeartbeatInterval is the usage report cadence.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// LoadControlPlane reads and validates a control plane configuration.
func LoadControlPlane(path string) (ControlPlane, error) {
	var cfg ControlPlane
	if err := load(path, &cfg); err != nil {
		return ControlPlane{}, err
	}
	if cfg.Listen == "" {
		cfg.Listen = "localhost:7600"
	}
	if cfg.DataDir == "" {
		return ControlPlane{}, fmt.Errorf("config: %s: data_dir is required", path)
	}
	if cfg.Overlay.Prefix == "" {
		cfg.Overlay.Prefix = "fdaa::"
	}
	if cfg.Overlay.PoolSize <= 0 {
		cfg.Overlay.PoolSize = 1024
	}
	if cfg.Scheduler.Interval <= 0 {
		cfg.Scheduler.Interval = Duration(5 * time.Second)
	}
	if cfg.Scheduler.HeartbeatStaleAfter <= 0 {
		cfg.Scheduler.HeartbeatStaleAfter = Duration(90 * time.Second)
	}
	if cfg.Scheduler.FailureWindow <= 0 {
		cfg.Scheduler.FailureWindow = Duration(10 * time.Minute)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = Duration(2 * time.Second)
	}
	return cfg, nil
}

// LoadNodeAgent reads and validates a node agent configuration.
func LoadNodeAgent(path string) (NodeAgent, error) {
	var cfg NodeAgent
	if err := load(path, &cfg); err != nil {
		return NodeAgent{}, err
	}
	if cfg.NodeID == "" {
		return NodeAgent{}, fmt.Errorf("config: %s: node_id is required", path)
	}
	if cfg.DataDir == "" {
		return NodeAgent{}, fmt.Errorf("config: %s: data_dir is required", path)
	}
	if cfg.ControlPlaneURL == "" {
		return NodeAgent{}, fmt.Errorf("config: %s: control_plane_url is required", path)
	}
	if cfg.AllocatableBytes < 0 {
		return NodeAgent{}, fmt.Errorf("config: %s: allocatable_bytes must not be negative", path)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = Duration(30 * time.Second)
	}
	return cfg, nil
}

// load strictly decodes the YAML file at path into out. Unknown fields
// are an error: a typo in a config file must fail loudly, not silently
// fall back to a default.
func load(path string, out any) error {
	if path == "" {
		return fmt.Errorf("config: no file specified")
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}
