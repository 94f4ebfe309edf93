// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/strata-cloud/strata/lib/changefeed"
	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/command"
	"github.com/strata-cloud/strata/lib/config"
	"github.com/strata-cloud/strata/lib/factstore"
	"github.com/strata-cloud/strata/lib/hwinfo"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/process"
	"github.com/strata-cloud/strata/lib/runtime"
	"github.com/strata-cloud/strata/lib/sqlitepool"
	"github.com/strata-cloud/strata/lib/version"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", os.Getenv("STRATA_CONFIG"), "path to the YAML configuration file")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("strata-node-agent")
		return nil
	}

	cfg, err := config.LoadNodeAgent(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(cfg.DataDir, "agent.db"),
		Logger: logger,
		Schema: factstore.Schema,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	clk := clock.Real()
	facts, err := factstore.Open(factstore.Config{Pool: pool, Clock: clk, Logger: logger})
	if err != nil {
		return err
	}

	control, err := NewClient(ClientConfig{BaseURL: cfg.ControlPlaneURL, NodeID: cfg.NodeID})
	if err != nil {
		return err
	}

	agent, err := NewAgent(AgentConfig{
		NodeID:            cfg.NodeID,
		Substrate:         runtime.NewFake(),
		Facts:             facts,
		Control:           control,
		Clock:             clk,
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
	})
	if err != nil {
		return err
	}
	defer agent.Shutdown()

	allocatable, cpuTotal := cfg.AllocatableBytes, cfg.CPUWeightTotal
	if allocatable == 0 || cpuTotal == 0 {
		capacity := hwinfo.Probe()
		if allocatable == 0 {
			allocatable = capacity.MemoryTotalBytes
		}
		if cpuTotal == 0 {
			cpuTotal = int64(capacity.CPUCount) * 100
		}
		logger.Info("probed node capacity",
			"allocatable_bytes", allocatable, "cpu_weight_total", cpuTotal)
	}
	if allocatable <= 0 {
		return fmt.Errorf("node capacity unknown: set allocatable_bytes in %s", configPath)
	}

	err = control.Enroll(ctx, allocatable, cpuTotal, cfg.Labels)
	if err != nil && !isCode(err, command.CodeAlreadyExists) {
		return fmt.Errorf("enrolling node: %w", err)
	}
	if err := agent.Resume(ctx); err != nil {
		return err
	}

	feed, err := changefeed.NewClient(changefeed.ClientConfig{
		BaseURL: cfg.ControlPlaneURL,
		Cursors: facts,
		Clock:   clk,
		Logger:  logger,
		Scope: changefeed.Scope{
			Kinds:  []ident.AggregateKind{ident.KindInstance, ident.KindVolume},
			NodeID: cfg.NodeID,
		},
	})
	if err != nil {
		return err
	}

	heartbeatDone := make(chan error, 1)
	go func() { heartbeatDone <- agent.RunHeartbeat(ctx) }()
	feedDone := make(chan error, 1)
	go func() { feedDone <- feed.Follow(ctx, agent.HandleChange) }()

	logger.Info("node agent running",
		"node", cfg.NodeID, "control_plane", cfg.ControlPlaneURL, "data_dir", cfg.DataDir)

	select {
	case <-ctx.Done():
	case err := <-feedDone:
		return fmt.Errorf("change feed: %w", err)
	case err := <-heartbeatDone:
		return fmt.Errorf("heartbeat loop: %w", err)
	}
	logger.Info("shutting down")
	<-feedDone
	<-heartbeatDone
	return nil
}
