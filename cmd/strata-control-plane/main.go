// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/strata-cloud/strata/lib/changefeed"
	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/command"
	"github.com/strata-cloud/strata/lib/config"
	"github.com/strata-cloud/strata/lib/eventlog"
	"github.com/strata-cloud/strata/lib/process"
	"github.com/strata-cloud/strata/lib/projection"
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
		version.Print("strata-control-plane")
		return nil
	}

	cfg, err := config.LoadControlPlane(configPath)
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
		Path:   filepath.Join(cfg.DataDir, "control.db"),
		Logger: logger,
		Schema: eventlog.Schema,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	clk := clock.Real()
	log, err := eventlog.Open(eventlog.Config{Pool: pool, Clock: clk, Logger: logger})
	if err != nil {
		return err
	}

	engine, err := projection.New(projection.Config{
		Pool:   pool,
		Source: log,
		Clock:  clk,
		Logger: logger,
		Handlers: []projection.Handler{
			nodesView{}, groupsView{}, instancesView{}, volumesView{},
		},
	})
	if err != nil {
		return err
	}

	commands, err := command.New(command.Config{Log: log, Clock: clk, Logger: logger})
	if err != nil {
		return err
	}

	worker, err := NewWorker(WorkerConfig{
		Pool:                pool,
		Log:                 log,
		Engine:              engine,
		Clock:               clk,
		Logger:              logger,
		Overlay:             cfg.Overlay,
		Interval:            cfg.Scheduler.Interval.Std(),
		HeartbeatStaleAfter: cfg.Scheduler.HeartbeatStaleAfter.Std(),
		FailureWindow:       cfg.Scheduler.FailureWindow.Std(),
	})
	if err != nil {
		return err
	}

	feed, err := changefeed.NewFeed(changefeed.Config{
		Source: log,
		Nodes:  nodeScopeResolver{pool: pool},
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	api := &API{
		commands:    commands,
		engine:      engine,
		pool:        pool,
		worker:      worker,
		logger:      logger,
		waitTimeout: cfg.WaitTimeout.Std(),
	}
	api.Register(mux)
	changefeed.NewHTTPHandler(feed, logger).Register(mux)

	server := &http.Server{Addr: cfg.Listen, Handler: mux}

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.ListenAndServe() }()

	logger.Info("control plane running", "listen", cfg.Listen, "data_dir", cfg.DataDir)

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		return fmt.Errorf("http server: %w", err)
	case err := <-engineDone:
		return fmt.Errorf("projection engine: %w", err)
	case err := <-workerDone:
		return fmt.Errorf("scheduler worker: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	<-engineDone
	<-workerDone
	return nil
}
