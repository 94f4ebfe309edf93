// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/command"
	"github.com/strata-cloud/strata/lib/config"
	"github.com/strata-cloud/strata/lib/eventlog"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/projection"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/sqlitepool"
)

const testMemory = 256 << 20

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type controlRig struct {
	pool     *sqlitepool.Pool
	log      *eventlog.Store
	engine   *projection.Engine
	commands *command.Handler
	worker   *Worker
}

func newControlRig(t *testing.T) *controlRig {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "control.db"),
		PoolSize: 4,
		Schema:   eventlog.Schema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	clk := clock.Real()
	log, err := eventlog.Open(eventlog.Config{Pool: pool, Clock: clk})
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	engine, err := projection.New(projection.Config{
		Pool:         pool,
		Source:       log,
		Clock:        clk,
		Handlers:     []projection.Handler{nodesView{}, groupsView{}, instancesView{}, volumesView{}},
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)

	commands, err := command.New(command.Config{Log: log, Clock: clk})
	if err != nil {
		t.Fatalf("creating command handler: %v", err)
	}
	worker, err := NewWorker(WorkerConfig{
		Pool:    pool,
		Log:     log,
		Engine:  engine,
		Clock:   clk,
		Overlay: config.Overlay{Prefix: "fdaa::", PoolSize: 8},
	})
	if err != nil {
		t.Fatalf("creating worker: %v", err)
	}
	return &controlRig{pool: pool, log: log, engine: engine, commands: commands, worker: worker}
}

func (r *controlRig) meta() command.Meta {
	return command.Meta{
		ActorKind: ident.ActorUser,
		ActorID:   "@tester",
		RequestID: ident.NewRequestID(),
	}
}

// waitAll blocks until every view has caught up to the log head.
func (r *controlRig) waitAll(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	head, err := r.log.MaxEventID(ctx)
	if err != nil {
		t.Fatalf("reading log head: %v", err)
	}
	for _, name := range viewNames {
		if err := r.engine.Wait(ctx, name, head); err != nil {
			t.Fatalf("waiting for view %s: %v", name, err)
		}
	}
}

func (r *controlRig) mustEnroll(t *testing.T, node ident.NodeID, allocatable int64) {
	t.Helper()
	_, err := r.commands.EnrollNode(context.Background(), r.meta(), command.EnrollNode{
		NodeID:           node,
		AllocatableBytes: allocatable,
		CPUWeightTotal:   1000,
	})
	if err != nil {
		t.Fatalf("enrolling %s: %v", node, err)
	}
}

func (r *controlRig) mustCreateGroup(t *testing.T, group ident.GroupID, volume ident.VolumeID) {
	t.Helper()
	_, err := r.commands.CreateGroup(context.Background(), r.meta(), command.CreateGroup{
		GroupID:  group,
		Name:     string(group),
		VolumeID: volume,
	})
	if err != nil {
		t.Fatalf("creating group %s: %v", group, err)
	}
}

func (r *controlRig) mustScale(t *testing.T, group ident.GroupID, replicas int) {
	t.Helper()
	_, err := r.commands.SetGroupScale(context.Background(), r.meta(), command.SetGroupScale{
		GroupID:  group,
		Replicas: replicas,
	})
	if err != nil {
		t.Fatalf("scaling group %s: %v", group, err)
	}
}

func (r *controlRig) mustRelease(t *testing.T, group ident.GroupID, spec schema.InstanceSpec) {
	t.Helper()
	_, err := r.commands.SetGroupRelease(context.Background(), r.meta(), command.SetGroupRelease{
		GroupID: group,
		Spec:    spec,
	})
	if err != nil {
		t.Fatalf("releasing group %s: %v", group, err)
	}
}

func webSpec(image string) schema.InstanceSpec {
	return schema.InstanceSpec{
		Image:     image,
		Resources: schema.Resources{MemoryBytes: testMemory, CPUWeight: 100},
	}
}
