// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/ident"
)

const (
	defaultRestartBase  = time.Second
	defaultRestartLimit = 30 * time.Second
)

// SupervisorConfig holds the parameters for creating a Supervisor.
type SupervisorConfig struct {
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// RestartBase and RestartLimit bound the delay before restarting a
	// crashed runner. Zero means defaults.
	RestartBase  time.Duration
	RestartLimit time.Duration
}

// Supervisor owns a set of runners, one per resource, restarting each
// one-for-one when it crashes. A crash in one runner never touches its
// siblings.
type Supervisor struct {
	clock  clock.Clock
	logger *slog.Logger
	base   time.Duration
	limit  time.Duration

	mu      sync.Mutex
	entries map[ident.InstanceID]*entry
	wg      sync.WaitGroup
}

type entry struct {
	mailbox *Mailbox
	cancel  context.CancelFunc
}

// NewSupervisor validates the configuration and returns a Supervisor.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("actor: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	base := cfg.RestartBase
	if base <= 0 {
		base = defaultRestartBase
	}
	limit := cfg.RestartLimit
	if limit <= 0 {
		limit = defaultRestartLimit
	}
	return &Supervisor{
		clock:   cfg.Clock,
		logger:  logger,
		base:    base,
		limit:   limit,
		entries: make(map[ident.InstanceID]*entry),
	}, nil
}

// Add starts supervising runner under id. The runner's mailbox is
// registered for Signal routing. Adding an id twice is an error.
func (s *Supervisor) Add(ctx context.Context, id ident.InstanceID, mailbox *Mailbox, runner *Runner) error {
	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("actor: instance %s is already supervised", id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.entries[id] = &entry{mailbox: mailbox, cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.supervise(runCtx, id, runner)
	}()
	return nil
}

// Signal routes a reconcile signal to the runner owning id. Reports
// whether a supervised runner accepted it.
func (s *Supervisor) Signal(id ident.InstanceID, revision int64) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return e.mailbox.Signal(revision)
}

// Remove stops the runner owning id. No-op for unknown ids.
func (s *Supervisor) Remove(id ident.InstanceID) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// Supervised returns the ids currently under supervision.
func (s *Supervisor) Supervised() []ident.InstanceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]ident.InstanceID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every runner and waits for them to exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for id, e := range s.entries {
		e.cancel()
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// supervise runs one runner, restarting it with backoff after crashes
// until its context is cancelled.
func (s *Supervisor) supervise(ctx context.Context, id ident.InstanceID, runner *Runner) {
	restarts := 0
	for {
		err := s.runOnce(ctx, runner)
		if ctx.Err() != nil {
			return
		}
		restarts++
		delay := s.restartDelay(restarts)
		s.logger.Error("runner crashed, restarting",
			"instance", id, "error", err, "restarts", restarts, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
	}
}

// runOnce converts a runner panic into an error so one misbehaving
// strategy cannot take the agent down.
func (s *Supervisor) runOnce(ctx context.Context, runner *Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("actor: runner panic: %v", p)
		}
	}()
	return runner.Run(ctx)
}

// restartDelay is exponential in the crash count, capped, with up to
// 25% jitter.
func (s *Supervisor) restartDelay(restarts int) time.Duration {
	delay := s.base << (restarts - 1)
	if delay > s.limit || delay <= 0 {
		delay = s.limit
	}
	jitter := time.Duration(rand.Float64() * 0.25 * float64(delay))
	return delay + jitter
}
