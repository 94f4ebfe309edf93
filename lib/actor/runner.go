// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
)

const (
	defaultRetryWindow  = 5 * time.Minute
	defaultRetryBudget  = 5
	defaultBackoffBase  = time.Second
	defaultBackoffLimit = time.Minute
)

// RunnerConfig holds the parameters for one resource's runner.
type RunnerConfig struct {
	InstanceID ident.InstanceID
	Mailbox    *Mailbox
	Strategy   Strategy
	Source     DesiredSource
	Recorder   Recorder
	Clock      clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// RetryWindow and RetryBudget bound convergence failures before
	// the instance degrades. Zero means defaults.
	RetryWindow time.Duration
	RetryBudget int

	// BackoffBase and BackoffLimit bound the delay between retries.
	// Zero means defaults.
	BackoffBase  time.Duration
	BackoffLimit time.Duration
}

// Runner converges one resource. Run owns the goroutine; everything
// else reaches the runner through its mailbox.
type Runner struct {
	id       ident.InstanceID
	mailbox  *Mailbox
	strategy Strategy
	source   DesiredSource
	recorder Recorder
	clock    clock.Clock
	logger   *slog.Logger

	tracker      *RetryTracker
	backoffBase  time.Duration
	backoffLimit time.Duration

	// degradedRevision parks the runner: signals at or below it are
	// ignored until a newer revision resets the budget.
	degraded         bool
	degradedRevision int64
	lastRevision     int64
}

// NewRunner validates the configuration and returns a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("actor: InstanceID is required")
	}
	if cfg.Mailbox == nil || cfg.Strategy == nil || cfg.Source == nil || cfg.Recorder == nil {
		return nil, fmt.Errorf("actor: Mailbox, Strategy, Source, and Recorder are required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("actor: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	window := cfg.RetryWindow
	if window <= 0 {
		window = defaultRetryWindow
	}
	budget := cfg.RetryBudget
	if budget <= 0 {
		budget = defaultRetryBudget
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	limit := cfg.BackoffLimit
	if limit <= 0 {
		limit = defaultBackoffLimit
	}
	return &Runner{
		id:           cfg.InstanceID,
		mailbox:      cfg.Mailbox,
		strategy:     cfg.Strategy,
		source:       cfg.Source,
		recorder:     cfg.Recorder,
		clock:        cfg.Clock,
		logger:       logger.With("instance", cfg.InstanceID),
		tracker:      NewRetryTracker(cfg.Clock, window, budget),
		backoffBase:  base,
		backoffLimit: limit,
	}, nil
}

// Run processes mailbox signals until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		revision, err := r.mailbox.Wait(ctx)
		if err != nil {
			return err
		}
		if r.degraded {
			if revision <= r.degradedRevision {
				// Parked: same desired state, no budget left.
				continue
			}
			r.degraded = false
		}
		if revision > r.lastRevision {
			// New desired state earns a fresh retry budget.
			r.tracker.Reset()
			r.lastRevision = revision
		}
		if err := r.converge(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.logger.Error("convergence pass failed", "error", err)
		}
	}
}

// converge steps the resource toward the latest desired state until it
// matches, a newer revision supersedes the pass, or the budget runs
// out.
func (r *Runner) converge(ctx context.Context) error {
	desired, err := r.source.Desired(ctx, r.id)
	if err != nil {
		return fmt.Errorf("actor: fetching desired state: %w", err)
	}

	for {
		// Abandon work a newer revision has made moot. The mailbox
		// still holds the newer signal; Run picks it up next.
		if r.mailbox.Newer(desired.Revision) {
			r.logger.Debug("abandoning superseded pass", "revision", desired.Revision)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		observed, err := r.strategy.Observe(ctx)
		if err != nil {
			return fmt.Errorf("actor: observing: %w", err)
		}
		step, ok := r.strategy.Diff(observed, desired)
		if !ok {
			r.logger.Debug("converged", "lifecycle", observed.Lifecycle, "revision", desired.Revision)
			return nil
		}

		if err := r.strategy.Apply(ctx, step); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if done := r.handleFailure(ctx, step, desired, err); done {
				return nil
			}
			continue
		}
		if err := r.recorder.LifecycleChanged(ctx, r.id, step.From, step.To, schema.ReasonNone, ""); err != nil {
			return fmt.Errorf("actor: recording transition: %w", err)
		}
	}
}

// handleFailure records a failed step and decides between retrying
// after backoff and degrading. Reports true when the pass is over.
func (r *Runner) handleFailure(ctx context.Context, step Step, desired Desired, applyErr error) bool {
	reason := r.strategy.Classify(applyErr)
	detail := applyErr.Error()
	r.logger.Warn("step failed", "from", step.From, "to", step.To, "reason", reason, "error", applyErr)

	// A failed recovery step would record failed → failed, which the
	// lifecycle forbids; the instance simply stays failed.
	if step.From != schema.LifecycleFailed {
		if err := r.recorder.LifecycleChanged(ctx, r.id, step.From, schema.LifecycleFailed, reason, detail); err != nil {
			r.logger.Error("recording failure transition", "error", err)
		}
	}

	exhausted := r.tracker.Record()
	permanent := reason == schema.ReasonRuntimePermanent || reason == schema.ReasonValidation
	if permanent || exhausted {
		if exhausted && !permanent {
			reason = schema.ReasonCrashLoop
		}
		r.degrade(ctx, desired, reason, detail)
		return true
	}

	// Backoff must not outlive the runner: a shutdown mid-backoff ends
	// the pass instead of sleeping it out.
	select {
	case <-ctx.Done():
		return true
	case <-r.clock.After(r.backoff()):
	}
	return false
}

// degrade parks the runner until a newer revision arrives.
func (r *Runner) degrade(ctx context.Context, desired Desired, reason schema.ReasonCode, detail string) {
	if err := r.recorder.Failed(ctx, r.id, reason, detail, r.tracker.Count()); err != nil {
		r.logger.Error("recording failure", "error", err)
	}
	if err := r.recorder.LifecycleChanged(ctx, r.id, schema.LifecycleFailed, schema.LifecycleDegraded, reason, detail); err != nil {
		r.logger.Error("recording degrade transition", "error", err)
	}
	r.degraded = true
	r.degradedRevision = desired.Revision
	r.logger.Warn("degraded", "reason", reason, "revision", desired.Revision)
}

// backoff returns the next retry delay: exponential in the failure
// count, capped, with up to 25% jitter so synchronized failures do not
// retry in lockstep.
func (r *Runner) backoff() time.Duration {
	failures := r.tracker.Count()
	if failures < 1 {
		failures = 1
	}
	delay := r.backoffBase << (failures - 1)
	if delay > r.backoffLimit || delay <= 0 {
		delay = r.backoffLimit
	}
	jitter := time.Duration(rand.Float64() * 0.25 * float64(delay))
	return delay + jitter
}
