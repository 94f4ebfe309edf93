// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/schema"
)

// Workload is everything the substrate needs to run one instance.
type Workload struct {
	InstanceID     ident.InstanceID
	Spec           schema.InstanceSpec
	OverlayAddress string
	VolumeID       ident.VolumeID
}

// Substrate runs instances on one node. Implementations must be safe
// for concurrent use: each instance's runner calls from its own
// goroutine.
type Substrate interface {
	// Prepare fetches the image and creates the stopped workload.
	Prepare(ctx context.Context, workload Workload) error

	// Attach makes volume available to the workload. Idempotent:
	// attaching an already-attached volume is a no-op.
	Attach(ctx context.Context, id ident.InstanceID, volume ident.VolumeID) error

	// Detach releases volume from the workload. Idempotent.
	Detach(ctx context.Context, id ident.InstanceID, volume ident.VolumeID) error

	// Start launches a prepared workload.
	Start(ctx context.Context, id ident.InstanceID) error

	// Await blocks until a started workload reports ready.
	Await(ctx context.Context, id ident.InstanceID) error

	// Drain tells a ready workload to stop accepting work.
	Drain(ctx context.Context, id ident.InstanceID) error

	// Stop terminates a workload.
	Stop(ctx context.Context, id ident.InstanceID) error

	// Remove releases every node-local trace of a stopped workload.
	Remove(ctx context.Context, id ident.InstanceID) error

	// Observe reports the workload's actual lifecycle state.
	Observe(ctx context.Context, id ident.InstanceID) (schema.Lifecycle, error)
}

// Error is a substrate failure with its typed reason.
type Error struct {
	Reason schema.ReasonCode
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("runtime: %s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable substrate failure.
func Transient(op string, err error) error {
	return &Error{Reason: schema.ReasonRuntimeTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable substrate failure.
func Permanent(op string, err error) error {
	return &Error{Reason: schema.ReasonRuntimePermanent, Op: op, Err: err}
}

// Classify extracts the typed reason from a substrate error. Unknown
// errors default to transient: retrying a mystery is safer than
// permanently parking an instance over one.
func Classify(err error) schema.ReasonCode {
	var substrateErr *Error
	if errors.As(err, &substrateErr) {
		return substrateErr.Reason
	}
	return schema.ReasonRuntimeTransient
}
