// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/strata-cloud/strata/lib/command"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/projection"
	"github.com/strata-cloud/strata/lib/schema"
	"github.com/strata-cloud/strata/lib/sqlitepool"
)

// API is the control plane's command and status surface.
//
// Writes go through the command handler; after a successful append the
// API waits briefly for the relevant view to converge so the caller
// can read their own write. A 202 means the write is durable but the
// view is still converging.
type API struct {
	commands    *command.Handler
	engine      *projection.Engine
	pool        *sqlitepool.Pool
	worker      *Worker
	logger      *slog.Logger
	waitTimeout time.Duration
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/nodes", a.handleEnrollNode)
	mux.HandleFunc("POST /v1/nodes/{id}/heartbeat", a.handleHeartbeat)
	mux.HandleFunc("POST /v1/nodes/{id}/drain", a.handleDrainNode)
	mux.HandleFunc("POST /v1/groups", a.handleCreateGroup)
	mux.HandleFunc("PUT /v1/groups/{id}/scale", a.handleSetScale)
	mux.HandleFunc("PUT /v1/groups/{id}/release", a.handleSetRelease)
	mux.HandleFunc("GET /v1/groups/{id}/status", a.handleGroupStatus)
	mux.HandleFunc("POST /v1/volumes", a.handleCreateVolume)
	mux.HandleFunc("PUT /v1/volumes/{id}/bind", a.handleBindVolume)
	mux.HandleFunc("POST /v1/volumes/{id}/detach", a.handleVolumeDetach)
	mux.HandleFunc("GET /v1/instances/{id}/status", a.handleInstanceStatus)
	mux.HandleFunc("POST /v1/instances/{id}/events", a.handleInstanceReport)
}

// commandResponse reports an applied command.
type commandResponse struct {
	EventIDs []ident.EventID `json:"event_ids"`
	// Converged is false when the view had not caught up to the write
	// within the wait budget (HTTP 202).
	Converged bool `json:"converged"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (a *API) meta(r *http.Request) command.Meta {
	actor := r.Header.Get("X-Strata-Actor")
	if actor == "" {
		actor = "anonymous"
	}
	return command.Meta{
		ActorKind:      ident.ActorUser,
		ActorID:        actor,
		RequestID:      ident.NewRequestID(),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
}

// finish waits for the view covering the write, then answers.
func (a *API) finish(w http.ResponseWriter, r *http.Request, result command.Result, view string) {
	waitCtx, cancel := context.WithTimeout(r.Context(), a.waitTimeout)
	defer cancel()

	converged := true
	status := http.StatusOK
	if err := a.engine.Wait(waitCtx, view, result.Last()); err != nil {
		if !errors.Is(err, projection.ErrStillConverging) {
			a.writeError(w, err)
			return
		}
		converged = false
		status = http.StatusAccepted
	}
	writeJSON(w, status, commandResponse{EventIDs: result.EventIDs, Converged: converged})
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	var validation *command.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, statusForCode(validation.Code), errorResponse{
			Code:  validation.Code,
			Error: validation.Message,
		})
		return
	}
	a.logger.Error("command failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Code:  "internal",
		Error: "internal error",
	})
}

func statusForCode(code string) int {
	switch code {
	case command.CodeNotFound:
		return http.StatusNotFound
	case command.CodeInvalidInput:
		return http.StatusBadRequest
	case command.CodeAlreadyExists, command.CodeExclusivity,
		command.CodeNodeDraining, command.CodeVolumeBound:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:  command.CodeInvalidInput,
			Error: fmt.Sprintf("decoding request body: %v", err),
		})
		return false
	}
	return true
}

type enrollNodeRequest struct {
	NodeID           ident.NodeID `json:"node_id"`
	AllocatableBytes int64        `json:"allocatable_bytes"`
	CPUWeightTotal   int64        `json:"cpu_weight_total"`
	Labels           []string     `json:"labels,omitempty"`
}

func (a *API) handleEnrollNode(w http.ResponseWriter, r *http.Request) {
	var req enrollNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.commands.EnrollNode(r.Context(), a.meta(r), command.EnrollNode{
		NodeID:           req.NodeID,
		AllocatableBytes: req.AllocatableBytes,
		CPUWeightTotal:   req.CPUWeightTotal,
		Labels:           req.Labels,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.finish(w, r, result, "nodes")
}

type heartbeatRequest struct {
	UsedBytes     int64 `json:"used_bytes"`
	CPUWeightUsed int64 `json:"cpu_weight_used"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.commands.RecordHeartbeat(r.Context(), a.meta(r), command.RecordHeartbeat{
		NodeID:        ident.NodeID(r.PathValue("id")),
		UsedBytes:     req.UsedBytes,
		CPUWeightUsed: req.CPUWeightUsed,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	// Heartbeats are fire-and-forget; no read-your-writes wait.
	writeJSON(w, http.StatusOK, commandResponse{EventIDs: result.EventIDs, Converged: true})
}

type drainNodeRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleDrainNode(w http.ResponseWriter, r *http.Request) {
	var req drainNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.commands.DrainNode(r.Context(), a.meta(r), command.DrainNode{
		NodeID: ident.NodeID(r.PathValue("id")),
		Reason: req.Reason,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.finish(w, r, result, "nodes")
}

type createGroupRequest struct {
	GroupID  ident.GroupID  `json:"group_id"`
	Name     string         `json:"name"`
	VolumeID ident.VolumeID `json:"volume_id,omitempty"`
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.commands.CreateGroup(r.Context(), a.meta(r), command.CreateGroup{
		GroupID:  req.GroupID,
		Name:     req.Name,
		VolumeID: req.VolumeID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.finish(w, r, result, "groups")
}

type setScaleRequest struct {
	Replicas int `json:"replicas"`
}

func (a *API) handleSetScale(w http.ResponseWriter, r *http.Request) {
	var req setScaleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.commands.SetGroupScale(r.Context(), a.meta(r), command.SetGroupScale{
		GroupID:  ident.GroupID(r.PathValue("id")),
		Replicas: req.Replicas,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.finish(w, r, result, "groups")
}

type setReleaseRequest struct {
	Spec schema.InstanceSpec `json:"spec"`
}

func (a *API) handleSetRelease(w http.ResponseWriter, r *http.Request) {
	var req setReleaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.commands.SetGroupRelease(r.Context(), a.meta(r), command.SetGroupRelease{
		GroupID: ident.GroupID(r.PathValue("id")),
		Spec:    req.Spec,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.finish(w, r, result, "groups")
}

type createVolumeRequest struct {
	VolumeID  ident.VolumeID `json:"volume_id"`
	SizeBytes int64          `json:"size_bytes"`
}

func (a *API) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var req createVolumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.commands.CreateVolume(r.Context(), a.meta(r), command.CreateVolume{
		VolumeID:  req.VolumeID,
		SizeBytes: req.SizeBytes,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.finish(w, r, result, "volumes")
}

type bindVolumeRequest struct {
	NodeID ident.NodeID `json:"node_id"`
}

func (a *API) handleBindVolume(w http.ResponseWriter, r *http.Request) {
	var req bindVolumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.commands.BindVolume(r.Context(), a.meta(r), command.BindVolume{
		VolumeID: ident.VolumeID(r.PathValue("id")),
		NodeID:   req.NodeID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.finish(w, r, result, "volumes")
}

type volumeDetachRequest struct {
	InstanceID ident.InstanceID `json:"instance_id"`
}

func (a *API) handleVolumeDetach(w http.ResponseWriter, r *http.Request) {
	var req volumeDetachRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.commands.ReportVolumeDetached(r.Context(), a.meta(r), command.ReportVolumeDetached{
		VolumeID:   ident.VolumeID(r.PathValue("id")),
		InstanceID: req.InstanceID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	// Agent reports are fire-and-forget, like heartbeats.
	writeJSON(w, http.StatusOK, commandResponse{EventIDs: result.EventIDs, Converged: true})
}

// instanceReportRequest is how node agents report convergence progress
// back: one lifecycle transition or failure per call.
type instanceReportRequest struct {
	From     schema.Lifecycle  `json:"from,omitempty"`
	To       schema.Lifecycle  `json:"to,omitempty"`
	Reason   schema.ReasonCode `json:"reason,omitempty"`
	Detail   string            `json:"detail,omitempty"`
	Failed   bool              `json:"failed,omitempty"`
	Attempts int               `json:"attempts,omitempty"`
}

func (a *API) handleInstanceReport(w http.ResponseWriter, r *http.Request) {
	var req instanceReportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := ident.InstanceID(r.PathValue("id"))
	var (
		result command.Result
		err    error
	)
	if req.Failed {
		result, err = a.commands.ReportInstanceFailed(r.Context(), a.meta(r), command.ReportInstanceFailed{
			InstanceID: id,
			Reason:     req.Reason,
			Detail:     req.Detail,
			Attempts:   req.Attempts,
		})
	} else {
		result, err = a.commands.ReportInstanceLifecycle(r.Context(), a.meta(r), command.ReportInstanceLifecycle{
			InstanceID: id,
			From:       req.From,
			To:         req.To,
			Reason:     req.Reason,
			Detail:     req.Detail,
		})
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{EventIDs: result.EventIDs, Converged: true})
}

// instanceStatus is the per-instance status surface: desired next to
// actual, with the typed reason when they disagree.
type instanceStatus struct {
	InstanceID     ident.InstanceID  `json:"instance_id"`
	GroupID        ident.GroupID     `json:"group_id"`
	NodeID         ident.NodeID      `json:"node_id"`
	Desired        schema.Lifecycle  `json:"desired"`
	Actual         schema.Lifecycle  `json:"actual"`
	Reason         schema.ReasonCode `json:"reason,omitempty"`
	Detail         string            `json:"detail,omitempty"`
	Revision       int64             `json:"revision"`
	OverlayAddress string            `json:"overlay_address"`
}

func (a *API) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := a.pool.Take(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer a.pool.Put(conn)

	var status instanceStatus
	found := false
	err = sqlitex.Execute(conn, `
		SELECT instance_id, group_id, node_id, desired, actual, reason, detail,
		       revision, overlay_address
		FROM view_instances WHERE instance_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status = instanceStatus{
					InstanceID:     ident.InstanceID(stmt.ColumnText(0)),
					GroupID:        ident.GroupID(stmt.ColumnText(1)),
					NodeID:         ident.NodeID(stmt.ColumnText(2)),
					Desired:        schema.Lifecycle(stmt.ColumnText(3)),
					Actual:         schema.Lifecycle(stmt.ColumnText(4)),
					Reason:         schema.ReasonCode(stmt.ColumnText(5)),
					Detail:         stmt.ColumnText(6),
					Revision:       stmt.ColumnInt64(7),
					OverlayAddress: stmt.ColumnText(8),
				}
				found = true
				return nil
			},
		})
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Code:  command.CodeNotFound,
			Error: fmt.Sprintf("instance %s not found", id),
		})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// groupStatus aggregates a group's instances and the planner's latest
// non-placement verdicts.
type groupStatus struct {
	GroupID  ident.GroupID     `json:"group_id"`
	Name     string            `json:"name"`
	Replicas int               `json:"replicas"`
	Revision int64             `json:"revision"`
	Members  []instanceStatus  `json:"members"`
	Unplaced []unplacedVerdict `json:"unplaced,omitempty"`
}

type unplacedVerdict struct {
	Reason schema.ReasonCode `json:"reason"`
	Detail string            `json:"detail,omitempty"`
}

func (a *API) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := a.pool.Take(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer a.pool.Put(conn)

	var status groupStatus
	found := false
	err = sqlitex.Execute(conn,
		"SELECT group_id, name, replicas, revision FROM view_groups WHERE group_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status = groupStatus{
					GroupID:  ident.GroupID(stmt.ColumnText(0)),
					Name:     stmt.ColumnText(1),
					Replicas: int(stmt.ColumnInt64(2)),
					Revision: stmt.ColumnInt64(3),
				}
				found = true
				return nil
			},
		})
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Code:  command.CodeNotFound,
			Error: fmt.Sprintf("group %s not found", id),
		})
		return
	}

	err = sqlitex.Execute(conn, `
		SELECT instance_id, group_id, node_id, desired, actual, reason, detail,
		       revision, overlay_address
		FROM view_instances WHERE group_id = ? ORDER BY instance_id`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status.Members = append(status.Members, instanceStatus{
					InstanceID:     ident.InstanceID(stmt.ColumnText(0)),
					GroupID:        ident.GroupID(stmt.ColumnText(1)),
					NodeID:         ident.NodeID(stmt.ColumnText(2)),
					Desired:        schema.Lifecycle(stmt.ColumnText(3)),
					Actual:         schema.Lifecycle(stmt.ColumnText(4)),
					Reason:         schema.ReasonCode(stmt.ColumnText(5)),
					Detail:         stmt.ColumnText(6),
					Revision:       stmt.ColumnInt64(7),
					OverlayAddress: stmt.ColumnText(8),
				})
				return nil
			},
		})
	if err != nil {
		a.writeError(w, err)
		return
	}

	if a.worker != nil {
		for _, verdict := range a.worker.Unplaced()[ident.GroupID(id)] {
			status.Unplaced = append(status.Unplaced, unplacedVerdict{
				Reason: verdict.Reason,
				Detail: verdict.Detail,
			})
		}
	}
	writeJSON(w, http.StatusOK, status)
}
