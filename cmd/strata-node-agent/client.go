// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/netutil"
	"github.com/strata-cloud/strata/lib/schema"
)

// APIError is a control plane rejection with its typed code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane: %d %s: %s", e.Status, e.Code, e.Message)
}

// isCode reports whether err is a control plane rejection with code.
func isCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// ClientConfig holds the parameters for creating a Client.
type ClientConfig struct {
	// BaseURL is the control plane's API root.
	BaseURL string

	// NodeID identifies this agent on every request.
	NodeID ident.NodeID

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client
}

// Client is the agent's command connection to the control plane.
type Client struct {
	base string
	node ident.NodeID
	http *http.Client
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("agent: invalid BaseURL: %w", err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("agent: NodeID is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: cfg.BaseURL, node: cfg.NodeID, http: httpClient}, nil
}

// Enroll registers the node's capacity. Re-enrolling an existing node
// returns an APIError with code already_exists; the caller decides
// whether that is fatal.
func (c *Client) Enroll(ctx context.Context, allocatableBytes, cpuWeightTotal int64, labels []string) error {
	return c.post(ctx, "/v1/nodes", map[string]any{
		"node_id":           c.node,
		"allocatable_bytes": allocatableBytes,
		"cpu_weight_total":  cpuWeightTotal,
		"labels":            labels,
	})
}

// Heartbeat reports the node's current usage.
func (c *Client) Heartbeat(ctx context.Context, usedBytes, cpuWeightUsed int64) error {
	return c.post(ctx, "/v1/nodes/"+url.PathEscape(string(c.node))+"/heartbeat", map[string]any{
		"used_bytes":      usedBytes,
		"cpu_weight_used": cpuWeightUsed,
	})
}

// ReportLifecycle records one observed lifecycle transition.
func (c *Client) ReportLifecycle(ctx context.Context, id ident.InstanceID, from, to schema.Lifecycle, reason schema.ReasonCode, detail string) error {
	body := map[string]any{"from": from, "to": to}
	if reason != schema.ReasonNone {
		body["reason"] = reason
	}
	if detail != "" {
		body["detail"] = detail
	}
	return c.post(ctx, "/v1/instances/"+url.PathEscape(string(id))+"/events", body)
}

// ReportFailed records a convergence failure with its typed reason.
func (c *Client) ReportFailed(ctx context.Context, id ident.InstanceID, reason schema.ReasonCode, detail string, attempts int) error {
	return c.post(ctx, "/v1/instances/"+url.PathEscape(string(id))+"/events", map[string]any{
		"failed":   true,
		"reason":   reason,
		"detail":   detail,
		"attempts": attempts,
	})
}

// ReportVolumeDetached records that the agent released volume after
// stopping instance.
func (c *Client) ReportVolumeDetached(ctx context.Context, volume ident.VolumeID, instance ident.InstanceID) error {
	return c.post(ctx, "/v1/volumes/"+url.PathEscape(string(volume))+"/detach", map[string]any{
		"instance_id": instance,
	})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("agent: encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return fmt.Errorf("agent: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Strata-Actor", string(c.node))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode, Code: "internal"}
	var decoded struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := netutil.DecodeResponse(resp.Body, &decoded); err == nil && decoded.Code != "" {
		apiErr.Code = decoded.Code
		apiErr.Message = decoded.Error
	}
	return apiErr
}
