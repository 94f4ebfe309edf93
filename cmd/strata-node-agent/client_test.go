// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/strata-cloud/strata/lib/schema"
)

func TestClientReportsLifecycle(t *testing.T) {
	var (
		gotPath  string
		gotActor string
		gotBody  map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotActor = r.Header.Get("X-Strata-Actor")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.Write([]byte(`{"event_ids":[7],"converged":true}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL, NodeID: "node-a"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = client.ReportLifecycle(context.Background(), "inst_1",
		schema.LifecycleAllocated, schema.LifecyclePreparing, schema.ReasonNone, "")
	if err != nil {
		t.Fatalf("ReportLifecycle: %v", err)
	}

	if gotPath != "/v1/instances/inst_1/events" {
		t.Errorf("path = %s", gotPath)
	}
	if gotActor != "node-a" {
		t.Errorf("actor header = %q", gotActor)
	}
	if gotBody["from"] != "allocated" || gotBody["to"] != "preparing" {
		t.Errorf("body = %v", gotBody)
	}
	if _, ok := gotBody["reason"]; ok {
		t.Error("empty reason was serialized")
	}
}

func TestClientDecodesTypedErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"already_exists","error":"node node-a already enrolled"}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL, NodeID: "node-a"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = client.Enroll(context.Background(), 4<<30, 1000, nil)
	if err == nil {
		t.Fatal("Enroll succeeded against a 409")
	}
	if !isCode(err, "already_exists") {
		t.Errorf("isCode(already_exists) = false for %v", err)
	}
	if isCode(err, "not_found") {
		t.Errorf("isCode matched the wrong code for %v", err)
	}
}
