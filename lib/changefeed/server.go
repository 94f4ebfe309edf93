// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package changefeed

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/strata-cloud/strata/lib/codec"
	"github.com/strata-cloud/strata/lib/ident"
)

// HTTPHandler serves the feed over HTTP: a pull endpoint returning one
// CBOR batch, and a push endpoint streaming zstd-compressed CBOR
// frames.
type HTTPHandler struct {
	feed   *Feed
	logger *slog.Logger
}

// NewHTTPHandler wraps feed for HTTP serving.
func NewHTTPHandler(feed *Feed, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPHandler{feed: feed, logger: logger}
}

// Register mounts the feed endpoints on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/changes", h.handleChanges)
	mux.HandleFunc("GET /v1/changes/stream", h.handleStream)
}

func parseCursor(r *http.Request) (ident.EventID, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, fmt.Errorf("changefeed: invalid cursor %q", raw)
	}
	return ident.EventID(cursor), nil
}

func (h *HTTPHandler) handleChanges(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseCursor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	scope := ScopeFromValues(r.URL.Query())

	batch, err := h.feed.Changes(r.Context(), cursor, scope)
	if err != nil {
		h.logger.Error("changes read failed", "cursor", cursor, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data, err := codec.Marshal(batch)
	if err != nil {
		h.logger.Error("encoding batch", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(data)
}

func (h *HTTPHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseCursor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	scope := ScopeFromValues(r.URL.Query())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	compressor, err := zstd.NewWriter(w)
	if err != nil {
		h.logger.Error("creating zstd writer", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer compressor.Close()

	w.Header().Set("Content-Type", "application/cbor-seq")
	w.Header().Set("Content-Encoding", "zstd")
	w.WriteHeader(http.StatusOK)

	encoder := codec.NewEncoder(compressor)
	err = h.feed.Stream(r.Context(), cursor, scope, func(batch Batch) error {
		if err := encoder.Encode(batch); err != nil {
			return err
		}
		// Each frame must reach the follower promptly; a buffered
		// frame is an invisible one.
		if err := compressor.Flush(); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		h.logger.Warn("stream ended", "cursor", cursor, "error", err)
	}
}
