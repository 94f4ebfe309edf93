// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP response helpers. Body reads are
// bounded at MaxResponseSize so a misbehaving server cannot exhaust
// memory; these helpers are for JSON API responses, not streaming
// bodies, which should be read incrementally.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response body reads at 16 MB.
// Legitimate responses are orders of magnitude smaller; the limit only
// exists to stop a pathological body.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll on HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body, bounded, and decodes
// it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body for diagnostic messages.
// Read errors are ignored: a partial or empty body is still useful in
// an error message.
func ErrorBody(body io.Reader) string {
	data, _ := ReadResponse(body)
	return string(data)
}
