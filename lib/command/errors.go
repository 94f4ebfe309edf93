// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package command

import "fmt"

// Validation error codes. Stable strings: they cross the API boundary.
const (
	CodeNotFound       = "not_found"
	CodeAlreadyExists  = "already_exists"
	CodeInvalidInput   = "invalid_input"
	CodeExclusivity    = "exclusivity_conflict"
	CodeNodeDraining   = "node_draining"
	CodeVolumeBound    = "volume_bound"
	CodeRetryExhausted = "retry_exhausted"
)

// ValidationError is a command rejected on its merits. The command had
// no effect and retrying unchanged will fail the same way.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("command: %s: %s", e.Code, e.Message)
}

func invalid(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
