// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package engineerr defines the execution engine's error-kind vocabulary.
// Job drivers classify every failure into one of these kinds so the
// orchestrator can pick the right terminal status and a human-readable
// message without string-matching underlying errors, following the same
// validate()-returns-wrapped-field-errors idiom the teacher uses in
// internal/config/agent.go.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies the reason a job driver terminated a job.
type Kind string

const (
	KindInvalidConfiguration  Kind = "invalid_configuration"
	KindConnectivityFailure   Kind = "connectivity_failure"
	KindPreflightFailure      Kind = "preflight_failure"
	KindExternalToolFailure   Kind = "external_tool_failure"
	KindCancellationRequested Kind = "cancellation_requested"
	KindFilesystemFailure     Kind = "filesystem_failure"
	KindCorruptArtifact       Kind = "corrupt_artifact"
	KindInternalInvariant     Kind = "internal_invariant_violation"
)

// EngineError is the shared error type carrying a Kind plus a wrapped cause.
type EngineError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// New builds an *EngineError of the given kind.
func New(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// Wrap builds an *EngineError of the given kind around an existing error.
func Wrap(kind Kind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *EngineError,
// defaulting to KindInternalInvariant for anything else — an unclassified
// failure reaching the driver's top-level recover is itself a contract
// breach worth flagging loudly.
func KindOf(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternalInvariant
}

// IsCancellation reports whether err represents a cooperative cancellation.
func IsCancellation(err error) bool {
	return KindOf(err) == KindCancellationRequested
}
