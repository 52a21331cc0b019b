// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engineerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_ExtractsWrappedKind(t *testing.T) {
	base := New(KindPreflightFailure, "no tables")
	wrapped := fmt.Errorf("preflight: %w", base)

	if got := KindOf(wrapped); got != KindPreflightFailure {
		t.Errorf("expected %s, got %s", KindPreflightFailure, got)
	}
}

func TestKindOf_DefaultsToInternalInvariant(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternalInvariant {
		t.Errorf("expected %s, got %s", KindInternalInvariant, got)
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(New(KindCancellationRequested, "cancelled")) {
		t.Error("expected cancellation kind to be recognized")
	}
	if IsCancellation(New(KindExternalToolFailure, "exit 1")) {
		t.Error("did not expect external tool failure to be a cancellation")
	}
}

func TestWrap_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	ee := Wrap(KindConnectivityFailure, "dial failed", cause)

	if !errors.Is(ee, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}
