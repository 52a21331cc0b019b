// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package progressparse

import (
	"sync"

	"golang.org/x/time/rate"
)

// PersistGate decides whether a fold update should trigger a persistence
// write: only when the integer overall percent changes, or a table
// transitions (spec §4.6: "this caps database write amplification"). It
// layers a rate.Limiter on top as a hard ceiling so a pathological stream
// of rapid per-table transitions cannot overwhelm the gateway, the same
// pacing idiom the teacher's dispatcher.go applies to retry/backoff rather
// than the rate package's own rate.Sometimes (which the pack does not
// otherwise use).
type PersistGate struct {
	mu           sync.Mutex
	lastPercent  int
	lastStatuses map[string]Status
	limiter      *rate.Limiter
}

// NewPersistGate builds a gate allowing at most ratePerSecond writes/sec,
// always bursting to 1 so the very first observation is never dropped.
func NewPersistGate(ratePerSecond float64) *PersistGate {
	return &PersistGate{
		lastPercent:  -1,
		lastStatuses: map[string]Status{},
		limiter:      rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

// ShouldPersist reports whether state represents a change worth persisting,
// and records state as the new baseline if so.
func (g *PersistGate) ShouldPersist(state *State) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := state.Percent != g.lastPercent
	if !changed {
		for _, tp := range state.OrderedTables() {
			if g.lastStatuses[tp.Name] != tp.Status {
				changed = true
				break
			}
		}
	}
	if !changed {
		return false
	}
	if !g.limiter.Allow() {
		return false
	}

	g.lastPercent = state.Percent
	for _, tp := range state.OrderedTables() {
		g.lastStatuses[tp.Name] = tp.Status
	}
	return true
}
