// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package progressparse folds a stream of dumper/loader log lines into a
// per-table progress map plus an overall percent, as a pure function over
// typed line events rather than a stateful regex-dispatch loop — the fold
// itself is unit-testable without a live process. Persistence-write gating
// reuses the teacher's golang.org/x/time/rate dependency, layered by hand
// into a rate.Sometimes-style gate matching the pacing idiom in the
// teacher's dispatcher.go retry/backoff logic.
package progressparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of one table's progress.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusSkipped     Status = "skipped"
	StatusError       Status = "error"
)

// LogLevel classifies a line for the system log, per spec §4.6.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelError LogLevel = "error"
	LevelDebug LogLevel = "debug"
)

// TableProgress is the fold's per-table state.
type TableProgress struct {
	Name         string
	Status       Status
	Percent      int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// State is the accumulated fold result: one entry per known table plus the
// derived overall percent.
type State struct {
	Tables  map[string]*TableProgress
	Percent int

	// order preserves first-seen table ordering for deterministic output.
	order []string

	// loaderMode, once latched by the first recognized loader-style line,
	// disables the dumper-style matchers for the rest of the stream (a
	// single job only ever emits the dumper's tables or the loader's,
	// never both).
	loaderMode bool
	// sawPerTableLine tracks whether any per-table marker has appeared,
	// gating the file-count fallback heuristic for loaders that only log
	// at file granularity.
	sawPerTableLine bool

	filesExtracted int
	filesTotal     int
}

// NewState returns an empty fold accumulator.
func NewState() *State {
	return &State{Tables: map[string]*TableProgress{}}
}

var (
	dumpStarted   = regexp.MustCompile(`(?i)table\s+(?:\S+\.)?(\S+)\s+dump started`)
	dumpCompleted = regexp.MustCompile(`(?i)table\s+(?:\S+\.)?(\S+)\s+dump completed`)
	dumpProgress  = regexp.MustCompile(`(?i)table\s+(?:\S+\.)?(\S+)\s+progress\s+(\d+)%`)
	nonInnodbSkip = regexp.MustCompile(`(?i)non-innodb table\s+(\S+)\s+skipped`)
	tableError    = regexp.MustCompile(`(?i)table\s+(?:\S+\.)?(\S+).*(?:error|failed|fatal)`)

	restoringTable = regexp.MustCompile(`(?i)restoring table\s+(\S+)\s+from archive`)
	restoredTable  = regexp.MustCompile(`(?i)restored table\s+(\S+)`)
	fileCount      = regexp.MustCompile(`(?i)(\d+)\s+of\s+(\d+)\s+files extracted`)

	errorWord = regexp.MustCompile(`(?i)\berror\b|\bfailed\b|\bfatal\b`)
	infoWord  = regexp.MustCompile(`(?i)^\s*\[?info\]?`)
)

func (s *State) entry(name string) *TableProgress {
	tp, ok := s.Tables[name]
	if !ok {
		tp = &TableProgress{Name: name, Status: StatusPending}
		s.Tables[name] = tp
		s.order = append(s.order, name)
	}
	return tp
}

// ClassifyLevel implements the log-level inference rule from spec §4.6.
func ClassifyLevel(line string) LogLevel {
	if infoWord.MatchString(line) {
		return LevelInfo
	}
	if errorWord.MatchString(line) {
		return LevelError
	}
	return LevelDebug
}

// Fold consumes one line, updating the table map and recomputing the
// overall percent. now is injected so the fold stays a pure function of
// its inputs, independently of the wall clock. Unrecognized lines are
// ignored without error, per spec ("the parser must be liberal").
func (s *State) Fold(line string, now time.Time) {
	switch {
	case dumpStarted.MatchString(line) && !s.loaderMode:
		name := dumpStarted.FindStringSubmatch(line)[1]
		tp := s.entry(name)
		tp.Status = StatusInProgress
		t := now
		tp.StartedAt = &t
		s.sawPerTableLine = true

	case dumpCompleted.MatchString(line) && !s.loaderMode:
		name := dumpCompleted.FindStringSubmatch(line)[1]
		tp := s.entry(name)
		tp.Status = StatusCompleted
		tp.Percent = 100
		t := now
		tp.CompletedAt = &t
		s.sawPerTableLine = true

	case dumpProgress.MatchString(line) && !s.loaderMode:
		m := dumpProgress.FindStringSubmatch(line)
		name, pctStr := m[1], m[2]
		pct, err := strconv.Atoi(pctStr)
		if err != nil {
			return
		}
		tp := s.entry(name)
		if tp.Status == StatusPending {
			tp.Status = StatusInProgress
		}
		if pct >= 0 && pct <= 100 {
			tp.Percent = pct
		}
		s.sawPerTableLine = true

	case nonInnodbSkip.MatchString(line):
		name := nonInnodbSkip.FindStringSubmatch(line)[1]
		tp := s.entry(name)
		tp.Status = StatusSkipped
		tp.Percent = 100
		s.sawPerTableLine = true

	case restoringTable.MatchString(line):
		s.loaderMode = true
		name := restoringTable.FindStringSubmatch(line)[1]
		tp := s.entry(name)
		tp.Status = StatusInProgress
		t := now
		tp.StartedAt = &t
		s.sawPerTableLine = true

	case restoredTable.MatchString(line):
		s.loaderMode = true
		name := restoredTable.FindStringSubmatch(line)[1]
		tp := s.entry(name)
		tp.Status = StatusCompleted
		tp.Percent = 100
		t := now
		tp.CompletedAt = &t
		s.sawPerTableLine = true

	case fileCount.MatchString(line):
		m := fileCount.FindStringSubmatch(line)
		extracted, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil && total > 0 {
			s.filesExtracted = extracted
			s.filesTotal = total
		}

	case tableError.MatchString(line):
		name := tableError.FindStringSubmatch(line)[1]
		tp := s.entry(name)
		tp.Status = StatusError
		tp.ErrorMessage = strings.TrimSpace(line)
	}

	s.recompute()
}

// recompute derives the overall percent: the arithmetic mean of per-table
// percents (Skipped counts as 100), falling back to the file-count
// heuristic when no per-table marker has ever appeared (loader-mode
// degraded case from §4.9's Open Question resolution). The result only
// ever moves forward, matching the non-decreasing-percent invariant.
func (s *State) recompute() {
	if !s.sawPerTableLine && s.filesTotal > 0 {
		pct := s.filesExtracted * 100 / s.filesTotal
		if pct > s.Percent {
			s.Percent = pct
		}
		return
	}

	if len(s.order) == 0 {
		return
	}
	sum := 0
	for _, name := range s.order {
		sum += s.Tables[name].Percent
	}
	pct := sum / len(s.order)
	if pct > s.Percent {
		s.Percent = pct
	}
}

// OrderedTables returns every known table in first-seen order.
func (s *State) OrderedTables() []*TableProgress {
	out := make([]*TableProgress, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.Tables[name])
	}
	return out
}
