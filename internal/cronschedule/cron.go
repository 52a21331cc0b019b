// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cronschedule parses 5-field cron expressions and computes the next
// fire instant after a given UTC time. It wraps robfig/cron/v3's standard
// parser rather than hand-rolling field matching, since the library already
// implements the day-of-month/day-of-week OR semantics this package requires
// and is the dominant cron dependency across the wider example pack.
package cronschedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// InvalidCron is returned (wrapped) when an expression cannot be parsed.
var InvalidCron = errors.New("invalid cron expression")

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed, immutable 5-field cron expression.
type Schedule struct {
	expr string
	sched cron.Schedule
}

// Parse validates and compiles a 5-field "minute hour day month weekday"
// expression. It returns an error wrapping InvalidCron for anything the
// underlying parser rejects, including the degenerate step form "*/0".
func Parse(expr string) (*Schedule, error) {
	sched, err := standardParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", InvalidCron, expr, err)
	}
	return &Schedule{expr: expr, sched: sched}, nil
}

// String returns the original expression text.
func (s *Schedule) String() string {
	return s.expr
}

// Next returns the smallest instant strictly greater than afterUTC at which
// the schedule fires, per the schedule's own field semantics. The result is
// always in UTC regardless of the input time's location, keeping the
// evaluator deterministic across platforms and time zones.
func (s *Schedule) Next(afterUTC time.Time) time.Time {
	return s.sched.Next(afterUTC.UTC()).UTC()
}

// NextAfter is the package-level pure function form: parse expr and return
// the next fire instant strictly after afterUTC. Callers that evaluate the
// same expression repeatedly should prefer Parse once and reuse the
// *Schedule instead of re-parsing on every call.
func NextAfter(expr string, afterUTC time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(afterUTC), nil
}
