// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package datemath resolves Grafana range expressions such as "now-6h", "now/d"
// or "now-1M/M" as well as absolute timestamps.
package datemath

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tdm "github.com/timberio/go-datemath"
)

const Now = "now"

// Grafana sends absolute ranges in this layout, which the expression grammar lacks.
const grafanaLayout = "2006-01-02 15:04:05"

// Parse resolves expr relative to now. When roundUp is set a "/unit" suffix
// rounds to the end of the unit instead of its start.
func Parse(expr string, now time.Time, roundUp bool) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty date expression")
	}
	if ms, err := strconv.ParseInt(expr, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	if t, err := time.ParseInLocation(grafanaLayout, expr, now.Location()); err == nil {
		return t, nil
	}
	t, err := tdm.ParseAndEvaluate(expr,
		tdm.WithNow(now),
		tdm.WithLocation(now.Location()),
		tdm.WithStartOfWeek(time.Monday),
		tdm.WithRoundUp(roundUp),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", expr, err)
	}
	return t, nil
}

// ToTSDBTime converts a range expression to epoch milliseconds. The literal "now"
// yields nil so that callers omit the bound and let the server use its default.
func ToTSDBTime(expr string, now time.Time, roundUp bool) (*int64, error) {
	if strings.TrimSpace(expr) == Now {
		return nil, nil
	}
	t, err := Parse(expr, now, roundUp)
	if err != nil {
		return nil, err
	}
	ms := t.UnixMilli()
	return &ms, nil
}
