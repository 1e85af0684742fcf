// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package dispatch runs a batch of compiled queries against Timely, one HTTP
// request per query, and merges the answers in submission order.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vkcom/timely-datasource/internal/datemath"
	"github.com/vkcom/timely-datasource/internal/timely"
)

var tracer = otel.Tracer("github.com/vkcom/timely-datasource/internal/dispatch")

// TimeRange bounds in epoch milliseconds. A nil End leaves the range open so
// that Timely answers up to the latest data.
type TimeRange struct {
	Start *int64
	End   *int64
}

// ParseTimeRange resolves raw range expressions, rounding the start down and the end up.
func ParseTimeRange(from string, to string, now time.Time) (TimeRange, error) {
	start, err := datemath.ToTSDBTime(from, now, false)
	if err != nil {
		return TimeRange{}, fmt.Errorf("range start: %w", err)
	}
	end, err := datemath.ToTSDBTime(to, now, true)
	if err != nil {
		return TimeRange{}, fmt.Errorf("range end: %w", err)
	}
	return TimeRange{Start: start, End: end}, nil
}

func AbsoluteTimeRange(from time.Time, to time.Time) TimeRange {
	start, end := from.UnixMilli(), to.UnixMilli()
	return TimeRange{Start: &start, End: &end}
}

// Querier is the part of the Timely client the dispatcher needs.
type Querier interface {
	Query(ctx context.Context, req timely.QueryRequest) ([]timely.SeriesResponse, error)
}

type Dispatcher struct {
	Client Querier
	// Now is used when the range start is "now"; time.Now when nil.
	Now func() time.Time
}

// Execute sends every query in its own request and waits for all of them. The
// first failure cancels the rest and fails the batch. Results keep query order
// and, within a query, the order Timely returned.
func (d *Dispatcher) Execute(ctx context.Context, queries []timely.Query, tr TimeRange) ([]timely.SeriesResponse, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	batchID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "dispatch batch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.queries", len(queries)),
	))
	defer span.End()

	start := d.start(tr)
	results := make([][]timely.SeriesResponse, len(queries))
	eg, egCtx := errgroup.WithContext(ctx)
	for i := range queries {
		i := i
		eg.Go(func() error {
			req := timely.QueryRequest{
				Start:             start,
				End:               tr.End,
				Queries:           []timely.Query{queries[i]},
				MsResolution:      true,
				GlobalAnnotations: true,
				ShowQuery:         true,
			}
			res, err := d.Client.Query(egCtx, req)
			if err != nil {
				return fmt.Errorf("query %q: %w", queries[i].Metric, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		log.DefaultLogger.Warn("Query batch failed", "batch", batchID, "queries", len(queries), "error", err)
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	merged := make([]timely.SeriesResponse, 0, total)
	for _, r := range results {
		merged = append(merged, r...)
	}
	log.DefaultLogger.Debug("Query batch done", "batch", batchID, "queries", len(queries), "series", total)
	return merged, nil
}

func (d *Dispatcher) start(tr TimeRange) int64 {
	if tr.Start != nil {
		return *tr.Start
	}
	if d.Now != nil {
		return d.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}
