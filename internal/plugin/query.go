// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package plugin

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/grafana/grafana-plugin-sdk-go/data"

	"github.com/vkcom/timely-datasource/internal/dispatch"
	"github.com/vkcom/timely-datasource/internal/query"
	"github.com/vkcom/timely-datasource/internal/series"
	"github.com/vkcom/timely-datasource/internal/templatevar"
	"github.com/vkcom/timely-datasource/internal/timely"
)

// batchKey groups the queries that share a time range and an interval. Each
// group goes through compile, dispatch and transform as one batch.
type batchKey struct {
	from     int64
	to       int64
	rawFrom  string
	rawTo    string
	interval time.Duration
}

// compileError marks batch failures caused by the queries themselves.
type compileError struct{ error }

func (e compileError) Unwrap() error { return e.error }

type batch struct {
	key     batchKey
	tr      dispatch.TimeRange
	targets []*query.Target
}

// QueryData handles multiple queries and returns multiple responses.
// req contains the queries []DataQuery (where each query contains RefID as a unique identifier).
// The QueryDataResponse contains a map of RefID to the response for each query, and each response
// contains Frames ([]*Frame).
func (d *Datasource) QueryData(ctx context.Context, req *backend.QueryDataRequest) (*backend.QueryDataResponse, error) {
	log.DefaultLogger.Debug("QueryData called", "queries", len(req.Queries))
	ctx, client := d.clients.forRequest(ctx, req.GetHTTPHeaders(), req.PluginContext.User != nil)
	response := backend.NewQueryDataResponse()
	now := d.now()

	var batches []*batch
	index := map[batchKey]*batch{}
	for _, q := range req.Queries {
		t, err := query.ParseTarget(q.JSON)
		if err != nil {
			response.Responses[q.RefID] = backend.ErrDataResponse(backend.StatusBadRequest, err.Error())
			continue
		}
		t.RefID = q.RefID
		if q.QueryType != "" {
			t.QueryType = q.QueryType
		}
		tr, key, err := targetRange(t, q, now)
		if err != nil {
			response.Responses[q.RefID] = backend.ErrDataResponse(backend.StatusBadRequest, err.Error())
			continue
		}
		if t.QueryType == query.QueryTypeAnnotations {
			response.Responses[q.RefID] = d.annotations(ctx, client, t, tr)
			continue
		}
		if t.Hide || t.Metric == "" {
			response.Responses[q.RefID] = backend.DataResponse{}
			continue
		}
		if err = t.Validate(); err != nil {
			response.Responses[q.RefID] = backend.ErrDataResponse(backend.StatusBadRequest, err.Error())
			continue
		}
		b, ok := index[key]
		if !ok {
			b = &batch{key: key, tr: tr}
			index[key] = b
			batches = append(batches, b)
		}
		b.targets = append(b.targets, t)
		response.Responses[q.RefID] = backend.DataResponse{}
	}

	for _, b := range batches {
		frames, err := d.runBatch(ctx, client, b)
		if err != nil {
			res := backend.ErrDataResponseWithSource(backend.StatusBadGateway, backend.ErrorSourceDownstream, err.Error())
			var ce compileError
			if errors.As(err, &ce) {
				res = backend.ErrDataResponse(backend.StatusBadRequest, err.Error())
			}
			for _, t := range b.targets {
				response.Responses[t.RefID] = res
			}
			continue
		}
		for refID, fs := range frames {
			res := response.Responses[refID]
			res.Frames = append(res.Frames, fs...)
			response.Responses[refID] = res
		}
	}
	return response, nil
}

func targetRange(t *query.Target, q backend.DataQuery, now time.Time) (dispatch.TimeRange, batchKey, error) {
	key := batchKey{interval: q.Interval}
	if t.RangeRaw != nil && t.RangeRaw.From != "" {
		to := t.RangeRaw.To
		if to == "" {
			to = "now"
		}
		tr, err := dispatch.ParseTimeRange(t.RangeRaw.From, to, now)
		key.rawFrom, key.rawTo = t.RangeRaw.From, to
		return tr, key, err
	}
	key.from, key.to = q.TimeRange.From.UnixMilli(), q.TimeRange.To.UnixMilli()
	return dispatch.AbsoluteTimeRange(q.TimeRange.From, q.TimeRange.To), key, nil
}

// runBatch returns the frames of every target of the batch by RefID.
func (d *Datasource) runBatch(ctx context.Context, client *timely.Client, b *batch) (map[string]data.Frames, error) {
	compiler := &query.Compiler{Interp: d.interp, Interval: b.key.interval, DatasourceTags: d.datasourceTags}
	compiled, err := compiler.CompileBatch(b.targets, nil)
	if err != nil {
		return nil, compileError{err}
	}
	if len(compiled) == 0 {
		return nil, nil
	}
	queries := make([]timely.Query, len(compiled))
	targets := make([]*query.Target, len(compiled))
	for i, c := range compiled {
		queries[i] = c.Query
		targets[i] = c.Target
	}

	dispatcher := &dispatch.Dispatcher{Client: client, Now: d.now}
	results, err := dispatcher.Execute(ctx, queries, b.tr)
	if err != nil {
		return nil, err
	}
	d.tagKeys.observe(results)

	owners, err := series.MapResponsesToTargets(results, targets, d.interp, nil)
	if err != nil {
		return nil, compileError{err}
	}
	groupBy := query.GroupByTagKeys(compiled)
	transformer := &series.Transformer{Interp: d.interp}
	frames := map[string]data.Frames{}
	for i := range results {
		owner := owners[i]
		if owner < 0 {
			owner = 0
		}
		t := targets[owner]
		ds, err := transformer.Transform(&results[i], groupBy, t, nil)
		if err != nil {
			return nil, compileError{err}
		}
		frames[t.RefID] = append(frames[t.RefID], ds.Frame(t.RefID))
	}
	return frames, nil
}

// annotations runs an annotation query: the target metric summed over all
// series, with events taken from the first result.
func (d *Datasource) annotations(ctx context.Context, client *timely.Client, t *query.Target, tr dispatch.TimeRange) backend.DataResponse {
	frame := data.NewFrame("annotations",
		data.NewField("time", nil, []time.Time{}),
		data.NewField("timeEnd", nil, []*time.Time{}),
		data.NewField("title", nil, []string{}),
		data.NewField("text", nil, []string{}),
	)
	frame.RefID = t.RefID
	metric := t.AnnotationTarget
	if metric == "" {
		metric = t.Metric
	}
	metric, err := d.interp.Replace(metric, t.ScopedVars, templatevar.FormatDefault)
	if err != nil {
		return backend.ErrDataResponse(backend.StatusBadRequest, err.Error())
	}
	if metric == "" {
		return backend.DataResponse{Frames: data.Frames{frame}}
	}

	dispatcher := &dispatch.Dispatcher{Client: client, Now: d.now}
	results, err := dispatcher.Execute(ctx, []timely.Query{{Metric: metric, Aggregator: query.AnnotationAggregator}}, tr)
	if err != nil {
		return backend.ErrDataResponseWithSource(backend.StatusBadGateway, backend.ErrorSourceDownstream, err.Error())
	}
	if len(results) == 0 {
		return backend.DataResponse{Frames: data.Frames{frame}}
	}
	events := results[0].Annotations
	if t.IsGlobal {
		events = results[0].GlobalAnnotations
	}
	for _, e := range events {
		var end *time.Time
		if e.EndTime > 0 {
			et := time.UnixMilli(int64(math.Floor(e.EndTime)) * 1000)
			end = &et
		}
		frame.AppendRow(time.UnixMilli(int64(math.Floor(e.StartTime))*1000), end, e.Description, e.Notes)
	}
	return backend.DataResponse{Frames: data.Frames{frame}}
}
