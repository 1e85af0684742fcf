// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package series maps Timely series back to the targets that asked for them
// and turns them into labelled, time-ordered display series.
package series

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/data"

	"github.com/vkcom/timely-datasource/internal/query"
	"github.com/vkcom/timely-datasource/internal/templatevar"
	"github.com/vkcom/timely-datasource/internal/timely"
)

const (
	tagVarPrefix = "tag_"
	metricVar    = "metric"
)

type Point struct {
	Value     float64
	Timestamp int64 // epoch milliseconds
}

type DisplaySeries struct {
	Label  string
	Metric string
	Tags   map[string]string
	Points []Point
}

// Transformer labels series. Labels come from the target alias when there is
// one, otherwise from the metric name and the tags the batch grouped by.
type Transformer struct {
	Interp templatevar.Interpolator
}

func (tr *Transformer) Transform(s *timely.SeriesResponse, groupBy map[string]struct{}, target *query.Target, vars templatevar.ScopedVars) (DisplaySeries, error) {
	label, err := tr.Label(s, groupBy, target, vars)
	if err != nil {
		return DisplaySeries{}, err
	}
	return DisplaySeries{
		Label:  label,
		Metric: s.Metric,
		Tags:   s.Tags,
		Points: Points(s.DPS),
	}, nil
}

func (tr *Transformer) Label(s *timely.SeriesResponse, groupBy map[string]struct{}, target *query.Target, vars templatevar.ScopedVars) (string, error) {
	if target != nil && target.Alias != "" {
		scope := make(templatevar.ScopedVars, len(vars)+len(target.ScopedVars)+len(s.Tags)+1)
		for k, v := range query.MergeVars(vars, target.ScopedVars) {
			scope[k] = v
		}
		scope[metricVar] = templatevar.Single(s.Metric)
		for k, v := range s.Tags {
			scope[tagVarPrefix+k] = templatevar.Single(v)
		}
		label, err := tr.Interp.Replace(target.Alias, scope, templatevar.FormatDefault)
		if err != nil {
			return "", fmt.Errorf("alias %q: %w", target.Alias, err)
		}
		return label, nil
	}
	return DefaultLabel(s.Metric, s.Tags, groupBy), nil
}

// DefaultLabel is "metric" without tags, "metric value" with a single tag and
// "metric{k1=v1, k2=v2}" otherwise, listing only group-by keys in key order.
func DefaultLabel(metric string, tags map[string]string, groupBy map[string]struct{}) string {
	switch len(tags) {
	case 0:
		return metric
	case 1:
		for _, v := range tags {
			return metric + " " + v
		}
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		if _, ok := groupBy[k]; ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return metric
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(metric)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(tags[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Points orders the datapoints by time. Timely does not promise any key order,
// and keys that are not integer timestamps are dropped.
func Points(dps map[string]float64) []Point {
	res := make([]Point, 0, len(dps))
	for k, v := range dps {
		ts, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(k, 64)
			if ferr != nil {
				continue
			}
			ts = int64(f)
		}
		res = append(res, Point{Value: v, Timestamp: ts})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Timestamp < res[j].Timestamp })
	return res
}

// Frame renders the series as a Grafana time series frame. NaN values become nulls.
func (ds *DisplaySeries) Frame(refID string) *data.Frame {
	times := make([]time.Time, 0, len(ds.Points))
	values := make([]*float64, 0, len(ds.Points))
	for _, p := range ds.Points {
		times = append(times, time.UnixMilli(p.Timestamp))
		if math.IsNaN(p.Value) {
			values = append(values, nil)
			continue
		}
		v := p.Value
		values = append(values, &v)
	}
	valueField := data.NewField(ds.Metric, data.Labels(ds.Tags), values)
	valueField.SetConfig(&data.FieldConfig{DisplayNameFromDS: ds.Label})
	frame := data.NewFrame(ds.Label, data.NewField("time", nil, times), valueField)
	frame.RefID = refID
	return frame
}
