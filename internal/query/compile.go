// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package query

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vkcom/timely-datasource/internal/templatevar"
	"github.com/vkcom/timely-datasource/internal/timely"
)

const (
	DefaultAggregator           = "avg"
	DefaultDownsampleAggregator = "avg"
	AnnotationAggregator        = "sum"

	// DefaultInterval is used when Grafana sends no panel interval.
	DefaultInterval = time.Minute
)

var (
	fractionalRe = regexp.MustCompile(`^(\d*\.\d+)(s|m|h|d|w)$`)
	unitMillis   = map[string]float64{"s": 1e3, "m": 60e3, "h": 3600e3, "d": 86400e3, "w": 7 * 86400e3}
)

// Compiler turns query editor targets into /api/query queries.
type Compiler struct {
	Interp templatevar.Interpolator
	// Interval is the panel interval used when a target has no downsample interval.
	Interval time.Duration
	// DatasourceTags are configured on the datasource. Targets pick them by key.
	DatasourceTags map[string]string
}

// Compiled pairs a compiled query with the target it came from.
type Compiled struct {
	Target *Target
	Query  timely.Query
}

// Compile returns nil for targets that must be left out of the batch: hidden
// ones and ones without a metric.
func (c *Compiler) Compile(t *Target, vars templatevar.ScopedVars) (*timely.Query, error) {
	if t.Metric == "" || t.Hide {
		return nil, nil
	}
	vars = MergeVars(vars, t.ScopedVars)

	metric, err := c.Interp.Replace(t.Metric, vars, templatevar.FormatDefault)
	if err != nil {
		return nil, fmt.Errorf("metric: %w", err)
	}
	q := &timely.Query{
		Metric:     metric,
		Aggregator: DefaultAggregator,
		Tsuids:     t.Tsuids,
	}
	if t.Aggregator != "" {
		if q.Aggregator, err = c.Interp.Replace(t.Aggregator, vars, templatevar.FormatDefault); err != nil {
			return nil, fmt.Errorf("aggregator: %w", err)
		}
	}

	if t.ShouldComputeRate {
		q.Rate = true
		q.RateOptions = &timely.RateOptions{
			Counter:    t.IsCounter,
			CounterMax: parseOptionalInt(t.CounterMax),
			ResetValue: parseOptionalInt(t.CounterResetValue),
		}
		if t.RateInterval != "" {
			interval, err := c.Interp.Replace(t.RateInterval, vars, templatevar.FormatDefault)
			if err != nil {
				return nil, fmt.Errorf("rate interval: %w", err)
			}
			if q.RateOptions.Interval, err = wholeInterval(interval); err != nil {
				return nil, fmt.Errorf("rate interval: %w", err)
			}
		}
	}

	if !t.DisableDownsampling {
		if q.Downsample, err = c.downsample(t, vars); err != nil {
			return nil, err
		}
	}

	if t.UsesFilters() {
		q.Filters = make([]timely.Filter, len(t.Filters))
		copy(q.Filters, t.Filters)
		for i := range q.Filters {
			if q.Filters[i].Filter, err = c.Interp.Replace(q.Filters[i].Filter, vars, templatevar.FormatPipe); err != nil {
				return nil, fmt.Errorf("filter %q: %w", q.Filters[i].TagK, err)
			}
		}
	} else {
		q.Tags = c.withDatasourceTags(t.Tags.Clone(), t.DatasourceTags)
		for i := range q.Tags {
			if q.Tags[i].Value, err = c.Interp.Replace(q.Tags[i].Value, vars, templatevar.FormatPipe); err != nil {
				return nil, fmt.Errorf("tag %q: %w", q.Tags[i].Key, err)
			}
		}
	}
	return q, nil
}

// withDatasourceTags sets the selected datasource tags on tags, replacing
// the value of a key the target already has.
func (c *Compiler) withDatasourceTags(tags timely.Tags, keys []string) timely.Tags {
	for _, k := range keys {
		v, ok := c.DatasourceTags[k]
		if !ok {
			continue
		}
		replaced := false
		for i := range tags {
			if tags[i].Key == k {
				tags[i].Value = v
				replaced = true
			}
		}
		if !replaced {
			tags = append(tags, timely.Tag{Key: k, Value: v})
		}
	}
	return tags
}

// CompileBatch compiles every target and drops the ones Compile leaves out.
func (c *Compiler) CompileBatch(targets []*Target, vars templatevar.ScopedVars) ([]Compiled, error) {
	res := make([]Compiled, 0, len(targets))
	for _, t := range targets {
		q, err := c.Compile(t, vars)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", t.RefID, err)
		}
		if q == nil {
			continue
		}
		res = append(res, Compiled{Target: t, Query: *q})
	}
	return res, nil
}

func (c *Compiler) downsample(t *Target, vars templatevar.ScopedVars) (string, error) {
	interval := t.DownsampleInterval
	if interval == "" {
		panel := c.Interval
		if panel <= 0 {
			panel = DefaultInterval
		}
		interval = FormatInterval(panel)
	}
	interval, err := c.Interp.Replace(interval, vars, templatevar.FormatDefault)
	if err != nil {
		return "", fmt.Errorf("downsample interval: %w", err)
	}
	if interval, err = wholeInterval(interval); err != nil {
		return "", fmt.Errorf("downsample interval: %w", err)
	}
	agg := t.DownsampleAggregator
	if agg == "" {
		agg = DefaultDownsampleAggregator
	}
	ds := interval + "-" + agg
	if t.DownsampleFillPolicy != "" && t.DownsampleFillPolicy != FillPolicyNone {
		ds += "-" + t.DownsampleFillPolicy
	}
	return ds, nil
}

// wholeInterval rewrites fractional amounts of fixed length units as
// milliseconds since Timely only understands integer amounts. Interpolated
// values are not validated, so other fractions are rejected here.
func wholeInterval(interval string) (string, error) {
	m := fractionalRe.FindStringSubmatch(interval)
	if m == nil {
		if strings.Contains(interval, ".") {
			return "", fmt.Errorf("%w %q", ErrBadInterval, interval)
		}
		return interval, nil
	}
	amount, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrBadInterval, interval, err)
	}
	return strconv.FormatInt(int64(math.Round(amount*unitMillis[m[2]])), 10) + "ms", nil
}

// FormatInterval renders d the way Grafana renders panel intervals: 500ms, 30s, 1m, 1h, 1d.
func FormatInterval(d time.Duration) string {
	ms := d.Milliseconds()
	switch {
	case ms <= 0:
		return "1ms"
	case ms%1000 != 0:
		return strconv.FormatInt(ms, 10) + "ms"
	}
	s := ms / 1000
	switch {
	case s%60 != 0:
		return strconv.FormatInt(s, 10) + "s"
	case s%3600 != 0:
		return strconv.FormatInt(s/60, 10) + "m"
	case s%86400 != 0:
		return strconv.FormatInt(s/3600, 10) + "h"
	}
	return strconv.FormatInt(s/86400, 10) + "d"
}

// GroupByTagKeys is the union of the tag keys the batch constrains, either by
// filters or by tags. Labels only repeat tags from this set.
func GroupByTagKeys(compiled []Compiled) map[string]struct{} {
	keys := map[string]struct{}{}
	for _, c := range compiled {
		if c.Query.UsesFilters() {
			for _, f := range c.Query.Filters {
				keys[f.TagK] = struct{}{}
			}
			continue
		}
		for _, tag := range c.Query.Tags {
			keys[tag.Key] = struct{}{}
		}
	}
	return keys
}

func parseOptionalInt(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// MergeVars overlays a target's own scoped variables on the batch ones.
func MergeVars(base templatevar.ScopedVars, own templatevar.ScopedVars) templatevar.ScopedVars {
	if len(own) == 0 {
		return base
	}
	if len(base) == 0 {
		return own
	}
	res := make(templatevar.ScopedVars, len(base)+len(own))
	for k, v := range base {
		res[k] = v
	}
	for k, v := range own {
		res[k] = v
	}
	return res
}
