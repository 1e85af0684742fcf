// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package series

import (
	"fmt"

	"github.com/vkcom/timely-datasource/internal/query"
	"github.com/vkcom/timely-datasource/internal/templatevar"
	"github.com/vkcom/timely-datasource/internal/timely"
)

const wildcard = "*"

// MapResponsesToTargets returns, for every series, the index of the first
// target that could have produced it, or -1 when none matches.
//
// Filter targets match on the metric alone since Timely has already applied
// the filters. Tag targets also need every tag value to be equal to the
// series one, "*" matching anything.
func MapResponsesToTargets(series []timely.SeriesResponse, targets []*query.Target, interp templatevar.Interpolator, vars templatevar.ScopedVars) ([]int, error) {
	type resolved struct {
		metric string
		tags   timely.Tags
	}
	rs := make([]resolved, len(targets))
	for i, t := range targets {
		tvars := query.MergeVars(vars, t.ScopedVars)
		metric, err := interp.Replace(t.Metric, tvars, templatevar.FormatDefault)
		if err != nil {
			return nil, fmt.Errorf("query %s metric: %w", t.RefID, err)
		}
		rs[i].metric = metric
		if t.UsesFilters() {
			continue
		}
		rs[i].tags = make(timely.Tags, len(t.Tags))
		for j, tag := range t.Tags {
			v, err := interp.Replace(tag.Value, tvars, templatevar.FormatPipe)
			if err != nil {
				return nil, fmt.Errorf("query %s tag %q: %w", t.RefID, tag.Key, err)
			}
			rs[i].tags[j] = timely.Tag{Key: tag.Key, Value: v}
		}
	}

	res := make([]int, len(series))
	for i := range series {
		s := &series[i]
		res[i] = -1
		for j, t := range targets {
			if rs[j].metric != s.Metric {
				continue
			}
			if t.UsesFilters() || tagsMatch(rs[j].tags, s.Tags) {
				res[i] = j
				break
			}
		}
	}
	return res, nil
}

func tagsMatch(want timely.Tags, got map[string]string) bool {
	for _, tag := range want {
		if tag.Value == wildcard {
			continue
		}
		v, ok := got[tag.Key]
		if !ok || v != tag.Value {
			return false
		}
	}
	return true
}
