// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package lookup answers the metadata queries used by template variables and
// autocomplete: metrics(...), tag_names(...), tag_values(...),
// suggest_tagk(...) and suggest_tagv(...).
package lookup

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/vkcom/timely-datasource/internal/templatevar"
	"github.com/vkcom/timely-datasource/internal/timely"
)

const (
	SuggestLimit     = 1000
	TagNamesLimit    = 1000
	TagValuesLimit   = 3000
	AdHocSuggestMax  = 10000
	tagValuesPattern = ".*"
)

var (
	metricsRe     = regexp.MustCompile(`metrics\((.*)\)`)
	tagNamesRe    = regexp.MustCompile(`tag_names\((.*)\)`)
	tagValuesRe   = regexp.MustCompile(`tag_values\((.*?),\s?(.*)\)`)
	suggestTagkRe = regexp.MustCompile(`suggest_tagk\((.*)\)`)
	suggestTagvRe = regexp.MustCompile(`suggest_tagv\((.*)\)`)
)

// Value is a single autocomplete entry.
type Value struct {
	Text string `json:"text"`
}

// Backend is the part of the Timely client lookups need.
type Backend interface {
	Suggest(ctx context.Context, req timely.SuggestRequest) ([]string, error)
	Lookup(ctx context.Context, m string, limit int) (*timely.LookupResponse, error)
}

type Resolver struct {
	Client Backend
	Interp templatevar.Interpolator
}

// Resolve interpolates query and runs the first pseudo-function it recognizes.
// Anything that matches none of them resolves to no values.
func (r *Resolver) Resolve(ctx context.Context, query string, vars templatevar.ScopedVars) ([]Value, error) {
	if query == "" {
		return []Value{}, nil
	}
	q, err := r.Interp.Replace(query, vars, templatevar.FormatDefault)
	if err != nil {
		return nil, errors.Wrapf(err, "interpolate %q", query)
	}

	var res []string
	if m := metricsRe.FindStringSubmatch(q); m != nil {
		res, err = r.suggest(ctx, timely.SuggestMetrics, m[1], SuggestLimit)
	} else if m := tagNamesRe.FindStringSubmatch(q); m != nil {
		res, err = r.MetricTagKeys(ctx, m[1])
	} else if m := tagValuesRe.FindStringSubmatch(q); m != nil {
		res, err = r.MetricTagValues(ctx, m[1], m[2])
	} else if m := suggestTagkRe.FindStringSubmatch(q); m != nil {
		res, err = r.suggest(ctx, timely.SuggestTagKeys, m[1], SuggestLimit)
	} else if m := suggestTagvRe.FindStringSubmatch(q); m != nil {
		res, err = r.suggest(ctx, timely.SuggestTagVals, m[1], SuggestLimit)
	} else {
		return []Value{}, nil
	}
	if err != nil {
		return nil, err
	}
	return toValues(res), nil
}

// MetricTagKeys lists the tag keys Timely has indexed for metric.
func (r *Resolver) MetricTagKeys(ctx context.Context, metric string) ([]string, error) {
	metric = strings.TrimSpace(metric)
	if metric == "" {
		return []string{}, nil
	}
	resp, err := r.Client.Lookup(ctx, metric, TagNamesLimit)
	if err != nil {
		return nil, errors.Wrapf(err, "tag names of %q", metric)
	}
	u := newUniq(TagNamesLimit)
	for _, res := range resp.Results {
		keys := make([]string, 0, len(res.Tags))
		for k := range res.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !u.add(k) {
				return u.values, nil
			}
		}
	}
	return u.values, nil
}

// MetricTagValues lists the values of the first key in the comma separated
// keys. The other keys still narrow the search.
func (r *Resolver) MetricTagValues(ctx context.Context, metric string, keys string) ([]string, error) {
	metric = strings.TrimSpace(metric)
	if metric == "" || strings.TrimSpace(keys) == "" {
		return []string{}, nil
	}
	parts := strings.Split(keys, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	key := parts[0]
	m := metric + "{" + key + "=" + tagValuesPattern
	if len(parts) > 1 {
		m += "," + strings.Join(parts[1:], ",")
	}
	m += "}"

	resp, err := r.Client.Lookup(ctx, m, TagValuesLimit)
	if err != nil {
		return nil, errors.Wrapf(err, "tag values of %q", m)
	}
	u := newUniq(TagValuesLimit)
	for _, res := range resp.Results {
		v, ok := res.Tags[key]
		if !ok {
			continue
		}
		if !u.add(v) {
			break
		}
	}
	return u.values, nil
}

// TagKeys and TagValues back ad-hoc filters.
func (r *Resolver) TagKeys(ctx context.Context) ([]string, error) {
	return r.suggest(ctx, timely.SuggestTagKeys, "", AdHocSuggestMax)
}

func (r *Resolver) TagValues(ctx context.Context, key string) ([]string, error) {
	return r.suggest(ctx, timely.SuggestTagVals, key, AdHocSuggestMax)
}

func (r *Resolver) suggest(ctx context.Context, typ string, q string, limit int) ([]string, error) {
	res, err := r.Client.Suggest(ctx, timely.SuggestRequest{Type: typ, Q: strings.TrimSpace(q), Max: limit})
	if err != nil {
		return nil, errors.Wrapf(err, "suggest %s %q", typ, q)
	}
	u := newUniq(limit)
	for _, s := range res {
		if !u.add(s) {
			break
		}
	}
	return u.values, nil
}

func toValues(ss []string) []Value {
	res := make([]Value, len(ss))
	for i, s := range ss {
		res[i] = Value{Text: s}
	}
	return res
}

// uniq keeps first-seen order and stops accepting once full.
type uniq struct {
	limit  int
	seen   map[string]struct{}
	values []string
}

func newUniq(limit int) *uniq {
	return &uniq{limit: limit, seen: map[string]struct{}{}, values: []string{}}
}

func (u *uniq) add(s string) bool {
	if u.limit > 0 && len(u.values) >= u.limit {
		return false
	}
	if _, ok := u.seen[s]; !ok {
		u.seen[s] = struct{}{}
		u.values = append(u.values, s)
	}
	return u.limit <= 0 || len(u.values) < u.limit
}
