// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"

	"github.com/vkcom/timely-datasource/internal/templatevar"
	"github.com/vkcom/timely-datasource/internal/timely"
)

const (
	QueryTypeTimeSeries  = ""
	QueryTypeAnnotations = "annotations"

	FillPolicyNone = "none"
	FillPolicyNaN  = "nan"
	FillPolicyNull = "null"
	FillPolicyZero = "zero"
)

var (
	ErrTagsAndFilters = errors.New("tags and filters are mutually exclusive")
	ErrEmptyTagKey    = errors.New("empty tag key")
	ErrDuplicateTag   = errors.New("duplicate tag key")
	ErrBadInterval    = errors.New("malformed interval")
	ErrBadFillPolicy  = errors.New("unknown fill policy")

	// Timely takes integer amounts. Fractional seconds are converted to ms on compile.
	intervalRe = regexp.MustCompile(`^(\d+(ms|s|m|h|d|w|n|y)|\d*\.\d+s)$`)
)

// RawRange is the time range as the user typed it ("now-6h", "now").
type RawRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Target is one query of a panel as saved by the query editor.
type Target struct {
	RefID                string          `json:"refId"`
	QueryType            string          `json:"queryType"`
	Metric               string          `json:"metric"`
	Alias                string          `json:"alias"`
	Aggregator           string          `json:"aggregator"`
	Hide                 bool            `json:"hide"`
	DisableDownsampling  bool            `json:"disableDownsampling"`
	DownsampleInterval   string          `json:"downsampleInterval"`
	DownsampleAggregator string          `json:"downsampleAggregator"`
	DownsampleFillPolicy string          `json:"downsampleFillPolicy"`
	Tags                 timely.Tags     `json:"tags"`
	Filters              []timely.Filter `json:"filters"`
	ShouldComputeRate    bool            `json:"shouldComputeRate"`
	IsCounter            bool            `json:"isCounter"`
	CounterMax           string          `json:"counterMax"`
	CounterResetValue    string          `json:"counterResetValue"`
	RateInterval         string          `json:"rateInterval"`
	Tsuids               []string        `json:"tsuids"`
	// DatasourceTags selects keys of the datasource level tags to add to the query.
	DatasourceTags []string `json:"datasourceTags"`

	// Annotation queries name their metric in Target.
	AnnotationTarget string `json:"target"`
	IsGlobal         bool   `json:"isGlobal"`

	ScopedVars templatevar.ScopedVars `json:"scopedVars"`
	RangeRaw   *RawRange              `json:"rangeRaw"`
}

func ParseTarget(data []byte) (*Target, error) {
	t := &Target{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse query: %w", err)
	}
	return t, nil
}

// UsesFilters reports whether the target is constrained by filters. Filters
// take precedence when a target carries both.
func (t *Target) UsesFilters() bool {
	return len(t.Filters) > 0
}

// Validate reports every problem the query editor must fix before the target can run.
func (t *Target) Validate() error {
	var err error
	if len(t.Tags) > 0 && len(t.Filters) > 0 {
		err = multierr.Append(err, ErrTagsAndFilters)
	}
	seen := make(map[string]struct{}, len(t.Tags))
	for _, tag := range t.Tags {
		if strings.TrimSpace(tag.Key) == "" {
			err = multierr.Append(err, ErrEmptyTagKey)
			continue
		}
		if _, ok := seen[tag.Key]; ok {
			err = multierr.Append(err, fmt.Errorf("%w %q", ErrDuplicateTag, tag.Key))
		}
		seen[tag.Key] = struct{}{}
	}
	for i, f := range t.Filters {
		if strings.TrimSpace(f.TagK) == "" {
			err = multierr.Append(err, fmt.Errorf("filter #%d: %w", i+1, ErrEmptyTagKey))
		}
	}
	if !t.DisableDownsampling {
		if !validInterval(t.DownsampleInterval) {
			err = multierr.Append(err, fmt.Errorf("downsample: %w %q", ErrBadInterval, t.DownsampleInterval))
		}
		switch t.DownsampleFillPolicy {
		case "", FillPolicyNone, FillPolicyNaN, FillPolicyNull, FillPolicyZero:
		default:
			err = multierr.Append(err, fmt.Errorf("%w %q", ErrBadFillPolicy, t.DownsampleFillPolicy))
		}
	}
	if t.ShouldComputeRate && !validInterval(t.RateInterval) {
		err = multierr.Append(err, fmt.Errorf("rate: %w %q", ErrBadInterval, t.RateInterval))
	}
	return err
}

// validInterval accepts empty strings and values that still hold template variables.
func validInterval(s string) bool {
	return s == "" || strings.ContainsAny(s, "$[") || intervalRe.MatchString(s)
}
