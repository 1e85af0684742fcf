// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package timely

import (
	"fmt"
	"net/http"
)

const (
	EndpointQuery       = "/api/query"
	EndpointSuggest     = "/api/suggest"
	EndpointLookup      = "/api/search/lookup"
	EndpointAggregators = "/api/aggregators"
	EndpointMetrics     = "/api/metrics"
	EndpointVersion     = "/version"

	SuggestMetrics = "metrics"
	SuggestTagKeys = "tagk"
	SuggestTagVals = "tagv"
)

// Tag is one key=value pair. Tags keeps the order the user entered them in.
type Tag struct {
	Key   string
	Value string
}

type Tags []Tag

func (ts Tags) Get(key string) (string, bool) {
	for _, t := range ts {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

func (ts Tags) Clone() Tags {
	if ts == nil {
		return nil
	}
	return append(Tags(nil), ts...)
}

type Filter struct {
	Type    string `json:"type"`
	TagK    string `json:"tagk"`
	Filter  string `json:"filter"`
	GroupBy bool   `json:"groupBy"`
}

type RateOptions struct {
	Counter    bool
	CounterMax *int64
	ResetValue *int64
	Interval   string
}

// Query is a single entry of the "queries" array of /api/query.
// Exactly one of Tags and Filters is emitted.
type Query struct {
	Metric      string
	Aggregator  string
	Rate        bool
	RateOptions *RateOptions
	Downsample  string
	Tags        Tags
	Filters     []Filter
	Tsuids      []string
}

// UsesFilters reports whether the query is constrained by filters rather than tags.
func (q *Query) UsesFilters() bool {
	return len(q.Filters) > 0
}

type QueryRequest struct {
	Start             int64
	End               *int64
	Queries           []Query
	MsResolution      bool
	GlobalAnnotations bool
	ShowQuery         bool
}

type Annotation struct {
	Description string
	Notes       string
	StartTime   float64
	EndTime     float64
	Tsuids      []string
}

// SeriesResponse is one element of the /api/query response array.
// Null datapoints are decoded as NaN.
type SeriesResponse struct {
	Metric            string
	Tags              map[string]string
	AggregateTags     []string
	DPS               map[string]float64
	Annotations       []Annotation
	GlobalAnnotations []Annotation
}

type LookupResult struct {
	Metric string
	Tags   map[string]string
	Tsuid  string
}

type LookupResponse struct {
	Type         string
	Metric       string
	Limit        int
	TotalResults int
	Results      []LookupResult
}

type MetricTags struct {
	Metric string
	Tags   Tags
}

type MetricsResponse struct {
	Metrics []MetricTags
}

type SuggestRequest struct {
	Type string
	Q    string
	Max  int
}

// APIError is returned for every non-2xx response of the Timely server.
type APIError struct {
	Status        int
	ResponseCode  int
	Message       string
	DetailMessage string
}

func (e *APIError) Error() string {
	switch {
	case e.Message != "" && e.DetailMessage != "":
		return fmt.Sprintf("timely error %d %s: %s [%s]", e.Status, http.StatusText(e.Status), e.Message, e.DetailMessage)
	case e.Message != "":
		return fmt.Sprintf("timely error %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
	}
	return fmt.Sprintf("timely error %d %s", e.Status, http.StatusText(e.Status))
}
