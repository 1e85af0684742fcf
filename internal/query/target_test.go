// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/vkcom/timely-datasource/internal/timely"
)

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget([]byte(`{
		"refId": "A",
		"metric": "sys.cpu.user",
		"alias": "$tag_host",
		"tags": {"rack": "r1", "host": "*"},
		"downsampleInterval": "1m",
		"downsampleAggregator": "avg",
		"shouldComputeRate": true,
		"counterMax": "100",
		"datasourceTags": ["dc"],
		"scopedVars": {"x": {"text": "1", "value": "1"}},
		"rangeRaw": {"from": "now-1h", "to": "now"}
	}`))
	require.NoError(t, err)
	require.Equal(t, "A", target.RefID)
	require.Equal(t, timely.Tags{{Key: "rack", Value: "r1"}, {Key: "host", Value: "*"}}, target.Tags)
	require.Equal(t, []string{"1"}, target.ScopedVars["x"].Value)
	require.Equal(t, []string{"dc"}, target.DatasourceTags)
	require.Equal(t, &RawRange{From: "now-1h", To: "now"}, target.RangeRaw)
	require.NoError(t, target.Validate())
}

func TestParseTargetError(t *testing.T) {
	_, err := ParseTarget([]byte(`{"tags": 5}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	target := &Target{
		Metric:               "m",
		Tags:                 timely.Tags{{Key: "host", Value: "a"}, {Key: "", Value: "b"}, {Key: "host", Value: "c"}},
		Filters:              []timely.Filter{{TagK: ""}},
		DownsampleInterval:   "1 minute",
		DownsampleFillPolicy: "linear",
		ShouldComputeRate:    true,
		RateInterval:         "fast",
	}
	err := target.Validate()
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 7)
	require.True(t, errors.Is(err, ErrTagsAndFilters))
	require.True(t, errors.Is(err, ErrEmptyTagKey))
	require.True(t, errors.Is(err, ErrDuplicateTag))
	require.True(t, errors.Is(err, ErrBadInterval))
	require.True(t, errors.Is(err, ErrBadFillPolicy))
}

func TestValidateSkipsTemplates(t *testing.T) {
	target := &Target{Metric: "m", DownsampleInterval: "$interval", ShouldComputeRate: true, RateInterval: "[[r]]"}
	require.NoError(t, target.Validate())

	target = &Target{Metric: "m", DisableDownsampling: true, DownsampleInterval: "garbage", DownsampleFillPolicy: "garbage"}
	require.NoError(t, target.Validate())

	target = &Target{Metric: "m", DownsampleInterval: "0.5s", DownsampleFillPolicy: "nan"}
	require.NoError(t, target.Validate())
}

func TestValidateFractionalUnits(t *testing.T) {
	for _, ival := range []string{"1.5m", "0.25h", "2.5d", "1.5ms"} {
		target := &Target{Metric: "m", DownsampleInterval: ival}
		require.ErrorIs(t, target.Validate(), ErrBadInterval, ival)

		target = &Target{Metric: "m", DisableDownsampling: true, ShouldComputeRate: true, RateInterval: ival}
		require.ErrorIs(t, target.Validate(), ErrBadInterval, ival)
	}
	for _, ival := range []string{"0.5s", ".25s", "10s", "500ms", "1n", "2y"} {
		target := &Target{Metric: "m", DownsampleInterval: ival}
		require.NoError(t, target.Validate(), ival)
	}
}
