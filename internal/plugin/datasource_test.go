// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package plugin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/data"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/vkcom/timely-datasource/internal/timely"
)

// fakeTimely answers /api/query with canned bodies keyed by metric and counts
// calls per endpoint.
type fakeTimely struct {
	mu      sync.Mutex
	bodies  []string
	calls   map[string]*atomic.Int32
	query   map[string]string
	status  map[string]int
	handler map[string]http.HandlerFunc
}

func newFakeTimely(t *testing.T) (*fakeTimely, *httptest.Server) {
	f := &fakeTimely{
		calls:   map[string]*atomic.Int32{},
		query:   map[string]string{},
		status:  map[string]int{},
		handler: map[string]http.HandlerFunc{},
	}
	for _, e := range []string{timely.EndpointQuery, timely.EndpointSuggest, timely.EndpointLookup, timely.EndpointAggregators, timely.EndpointMetrics, timely.EndpointVersion} {
		f.calls[e] = atomic.NewInt32(0)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := f.calls[r.URL.Path]; ok {
			c.Inc()
		}
		if status := f.status[r.URL.Path]; status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"responseCode":500,"message":"broken","detailMessage":"really"}`))
			return
		}
		if h, ok := f.handler[r.URL.Path]; ok {
			h(w, r)
			return
		}
		if r.URL.Path == timely.EndpointQuery {
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.bodies = append(f.bodies, string(body))
			f.mu.Unlock()
			res, ok := f.query[r.URL.Query().Get("metric")]
			if !ok {
				res = "[]"
			}
			_, _ = w.Write([]byte(res))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestDatasource(srv *httptest.Server) *Datasource {
	c := timely.NewClient(srv.URL, srv.Client())
	d := newDatasource(&timelyClients{withCert: c, plain: c})
	d.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return d
}

func dataQuery(refID string, model string) backend.DataQuery {
	return backend.DataQuery{
		RefID:     refID,
		JSON:      json.RawMessage(model),
		Interval:  time.Minute,
		TimeRange: backend.TimeRange{From: time.UnixMilli(1000), To: time.UnixMilli(61000)},
	}
}

func frameNames(frames data.Frames) []string {
	res := make([]string, len(frames))
	for i, f := range frames {
		res[i] = f.Name
	}
	return res
}

func TestQueryData(t *testing.T) {
	f, srv := newFakeTimely(t)
	f.query["sys.cpu"] = `[
		{"metric":"sys.cpu","tags":{"host":"h1","dc":"east"},"aggregateTags":["cpu"],"dps":{"2000":2,"1000":1}},
		{"metric":"sys.cpu","tags":{"host":"h2","dc":"east"},"dps":{"1000":3}}
	]`
	f.query["sys.mem"] = `[{"metric":"sys.mem","tags":{"host":"h9"},"dps":{"1000":null}}]`
	d := newTestDatasource(srv)

	res, err := d.QueryData(context.Background(), &backend.QueryDataRequest{Queries: []backend.DataQuery{
		dataQuery("A", `{"metric":"sys.cpu","tags":{"host":"*","dc":"east"},"downsampleInterval":"0.5s"}`),
		dataQuery("B", `{"metric":"sys.mem","alias":"mem of $tag_host","filters":[{"type":"wildcard","tagk":"host","filter":"h*","groupBy":true}],"disableDownsampling":true}`),
		dataQuery("C", `{"metric":"sys.disk","hide":true}`),
	}})
	require.NoError(t, err)
	require.Equal(t, int32(2), f.calls[timely.EndpointQuery].Load())

	a := res.Responses["A"]
	require.NoError(t, a.Error)
	require.Equal(t, []string{"sys.cpu{dc=east, host=h1}", "sys.cpu{dc=east, host=h2}"}, frameNames(a.Frames))
	require.Equal(t, 2, a.Frames[0].Rows())
	require.Equal(t, "A", a.Frames[0].RefID)

	b := res.Responses["B"]
	require.NoError(t, b.Error)
	require.Equal(t, []string{"mem of h9"}, frameNames(b.Frames))
	require.Nil(t, b.Frames[0].Fields[1].At(0).(*float64))

	c, ok := res.Responses["C"]
	require.True(t, ok)
	require.NoError(t, c.Error)
	require.Empty(t, c.Frames)

	for _, body := range f.bodies {
		require.Contains(t, body, `"start":1000`)
		require.Contains(t, body, `"end":61000`)
		if strings.Contains(body, "sys.cpu") {
			require.Contains(t, body, `"downsample":"500ms-avg"`)
			require.Contains(t, body, `"tags":{"host":"*","dc":"east"}`)
		} else {
			require.NotContains(t, body, `downsample`)
			require.Contains(t, body, `"filters":[`)
		}
	}
	require.Equal(t, []string{"cpu", "dc", "host"}, d.tagKeys.get("sys.cpu"))
}

func TestQueryDataRawRange(t *testing.T) {
	f, srv := newFakeTimely(t)
	d := newTestDatasource(srv)
	res, err := d.QueryData(context.Background(), &backend.QueryDataRequest{Queries: []backend.DataQuery{
		dataQuery("A", `{"metric":"m","rangeRaw":{"from":"now-1h","to":"now"}}`),
	}})
	require.NoError(t, err)
	require.NoError(t, res.Responses["A"].Error)
	require.Len(t, f.bodies, 1)
	require.Contains(t, f.bodies[0], `"start":1699996400000`)
	require.NotContains(t, f.bodies[0], `"end"`)
}

func TestQueryDataErrors(t *testing.T) {
	f, srv := newFakeTimely(t)
	f.status[timely.EndpointQuery] = http.StatusInternalServerError
	d := newTestDatasource(srv)

	res, err := d.QueryData(context.Background(), &backend.QueryDataRequest{Queries: []backend.DataQuery{
		dataQuery("A", `{"metric":"a"}`),
		dataQuery("B", `{"metric":"b"}`),
		dataQuery("C", `{"metric":"c","tags":{"host":"x"},"filters":[{"type":"literal_or","tagk":"dc","filter":"y"}]}`),
		dataQuery("D", `not json`),
	}})
	require.NoError(t, err)
	require.Error(t, res.Responses["A"].Error)
	require.Contains(t, res.Responses["A"].Error.Error(), "broken")
	require.Equal(t, backend.StatusBadGateway, res.Responses["A"].Status)
	require.Error(t, res.Responses["B"].Error)
	require.Equal(t, backend.StatusBadRequest, res.Responses["C"].Status)
	require.Contains(t, res.Responses["C"].Error.Error(), "mutually exclusive")
	require.Equal(t, backend.StatusBadRequest, res.Responses["D"].Status)
}

func TestQueryDataSkipsHiddenBeforeValidation(t *testing.T) {
	f, srv := newFakeTimely(t)
	d := newTestDatasource(srv)
	res, err := d.QueryData(context.Background(), &backend.QueryDataRequest{Queries: []backend.DataQuery{
		dataQuery("A", `{"metric":"m","hide":true,"downsampleInterval":"bogus"}`),
		dataQuery("B", `{"tags":{"host":"a"},"filters":[{"type":"wildcard","tagk":"host","filter":"*"}]}`),
		dataQuery("C", `{"metric":"m","downsampleInterval":"1.5m"}`),
	}})
	require.NoError(t, err)
	require.NoError(t, res.Responses["A"].Error)
	require.Empty(t, res.Responses["A"].Frames)
	require.NoError(t, res.Responses["B"].Error)
	require.Equal(t, backend.StatusBadRequest, res.Responses["C"].Status)
	require.Contains(t, res.Responses["C"].Error.Error(), "malformed interval")
	require.Equal(t, int32(0), f.calls[timely.EndpointQuery].Load())
}

func TestQueryDataDatasourceTags(t *testing.T) {
	f, srv := newFakeTimely(t)
	f.query["m"] = `[{"metric":"m","tags":{"host":"a","dc":"east"},"dps":{"1000":1}}]`
	d := newTestDatasource(srv)
	d.datasourceTags = map[string]string{"dc": "east", "env": "prod"}

	res, err := d.QueryData(context.Background(), &backend.QueryDataRequest{Queries: []backend.DataQuery{
		dataQuery("A", `{"metric":"m","tags":{"host":"a"},"datasourceTags":["dc"]}`),
	}})
	require.NoError(t, err)
	require.NoError(t, res.Responses["A"].Error)
	require.Equal(t, []string{"m{dc=east, host=a}"}, frameNames(res.Responses["A"].Frames))
	require.Len(t, f.bodies, 1)
	require.Contains(t, f.bodies[0], `"tags":{"host":"a","dc":"east"}`)
	require.NotContains(t, f.bodies[0], "prod")
}

func TestQueryDataCompileError(t *testing.T) {
	f, srv := newFakeTimely(t)
	d := newTestDatasource(srv)
	res, err := d.QueryData(context.Background(), &backend.QueryDataRequest{Queries: []backend.DataQuery{
		dataQuery("A", `{"metric":"a"}`),
		dataQuery("B", `{"metric":"${broken"}`),
	}})
	require.NoError(t, err)
	require.Equal(t, backend.StatusBadRequest, res.Responses["A"].Status)
	require.Equal(t, backend.StatusBadRequest, res.Responses["B"].Status)
	require.Equal(t, int32(0), f.calls[timely.EndpointQuery].Load())
}

func TestAnnotations(t *testing.T) {
	f, srv := newFakeTimely(t)
	f.query["deploys"] = `[{"metric":"deploys","tags":{},"dps":{},
		"annotations":[{"description":"deploy","notes":"v1.2","startTime":1700000000.7,"endTime":0}],
		"globalAnnotations":[{"description":"outage","notes":"dc down","startTime":1700000100,"endTime":1700000200}]}]`
	d := newTestDatasource(srv)

	local := dataQuery("A", `{"queryType":"annotations","target":"deploys"}`)
	global := dataQuery("B", `{"target":"deploys","isGlobal":true}`)
	global.QueryType = "annotations"
	res, err := d.QueryData(context.Background(), &backend.QueryDataRequest{Queries: []backend.DataQuery{local, global}})
	require.NoError(t, err)

	a := res.Responses["A"].Frames[0]
	require.Equal(t, 1, a.Rows())
	require.Equal(t, time.UnixMilli(1700000000000), a.Fields[0].At(0))
	require.Nil(t, a.Fields[1].At(0).(*time.Time))
	require.Equal(t, "deploy", a.Fields[2].At(0))
	require.Equal(t, "v1.2", a.Fields[3].At(0))

	b := res.Responses["B"].Frames[0]
	require.Equal(t, 1, b.Rows())
	require.Equal(t, "outage", b.Fields[2].At(0))
	require.Equal(t, time.UnixMilli(1700000200000), *b.Fields[1].At(0).(*time.Time))

	for _, body := range f.bodies {
		require.Contains(t, body, `"aggregator":"sum"`)
	}
}

func TestCheckHealth(t *testing.T) {
	f, srv := newFakeTimely(t)
	f.handler[timely.EndpointVersion] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`0.0.9`))
	}
	d := newTestDatasource(srv)
	res, err := d.CheckHealth(context.Background(), &backend.CheckHealthRequest{})
	require.NoError(t, err)
	require.Equal(t, backend.HealthStatusOk, res.Status)
	require.Equal(t, int32(0), f.calls[timely.EndpointSuggest].Load())
}

func TestCheckHealthFallsBackToSuggest(t *testing.T) {
	f, srv := newFakeTimely(t)
	f.handler[timely.EndpointSuggest] = func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "-1", r.URL.Query().Get("max"))
		_, _ = w.Write([]byte(`[]`))
	}
	d := newTestDatasource(srv)
	res, err := d.CheckHealth(context.Background(), &backend.CheckHealthRequest{})
	require.NoError(t, err)
	require.Equal(t, backend.HealthStatusOk, res.Status)
	require.Equal(t, int32(1), f.calls[timely.EndpointVersion].Load())
	require.Equal(t, int32(1), f.calls[timely.EndpointSuggest].Load())

	f.status[timely.EndpointSuggest] = http.StatusInternalServerError
	res, err = d.CheckHealth(context.Background(), &backend.CheckHealthRequest{})
	require.NoError(t, err)
	require.Equal(t, backend.HealthStatusError, res.Status)
	require.Contains(t, res.Message, "Timely API error")
}

func TestClientSelection(t *testing.T) {
	withCert := timely.NewClient("https://cert", nil)
	plain := timely.NewClient("https://plain", nil)
	c := &timelyClients{withCert: withCert, plain: plain}
	token := http.Header{"Authorization": []string{"Bearer t"}}

	_, got := c.forRequest(context.Background(), nil, false)
	require.Same(t, withCert, got)
	_, got = c.forRequest(context.Background(), token, true)
	require.Same(t, plain, got)
	_, got = c.forRequest(context.Background(), nil, true)
	require.Same(t, plain, got)

	c.useCertWhenOAuthMissing = true
	_, got = c.forRequest(context.Background(), nil, true)
	require.Same(t, withCert, got)
	_, got = c.forRequest(context.Background(), token, true)
	require.Same(t, plain, got)
}

func TestAuthorizationForwarded(t *testing.T) {
	f, srv := newFakeTimely(t)
	var got atomic.String
	f.handler[timely.EndpointQuery] = func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	}
	d := newTestDatasource(srv)
	_, err := d.QueryData(context.Background(), &backend.QueryDataRequest{
		Headers: map[string]string{"Authorization": "Bearer token"},
		Queries: []backend.DataQuery{dataQuery("A", `{"metric":"m"}`)},
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer token", got.Load())
}
