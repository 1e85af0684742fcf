// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package timely

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/mailru/easyjson"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorBody = 4 << 10

var (
	tracer = otel.Tracer("github.com/vkcom/timely-datasource/internal/timely")

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "timely_datasource",
		Name:      "backend_request_duration_seconds",
		Help:      "Duration of requests to the Timely server.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint", "status"})

	// forwardedHeaders are copied from the Grafana request to every backend call.
	forwardedHeaders = []string{"Authorization", "Cookie"}
)

type headersKey struct{}

// WithForwardedHeaders attaches the user's Authorization and Cookie headers
// to ctx so that Client sends them along with the request.
func WithForwardedHeaders(ctx context.Context, h http.Header) context.Context {
	fh := http.Header{}
	for _, name := range forwardedHeaders {
		if v := h.Get(name); v != "" {
			fh.Set(name, v)
		}
	}
	if len(fh) == 0 {
		return ctx
	}
	return context.WithValue(ctx, headersKey{}, fh)
}

func forwarded(ctx context.Context) http.Header {
	h, _ := ctx.Value(headersKey{}).(http.Header)
	return h
}

// Client talks to the Timely HTTP API. It is safe for concurrent use.
type Client struct {
	URL     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	return &Client{
		URL:    baseURL,
		client: httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    baseURL,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Rejected requests say nothing about server health.
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return apiErr.Status < http.StatusInternalServerError
				}
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.DefaultLogger.Warn("Timely circuit breaker state changed", "url", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Do sends a raw request and returns the status and the body. It is used for
// resource pass-through, so non-2xx statuses are not turned into errors.
func (c *Client) Do(ctx context.Context, method string, endpoint string, params url.Values, body []byte) (int, []byte, error) {
	var status int
	var respBody []byte
	err := c.roundTrip(ctx, method, endpoint, params, body, func(res *http.Response) error {
		status = res.StatusCode
		var err error
		respBody, err = io.ReadAll(res.Body)
		return err
	})
	return status, respBody, err
}

func (c *Client) sendRequest(ctx context.Context, method string, endpoint string, params url.Values, body easyjson.Marshaler, response easyjson.Unmarshaler) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = easyjson.Marshal(body); err != nil {
			return pkgerrors.Wrapf(err, "encode %s request", endpoint)
		}
	}
	return c.roundTrip(ctx, method, endpoint, params, payload, func(res *http.Response) error {
		if res.StatusCode/100 != 2 {
			return decodeAPIError(res)
		}
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return pkgerrors.Wrapf(err, "read %s response", endpoint)
		}
		if response == nil {
			return nil
		}
		if err = easyjson.Unmarshal(data, response); err != nil {
			return pkgerrors.Wrapf(err, "decode %s response", endpoint)
		}
		return nil
	})
}

func (c *Client) roundTrip(ctx context.Context, method string, endpoint string, params url.Values, payload []byte, handle func(*http.Response) error) error {
	ctx, span := tracer.Start(ctx, "timely "+endpoint, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("timely.endpoint", endpoint)))
	defer span.End()

	u := c.URL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return pkgerrors.Wrapf(err, "create %s request", endpoint)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, values := range forwarded(ctx) {
		req.Header[name] = values
	}

	start := time.Now()
	status := "error"
	_, err = c.breaker.Execute(func() (interface{}, error) {
		res, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = res.Body.Close() }()
		status = strconv.Itoa(res.StatusCode)
		span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
		return nil, handle(res)
	})
	requestDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.DefaultLogger.Debug("Timely request failed", "method", method, "endpoint", endpoint, "error", err)
		return err
	}
	return nil
}

func decodeAPIError(res *http.Response) error {
	apiErr := &APIError{Status: res.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	if len(body) == 0 {
		return apiErr
	}
	if err := easyjson.Unmarshal(body, apiErr); err != nil {
		apiErr.Message = string(body)
	}
	return apiErr
}

// Query executes a single /api/query request. The metric of the first query is
// repeated in the URL so that server logs and proxies can tell requests apart.
func (c *Client) Query(ctx context.Context, req QueryRequest) ([]SeriesResponse, error) {
	params := url.Values{}
	if len(req.Queries) > 0 {
		params.Set("metric", req.Queries[0].Metric)
	}
	var res SeriesResponseList
	if err := c.sendRequest(ctx, http.MethodPost, EndpointQuery, params, req, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Suggest(ctx context.Context, req SuggestRequest) ([]string, error) {
	params := url.Values{}
	params.Set("type", req.Type)
	if req.Q != "" {
		params.Set("q", req.Q)
	}
	params.Set("max", strconv.Itoa(req.Max))
	var res StringList
	if err := c.sendRequest(ctx, http.MethodGet, EndpointSuggest, params, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Lookup searches time series by metric and tag patterns, m is in the
// "metric{tagk=pattern,...}" form.
func (c *Client) Lookup(ctx context.Context, m string, limit int) (*LookupResponse, error) {
	params := url.Values{}
	params.Set("m", m)
	params.Set("limit", strconv.Itoa(limit))
	res := &LookupResponse{}
	if err := c.sendRequest(ctx, http.MethodGet, EndpointLookup, params, nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Aggregators(ctx context.Context) ([]string, error) {
	var res StringList
	if err := c.sendRequest(ctx, http.MethodGet, EndpointAggregators, nil, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Metrics(ctx context.Context) (*MetricsResponse, error) {
	res := &MetricsResponse{}
	if err := c.sendRequest(ctx, http.MethodGet, EndpointMetrics, nil, nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Version(ctx context.Context) error {
	return c.sendRequest(ctx, http.MethodGet, EndpointVersion, nil, nil, nil)
}

func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
