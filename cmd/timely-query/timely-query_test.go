// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/vkcom/timely-datasource/internal/config"
	"github.com/vkcom/timely-datasource/internal/query"
	"github.com/vkcom/timely-datasource/internal/timely"
)

func serverArgs(t *testing.T, srv *httptest.Server) []string {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	return []string{"--host", host, "--port", port, "--insecure"}
}

func TestRunQuery(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, timely.EndpointQuery, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"tags":{"host":"h1"}`)
		require.Contains(t, string(body), `"downsample":"5m-max-zero"`)
		require.Contains(t, string(body), `"aggregator":"sum"`)
		_, _ = w.Write([]byte(`[{"metric":"sys.cpu","tags":{"host":"h1"},"dps":{"60000":2,"0":1.5}}]`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	argv := append(serverArgs(t, srv), "--metric", "sys.cpu", "--tag", "host=h1", "--aggregator", "sum",
		"--downsample", "5m-max-zero", "--alias", "$metric@$tag_host")
	require.NoError(t, run(context.Background(), &out, argv))
	require.Equal(t, "sys.cpu@h1\n\t1970-01-01T00:00:00Z\t1.5\n\t1970-01-01T00:01:00Z\t2\n", out.String())
}

func TestRunDatasourceTags(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"tags":{"host":"h1","dc":"east"}`)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfgPath := filepath.Join(t.TempDir(), "timely.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("datasource_tags:\n  dc: east\n  env: prod\n"), 0o600))
	argv := append(serverArgs(t, srv), "--config", cfgPath, "--metric", "sys.cpu", "--tag", "host=h1", "--datasource-tag", "dc")
	require.NoError(t, run(context.Background(), io.Discard, argv))
}

func TestRunFind(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, timely.EndpointSuggest, r.URL.Path)
		require.Equal(t, "sys", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`["sys.cpu","sys.mem"]`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, append(serverArgs(t, srv), "--find", "metrics(sys)")))
	require.Equal(t, "sys.cpu\nsys.mem\n", out.String())
}

func TestRunCatalog(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"metrics":[{"metric":"sys.cpu","tags":[{"key":"host","value":"b"},{"key":"host","value":"a"}]}]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, append(serverArgs(t, srv), "--catalog")))
	require.Equal(t, "sys.cpu\n\thost: a, b\n", out.String())
}

func TestRunRequiresMode(t *testing.T) {
	require.Error(t, run(context.Background(), io.Discard, []string{"--host", "localhost"}))
	require.Error(t, run(context.Background(), io.Discard, []string{"--port", "0", "--metric", "m"}))
}

func TestBuildTarget(t *testing.T) {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)
	a, err := parseArgs(f, []string{"--metric", "m", "--tag", "a=1,b=2", "--tag", "a=3"})
	require.NoError(t, err)
	cfg := config.DefaultFile()
	cfg.Downsample = "off"
	tg, err := buildTarget(a, cfg)
	require.NoError(t, err)
	require.Equal(t, timely.Tags{{Key: "a", Value: "3"}, {Key: "b", Value: "2"}}, tg.Tags)
	require.True(t, tg.DisableDownsampling)

	for _, ds := range []string{"1m", "1m-avg", "1m-avg-nan"} {
		tg := &query.Target{}
		require.NoError(t, applyDownsample(tg, ds))
		require.Equal(t, "1m", tg.DownsampleInterval)
	}
	require.Error(t, applyDownsample(&query.Target{}, "-avg"))

	cfg.Downsample = "1m-avg-sometimes"
	_, err = buildTarget(a, cfg)
	require.ErrorIs(t, err, query.ErrBadFillPolicy)
}
