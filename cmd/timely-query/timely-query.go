// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/vkcom/timely-datasource/internal/catalog"
	"github.com/vkcom/timely-datasource/internal/config"
	"github.com/vkcom/timely-datasource/internal/dispatch"
	"github.com/vkcom/timely-datasource/internal/lookup"
	"github.com/vkcom/timely-datasource/internal/query"
	"github.com/vkcom/timely-datasource/internal/series"
	"github.com/vkcom/timely-datasource/internal/templatevar"
	"github.com/vkcom/timely-datasource/internal/timely"
)

type args struct {
	configPath string
	host       string
	port       int
	insecure   bool
	from       string
	to         string
	metric     string
	tags       []string
	dsTags     []string
	aggregator string
	downsample string
	alias      string
	find       string
	catalog    bool
	help       bool
}

func parseArgs(f *pflag.FlagSet, argv []string) (*args, error) {
	a := &args{}
	f.StringVarP(&a.configPath, "config", "c", "", "path to YAML config file")
	f.StringVar(&a.host, "host", "", "Timely host")
	f.IntVarP(&a.port, "port", "p", config.DefaultHTTPSPort, "Timely HTTPS port")
	f.BoolVar(&a.insecure, "insecure", false, "skip TLS certificate verification")
	f.StringVar(&a.from, "from", "", "range start, date math or absolute time")
	f.StringVar(&a.to, "to", "", "range end, date math or absolute time")
	f.StringVarP(&a.metric, "metric", "m", "", "metric to query")
	config.StringSliceVar(f, &a.tags, "tag", "", "tag filter key=value, repeatable or comma separated")
	config.StringSliceVar(f, &a.dsTags, "datasource-tag", "", "key of a datasource_tags entry from the config file to add to the query")
	f.StringVarP(&a.aggregator, "aggregator", "a", "", "series aggregator")
	f.StringVar(&a.downsample, "downsample", "", "downsample as interval[-aggregator[-fill]], 'off' disables it")
	f.StringVar(&a.alias, "alias", "", "series label template, $tag_<key> and $metric are available")
	f.StringVar(&a.find, "find", "", "run a metadata query such as tag_values(sys.cpu, host)")
	f.BoolVar(&a.catalog, "catalog", false, "print known metrics with their tags")
	f.BoolVarP(&a.help, "help", "h", false, "print usage instructions and exit")
	if err := f.Parse(argv); err != nil {
		return nil, err
	}
	return a, nil
}

// loadConfig layers the flags that were set explicitly on top of the config file.
func loadConfig(f *pflag.FlagSet, a *args) (config.File, error) {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return cfg, err
	}
	if f.Changed("host") {
		cfg.TimelyHost = a.host
	}
	if f.Changed("port") {
		cfg.HTTPSPort = a.port
	}
	if f.Changed("insecure") {
		cfg.AllowInsecureSsl = a.insecure
	}
	if f.Changed("from") {
		cfg.From = a.from
	}
	if f.Changed("to") {
		cfg.To = a.to
	}
	if f.Changed("aggregator") {
		cfg.Aggregator = a.aggregator
	}
	if f.Changed("downsample") {
		cfg.Downsample = a.downsample
	}
	return cfg, cfg.Validate()
}

func buildTarget(a *args, cfg config.File) (*query.Target, error) {
	t := &query.Target{
		RefID:      "A",
		Metric:     a.metric,
		Alias:      a.alias,
		Aggregator: cfg.Aggregator,

		DatasourceTags: a.dsTags,
	}
	kv, err := config.ParseKeyValues(a.tags)
	if err != nil {
		return nil, err
	}
	for _, p := range kv {
		t.Tags = append(t.Tags, timely.Tag{Key: p[0], Value: p[1]})
	}
	if err = applyDownsample(t, cfg.Downsample); err != nil {
		return nil, err
	}
	return t, t.Validate()
}

func applyDownsample(t *query.Target, s string) error {
	switch s {
	case "":
		return nil
	case "off", "none":
		t.DisableDownsampling = true
		return nil
	}
	parts := strings.SplitN(s, "-", 3)
	t.DownsampleInterval = parts[0]
	if len(parts) > 1 {
		t.DownsampleAggregator = parts[1]
	}
	if len(parts) > 2 {
		t.DownsampleFillPolicy = parts[2]
	}
	if t.DownsampleInterval == "" {
		return fmt.Errorf("invalid downsample %q", s)
	}
	return nil
}

func run(ctx context.Context, out io.Writer, argv []string) error {
	f := pflag.NewFlagSet("timely-query", pflag.ContinueOnError)
	a, err := parseArgs(f, argv)
	if err != nil {
		return err
	}
	if a.help {
		f.SetOutput(out)
		f.PrintDefaults()
		return nil
	}
	cfg, err := loadConfig(f, a)
	if err != nil {
		return err
	}
	httpClient, err := cfg.NewHTTPClient(true)
	if err != nil {
		return err
	}
	client := timely.NewClient(cfg.BaseURL(), httpClient)
	defer client.CloseIdleConnections()
	interp := &templatevar.Replacer{}

	switch {
	case a.find != "":
		r := &lookup.Resolver{Client: client, Interp: interp}
		values, err := r.Resolve(ctx, a.find, nil)
		if err != nil {
			return err
		}
		for _, v := range values {
			fmt.Fprintln(out, v.Text)
		}
		return nil
	case a.catalog:
		res, err := client.Metrics(ctx)
		if err != nil {
			return err
		}
		printCatalog(out, catalog.GroupTags(res.Metrics))
		return nil
	case a.metric == "":
		return fmt.Errorf("one of --metric, --find or --catalog is required")
	}

	t, err := buildTarget(a, cfg)
	if err != nil {
		return err
	}
	now := time.Now()
	tr, err := dispatch.ParseTimeRange(cfg.From, cfg.To, now)
	if err != nil {
		return err
	}
	compiler := &query.Compiler{Interp: interp, Interval: time.Minute, DatasourceTags: cfg.DatasourceTags}
	compiled, err := compiler.CompileBatch([]*query.Target{t}, nil)
	if err != nil {
		return err
	}
	queries := make([]timely.Query, len(compiled))
	for i, c := range compiled {
		queries[i] = c.Query
	}
	results, err := (&dispatch.Dispatcher{Client: client}).Execute(ctx, queries, tr)
	if err != nil {
		return err
	}
	groupBy := query.GroupByTagKeys(compiled)
	transformer := &series.Transformer{Interp: interp}
	for i := range results {
		ds, err := transformer.Transform(&results[i], groupBy, t, nil)
		if err != nil {
			return err
		}
		printSeries(out, ds)
	}
	return nil
}

func printSeries(out io.Writer, ds series.DisplaySeries) {
	fmt.Fprintln(out, ds.Label)
	for _, p := range ds.Points {
		fmt.Fprintf(out, "\t%s\t%s\n", time.UnixMilli(p.Timestamp).UTC().Format(time.RFC3339Nano), strconv.FormatFloat(p.Value, 'g', -1, 64))
	}
}

func printCatalog(out io.Writer, entries []catalog.Entry) {
	for _, e := range entries {
		fmt.Fprintln(out, e.MetricName)
		for _, g := range e.TagGroups {
			fmt.Fprintf(out, "\t%s: %s\n", g.Name, strings.Join(g.Values, ", "))
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		log.Printf("timely-query: %v", err)
		cancel()
		os.Exit(1)
	}
}
