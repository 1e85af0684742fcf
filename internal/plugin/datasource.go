// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package plugin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/instancemgmt"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"

	"github.com/vkcom/timely-datasource/internal/config"
	"github.com/vkcom/timely-datasource/internal/templatevar"
	"github.com/vkcom/timely-datasource/internal/timely"
)

// Make sure Datasource implements required interfaces. This is important to do
// since otherwise we will only get a not implemented error response from plugin in
// runtime. Implementing instancemgmt.InstanceDisposer is useful to clean up
// resources used by previous datasource instance when a new datasource
// instance created upon datasource settings changed.
var (
	_ backend.QueryDataHandler      = (*Datasource)(nil)
	_ backend.CheckHealthHandler    = (*Datasource)(nil)
	_ backend.CallResourceHandler   = (*Datasource)(nil)
	_ instancemgmt.InstanceDisposer = (*Datasource)(nil)
)

// NewDatasource creates a new datasource instance.
func NewDatasource(_ context.Context, settings backend.DataSourceInstanceSettings) (instancemgmt.Instance, error) {
	s, err := config.LoadSettings(settings)
	if err != nil {
		return nil, err
	}
	clients, err := newTimelyClients(s)
	if err != nil {
		return nil, err
	}
	log.DefaultLogger.Info("Timely datasource created", "uid", settings.UID, "url", s.BaseURL())
	d := newDatasource(clients)
	d.datasourceTags = s.DatasourceTags
	return d, nil
}

func newDatasource(clients *timelyClients) *Datasource {
	d := &Datasource{
		clients: clients,
		interp:  &templatevar.Replacer{},
		now:     time.Now,
	}
	d.CallResourceHandler = newResourceHandler(d)
	return d
}

// Datasource answers Grafana queries, health checks and the query editor
// resource calls for one Timely datasource instance.
type Datasource struct {
	backend.CallResourceHandler
	clients *timelyClients
	interp  templatevar.Interpolator
	now     func() time.Time

	datasourceTags map[string]string

	aggregators aggregatorCache
	tagKeys     tagKeyCache
}

// Dispose here tells plugin SDK that plugin wants to clean up resources when a new instance
// created. As soon as datasource settings change detected by SDK old datasource instance will
// be disposed and a new one will be created using NewDatasource factory function.
func (d *Datasource) Dispose() {
	d.clients.close()
}

// CheckHealth handles health checks sent from Grafana to the plugin.
// The main use case for these health checks is the test button on the
// datasource configuration page which allows users to verify that
// a datasource is working as expected.
func (d *Datasource) CheckHealth(ctx context.Context, req *backend.CheckHealthRequest) (*backend.CheckHealthResult, error) {
	ctx, client := d.clients.forRequest(ctx, req.GetHTTPHeaders(), req.PluginContext.User != nil)

	err := client.Version(ctx)
	var apiErr *timely.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		// Older servers have no /version.
		_, err = client.Suggest(ctx, timely.SuggestRequest{Type: timely.SuggestMetrics, Max: -1})
	}
	if err != nil {
		log.DefaultLogger.Warn("Health check failed", "url", client.URL, "error", err)
		return &backend.CheckHealthResult{
			Status:  backend.HealthStatusError,
			Message: "Timely API error: " + err.Error(),
		}, nil
	}
	return &backend.CheckHealthResult{
		Status:  backend.HealthStatusOk,
		Message: "Data source is working",
	}, nil
}
