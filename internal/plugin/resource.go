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

	"github.com/gorilla/mux"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/grafana/grafana-plugin-sdk-go/backend/resource/httpadapter"
	"github.com/mailru/easyjson"

	"github.com/vkcom/timely-datasource/internal/catalog"
	"github.com/vkcom/timely-datasource/internal/lookup"
	"github.com/vkcom/timely-datasource/internal/timely"
)

const (
	endpointMetricFind     = "/metric-find"
	endpointTagKeys        = "/tag-keys"
	endpointTagValues      = "/tag-values"
	endpointSuggestTagKeys = "/suggest-tag-keys"
	endpointMetricsCatalog = "/metrics-catalog"
	endpointFilterTypes    = "/filter-types"

	paramsQuery  = "query"
	paramsKey    = "key"
	paramsMetric = "metric"
)

type ResourceHandler struct {
	ds *Datasource
}

func newResourceHandler(ds *Datasource) backend.CallResourceHandler {
	h := &ResourceHandler{ds: ds}
	r := mux.NewRouter()
	r.HandleFunc(timely.EndpointAggregators, h.handleAggregators).Methods(http.MethodGet)
	r.HandleFunc(timely.EndpointSuggest, h.handlePassThrough(timely.EndpointSuggest)).Methods(http.MethodGet)
	r.HandleFunc(timely.EndpointLookup, h.handlePassThrough(timely.EndpointLookup)).Methods(http.MethodGet)
	r.HandleFunc(endpointMetricFind, h.handleMetricFind).Methods(http.MethodGet)
	r.HandleFunc(endpointTagKeys, h.handleTagKeys).Methods(http.MethodGet)
	r.HandleFunc(endpointTagValues, h.handleTagValues).Methods(http.MethodGet)
	r.HandleFunc(endpointSuggestTagKeys, h.handleSuggestTagKeys).Methods(http.MethodGet)
	r.HandleFunc(endpointMetricsCatalog, h.handleMetricsCatalog).Methods(http.MethodGet)
	r.HandleFunc(endpointFilterTypes, h.handleFilterTypes).Methods(http.MethodGet)
	return httpadapter.New(r)
}

func (h *ResourceHandler) client(r *http.Request) (context.Context, *timely.Client) {
	pc := backend.PluginConfigFromContext(r.Context())
	return h.ds.clients.forRequest(r.Context(), r.Header, pc.User != nil)
}

func (h *ResourceHandler) resolver(client *timely.Client) *lookup.Resolver {
	return &lookup.Resolver{Client: client, Interp: h.ds.interp}
}

func (h *ResourceHandler) handleAggregators(w http.ResponseWriter, r *http.Request) {
	ctx, client := h.client(r)
	res, err := h.ds.aggregators.get(ctx, client.Aggregators)
	if err != nil {
		writeAPIErrorJSON(w, err)
		return
	}
	writeResponseJSON(w, stringList(res))
}

// handlePassThrough forwards the query string to Timely and copies the answer back as is.
func (h *ResourceHandler) handlePassThrough(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, client := h.client(r)
		status, body, err := client.Do(ctx, http.MethodGet, endpoint, r.URL.Query(), nil)
		if err != nil {
			writeAPIErrorJSON(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

func (h *ResourceHandler) handleMetricFind(w http.ResponseWriter, r *http.Request) {
	ctx, client := h.client(r)
	res, err := h.resolver(client).Resolve(ctx, r.FormValue(paramsQuery), nil)
	if err != nil {
		writeAPIErrorJSON(w, err)
		return
	}
	writeResponseJSON(w, valueList(res))
}

func (h *ResourceHandler) handleTagKeys(w http.ResponseWriter, r *http.Request) {
	ctx, client := h.client(r)
	res, err := h.resolver(client).TagKeys(ctx)
	if err != nil {
		writeAPIErrorJSON(w, err)
		return
	}
	writeResponseJSON(w, textList(res))
}

func (h *ResourceHandler) handleTagValues(w http.ResponseWriter, r *http.Request) {
	key := r.FormValue(paramsKey)
	if key == "" {
		http.Error(w, "missing "+paramsKey, http.StatusBadRequest)
		return
	}
	ctx, client := h.client(r)
	res, err := h.resolver(client).TagValues(ctx, key)
	if err != nil {
		writeAPIErrorJSON(w, err)
		return
	}
	writeResponseJSON(w, textList(res))
}

func (h *ResourceHandler) handleSuggestTagKeys(w http.ResponseWriter, r *http.Request) {
	writeResponseJSON(w, stringList(h.ds.tagKeys.get(r.FormValue(paramsMetric))))
}

func (h *ResourceHandler) handleMetricsCatalog(w http.ResponseWriter, r *http.Request) {
	ctx, client := h.client(r)
	res, err := client.Metrics(ctx)
	if err != nil {
		writeAPIErrorJSON(w, err)
		return
	}
	writeResponseJSON(w, catalogList(catalog.GroupTags(res.Metrics)))
}

func (h *ResourceHandler) handleFilterTypes(w http.ResponseWriter, _ *http.Request) {
	writeResponseJSON(w, stringList(nil))
}

func writeResponseJSON(w http.ResponseWriter, data easyjson.Marshaler) {
	j, err := easyjson.Marshal(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(j)
	if err != nil {
		log.DefaultLogger.Debug("Failed to write resource response", "error", err)
	}
}

func writeAPIErrorJSON(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var apiErr *timely.APIError
	if errors.As(err, &apiErr) && apiErr.Status/100 == 4 {
		status = apiErr.Status
	}
	http.Error(w, "Timely API error: "+err.Error(), status)
}
