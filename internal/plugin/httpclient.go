// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package plugin

import (
	"context"
	"net/http"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"

	"github.com/vkcom/timely-datasource/internal/config"
	"github.com/vkcom/timely-datasource/internal/timely"
)

const headerAuthorization = "Authorization"

// timelyClients keeps one client per TLS identity: requests made on behalf of
// a signed in user only present the datasource client certificate when
// allowed to.
type timelyClients struct {
	withCert *timely.Client
	plain    *timely.Client

	useCertWhenOAuthMissing bool
}

func newTimelyClients(s *config.Settings) (*timelyClients, error) {
	plainHTTP, err := s.NewHTTPClient(false)
	if err != nil {
		return nil, err
	}
	c := &timelyClients{
		plain:                   timely.NewClient(s.BaseURL(), plainHTTP),
		useCertWhenOAuthMissing: s.UseClientCertWhenOAuthMissing,
	}
	c.withCert = c.plain
	if s.HasClientCert() {
		certHTTP, err := s.NewHTTPClient(true)
		if err != nil {
			return nil, err
		}
		c.withCert = timely.NewClient(s.BaseURL(), certHTTP)
	}
	return c, nil
}

// forRequest picks the client and attaches the headers to forward. Requests
// that do not come from a user (alerting, recorded queries) always use the
// client certificate.
func (c *timelyClients) forRequest(ctx context.Context, headers http.Header, fromUser bool) (context.Context, *timely.Client) {
	hasToken := headers.Get(headerAuthorization) != ""
	ctx = timely.WithForwardedHeaders(ctx, headers)
	if !fromUser || (!hasToken && c.useCertWhenOAuthMissing) {
		return ctx, c.withCert
	}
	return ctx, c.plain
}

func (c *timelyClients) close() {
	c.plain.CloseIdleConnections()
	if c.withCert != c.plain {
		c.withCert.CloseIdleConnections()
	}
	log.DefaultLogger.Debug("Timely connections closed", "url", c.plain.URL)
}
