// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/mailru/easyjson/jlexer"
)

// jsonSettings decodes the datasource JSON data. Grafana forms may save
// numbers as strings, so numeric fields accept both.
type jsonSettings Settings

func (s *jsonSettings) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "timelyHost":
			s.TimelyHost = strings.TrimSpace(in.String())
		case "httpsPort":
			if n := lenientInt(in); n != 0 {
				s.HTTPSPort = n
			}
		case "oauthPassThru":
			s.OAuthPassThru = in.Bool()
		case "useClientCertWhenOAuthMissing":
			s.UseClientCertWhenOAuthMissing = in.Bool()
		case "clientCertificatePath":
			s.ClientCertificatePath = strings.TrimSpace(in.String())
		case "clientKeyPath":
			s.ClientKeyPath = strings.TrimSpace(in.String())
		case "certificateAuthorityPath":
			s.CertificateAuthorityPath = strings.TrimSpace(in.String())
		case "allowInsecureSsl":
			s.AllowInsecureSsl = in.Bool()
		case "timeout":
			if n := lenientInt(in); n > 0 {
				s.Timeout = time.Duration(n) * time.Second
			}
		case "datasourceTags":
			s.DatasourceTags = decodeDatasourceTags(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

// decodeDatasourceTags skips the empty row the config editor keeps for new entries.
func decodeDatasourceTags(in *jlexer.Lexer) map[string]string {
	res := map[string]string{}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := strings.TrimSpace(in.String())
		in.WantColon()
		var value string
		if in.IsNull() {
			in.Skip()
		} else {
			value = in.String()
		}
		if key != "" {
			res[key] = value
		}
		in.WantComma()
	}
	in.Delim('}')
	if len(res) == 0 {
		return nil
	}
	return res
}

func lenientInt(in *jlexer.Lexer) int {
	n := in.JsonNumber()
	if n == "" {
		return 0
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		in.AddError(err)
		return 0
	}
	return v
}
