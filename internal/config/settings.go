// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config holds the Timely connection settings shared by the Grafana
// datasource and the command line client, and small flag helpers.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/httpclient"
	"github.com/mailru/easyjson"
	"go.uber.org/multierr"
)

const (
	DefaultHTTPSPort = 4243
	DefaultTimeout   = time.Minute

	secureBasicAuthPassword = "basicAuthPassword"
)

var (
	ErrNoHost      = errors.New("timely host is not set")
	ErrBadPort     = errors.New("https port must be in 1..65535")
	ErrHalfKeyPair = errors.New("client certificate and key must be set together")
)

// Settings configure how Timely is reached. The datasource reads them from the
// instance JSON data, the CLI from its YAML file and flags.
type Settings struct {
	TimelyHost                    string        `yaml:"host"`
	HTTPSPort                     int           `yaml:"port"`
	OAuthPassThru                 bool          `yaml:"-"`
	UseClientCertWhenOAuthMissing bool          `yaml:"-"`
	ClientCertificatePath         string        `yaml:"client_cert"`
	ClientKeyPath                 string        `yaml:"client_key"`
	CertificateAuthorityPath      string        `yaml:"ca_cert"`
	AllowInsecureSsl              bool          `yaml:"insecure"`
	Timeout                       time.Duration `yaml:"timeout"`

	BasicAuthUser     string `yaml:"user"`
	BasicAuthPassword string `yaml:"password"`

	// DatasourceTags are tag values shared by every query that selects their key.
	DatasourceTags map[string]string `yaml:"datasource_tags"`
}

func DefaultSettings() Settings {
	return Settings{
		TimelyHost: "localhost",
		HTTPSPort:  DefaultHTTPSPort,
		Timeout:    DefaultTimeout,
	}
}

// LoadSettings decodes datasource instance settings.
func LoadSettings(s backend.DataSourceInstanceSettings) (*Settings, error) {
	res := DefaultSettings()
	res.TimelyHost = ""
	if len(s.JSONData) != 0 {
		if err := easyjson.Unmarshal(s.JSONData, (*jsonSettings)(&res)); err != nil {
			return nil, fmt.Errorf("datasource settings: %w", err)
		}
	}
	if s.BasicAuthEnabled {
		res.BasicAuthUser = s.BasicAuthUser
		res.BasicAuthPassword = s.DecryptedSecureJSONData[secureBasicAuthPassword]
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Settings) Validate() error {
	var err error
	if s.TimelyHost == "" {
		err = multierr.Append(err, ErrNoHost)
	}
	if s.HTTPSPort <= 0 || s.HTTPSPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("%w: %d", ErrBadPort, s.HTTPSPort))
	}
	if (s.ClientCertificatePath == "") != (s.ClientKeyPath == "") {
		err = multierr.Append(err, ErrHalfKeyPair)
	}
	return err
}

// BaseURL is the root of the Timely HTTPS API.
func (s *Settings) BaseURL() string {
	return "https://" + net.JoinHostPort(s.TimelyHost, strconv.Itoa(s.HTTPSPort))
}

// HasClientCert reports whether a client key pair is configured.
func (s *Settings) HasClientCert() bool {
	return s.ClientCertificatePath != "" && s.ClientKeyPath != ""
}

// HTTPClientOptions reads the configured PEM files. The client key pair is
// left out unless withClientCert is set.
func (s *Settings) HTTPClientOptions(withClientCert bool) (httpclient.Options, error) {
	timeouts := httpclient.DefaultTimeoutOptions
	if s.Timeout > 0 {
		timeouts.Timeout = s.Timeout
	}
	opts := httpclient.Options{
		Timeouts: &timeouts,
		TLS:      &httpclient.TLSOptions{InsecureSkipVerify: s.AllowInsecureSsl},
	}
	if s.BasicAuthUser != "" {
		opts.BasicAuth = &httpclient.BasicAuthOptions{User: s.BasicAuthUser, Password: s.BasicAuthPassword}
	}
	if s.CertificateAuthorityPath != "" {
		ca, err := os.ReadFile(s.CertificateAuthorityPath)
		if err != nil {
			return opts, fmt.Errorf("certificate authority: %w", err)
		}
		opts.TLS.CACertificate = string(ca)
	}
	if withClientCert && s.HasClientCert() {
		cert, err := os.ReadFile(s.ClientCertificatePath)
		if err != nil {
			return opts, fmt.Errorf("client certificate: %w", err)
		}
		key, err := os.ReadFile(s.ClientKeyPath)
		if err != nil {
			return opts, fmt.Errorf("client key: %w", err)
		}
		opts.TLS.ClientCertificate = string(cert)
		opts.TLS.ClientKey = string(key)
	}
	return opts, nil
}

func (s *Settings) NewHTTPClient(withClientCert bool) (*http.Client, error) {
	opts, err := s.HTTPClientOptions(withClientCert)
	if err != nil {
		return nil, err
	}
	return httpclient.New(opts)
}
