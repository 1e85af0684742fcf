// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

const maxConfigFileSize = 1024 * 1024

// File is the command line client configuration. Flags override it.
type File struct {
	Settings `yaml:",inline"`

	From       string `yaml:"from"`
	To         string `yaml:"to"`
	Aggregator string `yaml:"aggregator"`
	Downsample string `yaml:"downsample"`
}

func DefaultFile() File {
	return File{
		Settings: DefaultSettings(),
		From:     "now-1h",
		To:       "now",
	}
}

// LoadFile reads a YAML configuration on top of DefaultFile. An empty path
// returns the defaults.
func LoadFile(path string) (File, error) {
	res := DefaultFile()
	if path == "" {
		return res, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize))
	if err != nil {
		return res, fmt.Errorf("failed to read config: %w", err)
	}
	if err = yaml.UnmarshalStrict(data, &res); err != nil {
		return res, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return res, nil
}
