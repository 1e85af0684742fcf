// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

type stringSlice struct {
	p      *[]string
	wasSet bool
}

var _ pflag.Value = (*stringSlice)(nil)

// StringSliceVar binds a flag that accepts comma or semicolon separated values
// and accumulates them over repeated occurrences. The first occurrence replaces
// the default.
func StringSliceVar(f *pflag.FlagSet, p *[]string, name string, value string, usage string) {
	*p = parseCSV(value)
	f.Var(&stringSlice{p: p}, name, usage)
}

func (s *stringSlice) Set(v string) error {
	if s.wasSet {
		*s.p = append(*s.p, parseCSV(v)...)
	} else {
		*s.p = parseCSV(v)
		s.wasSet = true
	}
	return nil
}

func (s *stringSlice) String() string {
	if s == nil || s.p == nil || len(*s.p) == 0 {
		return ""
	}
	return fmt.Sprint(*s.p)
}

func (s *stringSlice) Type() string {
	return "strings"
}

func parseCSV(s string) []string {
	res := make([]string, 0, 1)
	if s == "" {
		return res
	}
	for i := 0; i <= len(s); {
		j := i
		for ; j < len(s) && s[j] != ',' && s[j] != ';'; j++ {
			// pass
		}
		if v := strings.TrimSpace(s[i:j]); v != "" {
			res = append(res, v)
		}
		i = j + 1
	}
	return res
}

// ParseKeyValues splits "k=v" pairs, keeping their order. Later pairs
// override earlier ones with the same key.
func ParseKeyValues(pairs []string) ([][2]string, error) {
	res := make([][2]string, 0, len(pairs))
	index := map[string]int{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		v = strings.TrimSpace(v)
		if i, dup := index[k]; dup {
			res[i][1] = v
			continue
		}
		index[k] = len(res)
		res = append(res, [2]string{k, v})
	}
	return res, nil
}
