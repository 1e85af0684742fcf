// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package templatevar expands dashboard template variables the way Grafana does:
// $var, ${var}, ${var:format}, [[var]] and [[var:format]].
package templatevar

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	FormatDefault = ""
	FormatPipe    = "pipe"
	FormatCSV     = "csv"
	FormatGlob    = "glob"
	FormatRegex   = "regex"
	FormatRaw     = "raw"
)

var ErrMalformed = errors.New("malformed template")

// Interpolator is the string-interpolation function the query engine is parameterized with.
type Interpolator interface {
	Replace(text string, vars ScopedVars, format string) (string, error)
}

// InterpolatorFunc adapts a plain function to Interpolator.
type InterpolatorFunc func(text string, vars ScopedVars, format string) (string, error)

func (f InterpolatorFunc) Replace(text string, vars ScopedVars, format string) (string, error) {
	return f(text, vars, format)
}

// Var is one scoped variable. Value holds one element for single-value
// variables and several for multi-value ones.
type Var struct {
	Text  string   `json:"text"`
	Value []string `json:"value"`
}

type ScopedVars map[string]Var

// UnmarshalJSON accepts both a plain string and an array of strings in "value".
func (v *Var) UnmarshalJSON(b []byte) error {
	var raw struct {
		Text  json.RawMessage `json:"text"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v.Text = ""
	v.Value = nil
	if len(raw.Text) != 0 {
		var text string
		if err := json.Unmarshal(raw.Text, &text); err == nil {
			v.Text = text
		}
	}
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.Value, &single); err == nil {
		v.Value = []string{single}
		return nil
	}
	if err := json.Unmarshal(raw.Value, &v.Value); err != nil {
		return fmt.Errorf("scoped variable value: %w", err)
	}
	return nil
}

func Single(value string) Var {
	return Var{Text: value, Value: []string{value}}
}

func Multi(values ...string) Var {
	return Var{Text: strings.Join(values, " + "), Value: values}
}

// With returns a copy of vars extended by name=v. The receiver is not modified.
func (vars ScopedVars) With(name string, v Var) ScopedVars {
	res := make(ScopedVars, len(vars)+1)
	for k, val := range vars {
		res[k] = val
	}
	res[name] = v
	return res
}

// Replacer is the default Interpolator. Variables missing from scope are left as written.
type Replacer struct {
	// Global variables are consulted after the scoped ones.
	Global ScopedVars
}

var _ Interpolator = (*Replacer)(nil)

var identRe = regexp.MustCompile(`^\w+`)

func (r *Replacer) Replace(text string, vars ScopedVars, format string) (string, error) {
	if !strings.ContainsAny(text, "$[") {
		return text, nil
	}
	var sb strings.Builder
	sb.Grow(len(text))
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '$' && i+1 < len(text) && text[i+1] == '{':
			end := strings.IndexByte(text[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated ${ at offset %d", ErrMalformed, i)
			}
			inner := text[i+2 : i+2+end]
			name, fmtOverride, err := splitRef(inner)
			if err != nil {
				return "", fmt.Errorf("%w: %v at offset %d", ErrMalformed, err, i)
			}
			r.write(&sb, text[i:i+3+end], name, pickFormat(fmtOverride, format), vars)
			i += 3 + end
		case c == '$':
			name := identRe.FindString(text[i+1:])
			if name == "" {
				sb.WriteByte(c)
				i++
				continue
			}
			r.write(&sb, text[i:i+1+len(name)], name, format, vars)
			i += 1 + len(name)
		case c == '[' && i+1 < len(text) && text[i+1] == '[':
			end := strings.Index(text[i+2:], "]]")
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated [[ at offset %d", ErrMalformed, i)
			}
			inner := text[i+2 : i+2+end]
			name, fmtOverride, err := splitRef(inner)
			if err != nil {
				return "", fmt.Errorf("%w: %v at offset %d", ErrMalformed, err, i)
			}
			r.write(&sb, text[i:i+4+end], name, pickFormat(fmtOverride, format), vars)
			i += 4 + end
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String(), nil
}

func (r *Replacer) lookup(name string, vars ScopedVars) (Var, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	v, ok := r.Global[name]
	return v, ok
}

func (r *Replacer) write(sb *strings.Builder, original string, name string, format string, vars ScopedVars) {
	v, ok := r.lookup(name, vars)
	if !ok {
		sb.WriteString(original)
		return
	}
	sb.WriteString(formatValue(v.Value, format))
}

func splitRef(inner string) (name string, format string, err error) {
	name, format, _ = strings.Cut(inner, ":")
	if name == "" || identRe.FindString(name) != name {
		return "", "", fmt.Errorf("invalid variable name %q", name)
	}
	return name, format, nil
}

func pickFormat(override string, def string) string {
	if override != "" {
		return override
	}
	return def
}

func formatValue(values []string, format string) string {
	if len(values) == 0 {
		return ""
	}
	switch format {
	case FormatPipe:
		return strings.Join(values, "|")
	case FormatCSV, FormatRaw:
		return strings.Join(values, ",")
	case FormatRegex:
		if len(values) == 1 {
			return regexp.QuoteMeta(values[0])
		}
		quoted := make([]string, len(values))
		for i, v := range values {
			quoted[i] = regexp.QuoteMeta(v)
		}
		return "(" + strings.Join(quoted, "|") + ")"
	default:
		if len(values) == 1 {
			return values[0]
		}
		return "{" + strings.Join(values, ",") + "}"
	}
}
