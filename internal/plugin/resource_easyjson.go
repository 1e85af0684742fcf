// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package plugin

import (
	"github.com/mailru/easyjson/jwriter"

	"github.com/vkcom/timely-datasource/internal/catalog"
	"github.com/vkcom/timely-datasource/internal/lookup"
)

type (
	stringList  []string
	valueList   []lookup.Value
	catalogList []catalog.Entry
)

// textList wraps plain strings as {"text": ...} entries.
func textList(ss []string) valueList {
	res := make(valueList, len(ss))
	for i, s := range ss {
		res[i] = lookup.Value{Text: s}
	}
	return res
}

func writeStrings(out *jwriter.Writer, ss []string) {
	out.RawByte('[')
	for i, s := range ss {
		if i > 0 {
			out.RawByte(',')
		}
		out.String(s)
	}
	out.RawByte(']')
}

func (l stringList) MarshalEasyJSON(out *jwriter.Writer) {
	writeStrings(out, l)
}

func (l valueList) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawByte('[')
	for i, v := range l {
		if i > 0 {
			out.RawByte(',')
		}
		out.RawString(`{"text":`)
		out.String(v.Text)
		out.RawByte('}')
	}
	out.RawByte(']')
}

func (l catalogList) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawByte('[')
	for i, e := range l {
		if i > 0 {
			out.RawByte(',')
		}
		out.RawString(`{"metricName":`)
		out.String(e.MetricName)
		out.RawString(`,"tagGroups":[`)
		for j, g := range e.TagGroups {
			if j > 0 {
				out.RawByte(',')
			}
			out.RawString(`{"name":`)
			out.String(g.Name)
			out.RawString(`,"values":`)
			writeStrings(out, g.Values)
			out.RawByte('}')
		}
		out.RawString(`]}`)
	}
	out.RawByte(']')
}
