// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package timely

import (
	"math"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Codecs are written by hand: tags must keep their order on the wire and
// datapoint nulls must survive decoding, neither of which the generator does.

var (
	_ easyjson.Marshaler   = QueryRequest{}
	_ easyjson.Marshaler   = Tags{}
	_ easyjson.Unmarshaler = (*Tags)(nil)
	_ easyjson.Unmarshaler = (*SeriesResponseList)(nil)
	_ easyjson.Unmarshaler = (*LookupResponse)(nil)
	_ easyjson.Unmarshaler = (*MetricsResponse)(nil)
	_ easyjson.Unmarshaler = (*StringList)(nil)
	_ easyjson.Unmarshaler = (*APIError)(nil)
)

type SeriesResponseList []SeriesResponse

type StringList []string

func (ts Tags) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawByte('{')
	for i, t := range ts {
		if i > 0 {
			out.RawByte(',')
		}
		out.String(t.Key)
		out.RawByte(':')
		out.String(t.Value)
	}
	out.RawByte('}')
}

func (ts *Tags) UnmarshalEasyJSON(in *jlexer.Lexer) {
	if in.IsNull() {
		in.Skip()
		*ts = nil
		return
	}
	in.Delim('{')
	res := Tags{}
	for !in.IsDelim('}') {
		key := in.String()
		in.WantColon()
		var value string
		if in.IsNull() {
			in.Skip()
		} else {
			value = in.String()
		}
		res = append(res, Tag{Key: key, Value: value})
		in.WantComma()
	}
	in.Delim('}')
	*ts = res
}

func (ts Tags) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	ts.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

func (ts *Tags) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	ts.UnmarshalEasyJSON(&r)
	return r.Error()
}

func (f Filter) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"type":`)
	out.String(f.Type)
	out.RawString(`,"tagk":`)
	out.String(f.TagK)
	out.RawString(`,"filter":`)
	out.String(f.Filter)
	out.RawString(`,"groupBy":`)
	out.Bool(f.GroupBy)
	out.RawByte('}')
}

func (r RateOptions) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"counter":`)
	out.Bool(r.Counter)
	if r.CounterMax != nil {
		out.RawString(`,"counterMax":`)
		out.Int64(*r.CounterMax)
	}
	if r.ResetValue != nil {
		out.RawString(`,"resetValue":`)
		out.Int64(*r.ResetValue)
	}
	if r.Interval != "" {
		out.RawString(`,"interval":`)
		out.String(r.Interval)
	}
	out.RawByte('}')
}

func (q Query) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"metric":`)
	out.String(q.Metric)
	out.RawString(`,"aggregator":`)
	out.String(q.Aggregator)
	if q.Rate {
		out.RawString(`,"rate":true`)
		if q.RateOptions != nil {
			out.RawString(`,"rateOptions":`)
			q.RateOptions.MarshalEasyJSON(out)
		}
	}
	if q.Downsample != "" {
		out.RawString(`,"downsample":`)
		out.String(q.Downsample)
	}
	if q.UsesFilters() {
		out.RawString(`,"filters":[`)
		for i, f := range q.Filters {
			if i > 0 {
				out.RawByte(',')
			}
			f.MarshalEasyJSON(out)
		}
		out.RawByte(']')
	} else {
		out.RawString(`,"tags":`)
		q.Tags.MarshalEasyJSON(out)
	}
	if len(q.Tsuids) > 0 {
		out.RawString(`,"tsuids":[`)
		for i, id := range q.Tsuids {
			if i > 0 {
				out.RawByte(',')
			}
			out.String(id)
		}
		out.RawByte(']')
	}
	out.RawByte('}')
}

func (r QueryRequest) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"start":`)
	out.Int64(r.Start)
	if r.End != nil {
		out.RawString(`,"end":`)
		out.Int64(*r.End)
	}
	out.RawString(`,"queries":[`)
	for i, q := range r.Queries {
		if i > 0 {
			out.RawByte(',')
		}
		q.MarshalEasyJSON(out)
	}
	out.RawString(`],"msResolution":`)
	out.Bool(r.MsResolution)
	out.RawString(`,"globalAnnotations":`)
	out.Bool(r.GlobalAnnotations)
	out.RawString(`,"showQuery":`)
	out.Bool(r.ShowQuery)
	out.RawByte('}')
}

// decodeObject walks the fields of a JSON object. Null fields are skipped.
func decodeObject(in *jlexer.Lexer, field func(key string)) {
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
		field(key)
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func decodeArray(in *jlexer.Lexer, elem func()) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('[')
	for !in.IsDelim(']') {
		elem()
		in.WantComma()
	}
	in.Delim(']')
	if isTopLevel {
		in.Consumed()
	}
}

func decodeStringMap(in *jlexer.Lexer) map[string]string {
	res := map[string]string{}
	decodeObject(in, func(key string) {
		res[key] = in.String()
	})
	return res
}

func decodeStrings(in *jlexer.Lexer) []string {
	res := []string{}
	decodeArray(in, func() {
		if in.IsNull() {
			in.Skip()
			return
		}
		res = append(res, in.String())
	})
	return res
}

func (l *StringList) UnmarshalEasyJSON(in *jlexer.Lexer) {
	*l = decodeStrings(in)
}

func (a *Annotation) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "description":
			a.Description = in.String()
		case "notes":
			a.Notes = in.String()
		case "startTime":
			a.StartTime = in.Float64()
		case "endTime":
			a.EndTime = in.Float64()
		case "tsuids":
			a.Tsuids = decodeStrings(in)
		default:
			in.SkipRecursive()
		}
	})
}

func decodeAnnotations(in *jlexer.Lexer) []Annotation {
	var res []Annotation
	decodeArray(in, func() {
		var a Annotation
		a.UnmarshalEasyJSON(in)
		res = append(res, a)
	})
	return res
}

func (s *SeriesResponse) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "metric":
			s.Metric = in.String()
		case "tags":
			s.Tags = decodeStringMap(in)
		case "aggregateTags", "aggregatedTags":
			s.AggregateTags = decodeStrings(in)
		case "dps":
			s.DPS = map[string]float64{}
			in.Delim('{')
			for !in.IsDelim('}') {
				ts := in.String()
				in.WantColon()
				if in.IsNull() {
					in.Skip()
					s.DPS[ts] = math.NaN()
				} else {
					s.DPS[ts] = in.Float64()
				}
				in.WantComma()
			}
			in.Delim('}')
		case "annotations":
			s.Annotations = decodeAnnotations(in)
		case "globalAnnotations":
			s.GlobalAnnotations = decodeAnnotations(in)
		default:
			in.SkipRecursive()
		}
	})
}

func (l *SeriesResponseList) UnmarshalEasyJSON(in *jlexer.Lexer) {
	res := SeriesResponseList{}
	decodeArray(in, func() {
		var s SeriesResponse
		s.UnmarshalEasyJSON(in)
		res = append(res, s)
	})
	*l = res
}

func (r *LookupResponse) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "type":
			r.Type = in.String()
		case "metric":
			r.Metric = in.String()
		case "limit":
			r.Limit = in.Int()
		case "totalResults":
			r.TotalResults = in.Int()
		case "results":
			decodeArray(in, func() {
				var res LookupResult
				decodeObject(in, func(key string) {
					switch key {
					case "metric":
						res.Metric = in.String()
					case "tags":
						res.Tags = decodeStringMap(in)
					case "tsuid":
						res.Tsuid = in.String()
					default:
						in.SkipRecursive()
					}
				})
				r.Results = append(r.Results, res)
			})
		default:
			in.SkipRecursive()
		}
	})
}

func (r *MetricsResponse) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		if key != "metrics" {
			in.SkipRecursive()
			return
		}
		decodeArray(in, func() {
			var m MetricTags
			decodeObject(in, func(key string) {
				switch key {
				case "metric":
					m.Metric = in.String()
				case "tags":
					decodeArray(in, func() {
						var t Tag
						decodeObject(in, func(key string) {
							switch key {
							case "key":
								t.Key = in.String()
							case "value":
								t.Value = in.String()
							default:
								in.SkipRecursive()
							}
						})
						m.Tags = append(m.Tags, t)
					})
				default:
					in.SkipRecursive()
				}
			})
			r.Metrics = append(r.Metrics, m)
		})
	})
}

func (e *APIError) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "responseCode", "code":
			e.ResponseCode = in.Int()
		case "message":
			e.Message = in.String()
		case "detailMessage", "details":
			e.DetailMessage = in.String()
		default:
			in.SkipRecursive()
		}
	})
}
