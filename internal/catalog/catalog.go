// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package catalog

import (
	"github.com/google/btree"

	"github.com/vkcom/timely-datasource/internal/timely"
)

const degree = 16

type TagGroup struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Entry lists the tag keys observed for a metric, each with its sorted distinct values.
type Entry struct {
	MetricName string     `json:"metricName"`
	TagGroups  []TagGroup `json:"tagGroups"`
}

type metricGroups struct {
	name string
	tags map[string]*btree.BTreeG[string]
	keys *btree.BTreeG[string]
}

// GroupTags folds the /api/metrics listing into catalog entries sorted by
// metric name. Entries of the same metric are merged.
func GroupTags(metrics []timely.MetricTags) []Entry {
	byName := map[string]*metricGroups{}
	names := btree.NewOrderedG[string](degree)
	for _, m := range metrics {
		g, ok := byName[m.Metric]
		if !ok {
			g = &metricGroups{
				name: m.Metric,
				tags: map[string]*btree.BTreeG[string]{},
				keys: btree.NewOrderedG[string](degree),
			}
			byName[m.Metric] = g
			names.ReplaceOrInsert(m.Metric)
		}
		for _, tag := range m.Tags {
			values, ok := g.tags[tag.Key]
			if !ok {
				values = btree.NewOrderedG[string](degree)
				g.tags[tag.Key] = values
				g.keys.ReplaceOrInsert(tag.Key)
			}
			values.ReplaceOrInsert(tag.Value)
		}
	}

	res := make([]Entry, 0, names.Len())
	names.Ascend(func(name string) bool {
		g := byName[name]
		e := Entry{MetricName: name, TagGroups: make([]TagGroup, 0, g.keys.Len())}
		g.keys.Ascend(func(key string) bool {
			e.TagGroups = append(e.TagGroups, TagGroup{Name: key, Values: ascending(g.tags[key])})
			return true
		})
		res = append(res, e)
		return true
	})
	return res
}

func ascending(t *btree.BTreeG[string]) []string {
	res := make([]string, 0, t.Len())
	t.Ascend(func(v string) bool {
		res = append(res, v)
		return true
	})
	return res
}
