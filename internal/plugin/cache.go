// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package plugin

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/singleflight"

	"github.com/vkcom/timely-datasource/internal/timely"
)

// aggregatorCache remembers the first successful /api/aggregators answer for
// the lifetime of the datasource instance. Failures are not cached.
type aggregatorCache struct {
	list  atomic.Pointer[[]string]
	group singleflight.Group
}

func (c *aggregatorCache) get(ctx context.Context, fetch func(ctx context.Context) ([]string, error)) ([]string, error) {
	if l := c.list.Load(); l != nil {
		return *l, nil
	}
	v, err, _ := c.group.Do("aggregators", func() (interface{}, error) {
		if l := c.list.Load(); l != nil {
			return *l, nil
		}
		res, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		sorted := append(make([]string, 0, len(res)), res...)
		slices.Sort(sorted)
		c.list.Store(&sorted)
		return sorted, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// tagKeyCache collects, per metric, the tag keys seen in query results,
// aggregated ones included. The query editor offers them as suggestions.
type tagKeyCache struct {
	mu   sync.RWMutex
	keys map[string]map[string]struct{}
}

func (c *tagKeyCache) observe(series []timely.SeriesResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = map[string]map[string]struct{}{}
	}
	for i := range series {
		s := &series[i]
		keys := c.keys[s.Metric]
		if keys == nil {
			keys = map[string]struct{}{}
			c.keys[s.Metric] = keys
		}
		for k := range s.Tags {
			keys[k] = struct{}{}
		}
		for _, k := range s.AggregateTags {
			keys[k] = struct{}{}
		}
	}
}

func (c *tagKeyCache) get(metric string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]string, 0, len(c.keys[metric]))
	for k := range c.keys[metric] {
		res = append(res, k)
	}
	slices.Sort(res)
	return res
}
