// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package testonly provides in-memory fakes of the collaborators annidx
// delegates to (the remote ANN service and the host database), for use in
// unit tests across packages.
package testonly

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/errs"
	"github.com/pgvector-remote/annidx/remote"
)

// FakeClient is an in-memory remote.Client, always ready immediately after
// Create, computing exact distances rather than an approximation.
type FakeClient struct {
	mu      sync.Mutex
	dim     int
	metric  config.Metric
	vectors map[string][]float32
	meta    map[string]map[string]any
	ready   bool
	queries int

	// FailUpsert, if set, is returned by UpsertBatch instead of succeeding,
	// to exercise the Flusher's partial-batch failure path.
	FailUpsert error
}

// NewFakeClient returns a FakeClient already marked ready, for tests that
// don't need to exercise the WaitingReady polling loop.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		vectors: make(map[string][]float32),
		meta:    make(map[string]map[string]any),
		ready:   true,
	}
}

func (c *FakeClient) Create(_ context.Context, name string, dim int, metric config.Metric, _ []byte) (remote.Host, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dim = dim
	c.metric = metric
	return remote.Host(name + ".fake"), nil
}

func (c *FakeClient) Describe(_ context.Context, _ string) (remote.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return remote.Status{Ready: c.ready}, nil
}

func (c *FakeClient) UpsertBatch(_ context.Context, _ remote.Host, vectors []remote.Vector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailUpsert != nil {
		return c.FailUpsert
	}
	for _, v := range vectors {
		cp := make([]float32, len(v.Values))
		copy(cp, v.Values)
		c.vectors[v.ID] = cp
		c.meta[v.ID] = v.Metadata
	}
	return nil
}

func (c *FakeClient) Query(_ context.Context, _ remote.Host, topK int, query []float32, filter remote.Filter) ([]remote.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	type scored struct {
		id    string
		score float64
	}
	var all []scored
	for id, v := range c.vectors {
		if !matchesFilter(c.meta[id], filter) {
			continue
		}
		all = append(all, scored{id: id, score: scoreFor(c.metric, v, query)})
	}
	sort.Slice(all, func(i, j int) bool {
		if c.metric == config.Euclidean {
			return all[i].score < all[j].score
		}
		return all[i].score > all[j].score
	})
	if topK > 0 && len(all) > topK {
		all = all[:topK]
	}
	out := make([]remote.Match, len(all))
	for i, s := range all {
		out[i] = remote.Match{ID: s.id, Score: s.score}
	}
	return out, nil
}

func (c *FakeClient) FetchByIDs(_ context.Context, _ remote.Host, ids []string) (map[string]bool, error) {
	if len(ids) > remote.MaxFetchIDs {
		return nil, errs.New(errs.InvalidConfig, fmt.Sprintf("fetch_by_ids: %d exceeds ceiling", len(ids)))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := c.vectors[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (c *FakeClient) DeleteAll(_ context.Context, _ remote.Host) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectors = make(map[string][]float32)
	c.meta = make(map[string]map[string]any)
	return nil
}

func (c *FakeClient) DeleteIDs(_ context.Context, _ remote.Host, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.vectors, id)
		delete(c.meta, id)
	}
	return nil
}

// Has reports whether id has been upserted (test assertion helper).
func (c *FakeClient) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.vectors[id]
	return ok
}

// Count returns the number of vectors currently upserted.
func (c *FakeClient) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.vectors)
}

// QueryCalls returns the number of times Query has been invoked (test
// assertion helper, e.g. confirming a TopK: 0 request never reaches it).
func (c *FakeClient) QueryCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

func scoreFor(metric config.Metric, a, b []float32) float64 {
	switch metric {
	case config.Cosine:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (sqrt(na) * sqrt(nb))
	case config.InnerProduct:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	default:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return sum
	}
}

func sqrt(f float64) float64 {
	// Newton's method avoids importing math solely for this, keeping the
	// fake dependency-free; callers only need an approximate norm.
	if f == 0 {
		return 0
	}
	x := f
	for range 20 {
		x = 0.5 * (x + f/x)
	}
	return x
}

func matchesFilter(meta map[string]any, filter remote.Filter) bool {
	if len(filter) == 0 {
		return true
	}
	if and, ok := filter["$and"]; ok {
		clauses, ok := and.([]map[string]any)
		if !ok {
			return true
		}
		for _, c := range clauses {
			if !matchesFilter(meta, remote.Filter(c)) {
				return false
			}
		}
		return true
	}
	for col, rawOp := range filter {
		op, ok := rawOp.(map[string]any)
		if !ok {
			continue
		}
		v, present := meta[col]
		if !present {
			return false
		}
		for opName, want := range op {
			if !compare(opName, v, want) {
				return false
			}
		}
	}
	return true
}

func compare(op string, got, want any) bool {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok && wok {
		switch op {
		case "$lt":
			return gf < wf
		case "$lte":
			return gf <= wf
		case "$eq":
			return gf == wf
		case "$gte":
			return gf >= wf
		case "$gt":
			return gf > wf
		case "$ne":
			return gf != wf
		}
	}
	switch op {
	case "$eq":
		return got == want
	case "$ne":
		return got != want
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

var _ remote.Client = (*FakeClient)(nil)
