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

// Package remote is C7 of spec.md §4.7: the pure contract for the remote
// ANN service, plus the wire shapes of spec.md §6. It has no state beyond a
// pooled HTTP client and an API key.
package remote

import (
	"context"
	"math"

	"github.com/pgvector-remote/annidx/config"
)

// Vector is one upserted item: its remote ID, dense values, and scalar
// metadata (spec.md §6 upsert payload).
type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

// Match is one scored result from Query, in the remote service's own score
// space (not yet converted to a distance — see ScoreToDistance).
type Match struct {
	ID    string
	Score float64
}

// Filter is the already-built remote filter expression (spec.md §6:
// {"$and":[{col:{"$op":value}}...]}), opaque to this package.
type Filter map[string]any

// Status reports whether a remote index is ready to serve traffic.
type Status struct {
	Ready bool
}

// Host identifies a remote index instance once created or adopted.
type Host string

// Client is the pure RemoteClient contract (spec.md §4.7). Implementations
// must make UpsertBatch idempotent on Vector.ID.
type Client interface {
	// Create creates a new remote index with the given name, dimension and
	// metric, per the provided spec document. Errors: AlreadyExists,
	// InvalidSpec, Unauthorized (all reported as errs.InvalidConfig or
	// errs.RemoteError depending on cause).
	Create(ctx context.Context, name string, dim int, metric config.Metric, spec []byte) (Host, error)
	Describe(ctx context.Context, name string) (Status, error)
	UpsertBatch(ctx context.Context, host Host, vectors []Vector) error
	Query(ctx context.Context, host Host, topK int, query []float32, filter Filter) ([]Match, error)
	// FetchByIDs returns the subset of ids that are present in the remote
	// index. len(ids) must not exceed MaxFetchIDs.
	FetchByIDs(ctx context.Context, host Host, ids []string) (map[string]bool, error)
	DeleteAll(ctx context.Context, host Host) error
	DeleteIDs(ctx context.Context, host Host, ids []string) error
}

// Lister is an optional extension used by the administrative command
// surface (spec.md §6: list-remote-indexes, delete-unused-remote-indexes).
// Not every deployment of the remote service need support it.
type Lister interface {
	ListIndexes(ctx context.Context) ([]string, error)
	DeleteIndex(ctx context.Context, name string) error
}

// MaxFetchIDs is the ceiling on one FetchByIDs call, imposed by the GET URL
// length bound of spec.md §6.
const MaxFetchIDs = 100

// ScoreToDistance converts a remote Match's score into a distance
// comparable with the locally computed exact distances of spec.md §4.8.
func ScoreToDistance(metric config.Metric, score float64) float64 {
	switch metric {
	case config.Cosine:
		return 1 - score
	case config.InnerProduct:
		return -score
	default: // Euclidean: score is already squared Euclidean distance.
		return score
	}
}

// Ascending reports whether Matches for this metric are ordered so that a
// smaller score means a smaller distance (Euclidean), as opposed to a
// larger score meaning a smaller distance (Cosine, InnerProduct).
func Ascending(metric config.Metric) bool {
	return metric == config.Euclidean
}

// LocalDistance computes the exact distance between two vectors using the
// same convention ScoreToDistance produces for remote matches, so a local
// and a remote result are directly comparable (spec.md §4.8 step 6: "compute
// dist = f(vector, query) using the operator-class distance function").
func LocalDistance(metric config.Metric, a, b []float32) float64 {
	switch metric {
	case config.Cosine:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	case config.InnerProduct:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return -dot
	default: // Euclidean: squared distance, matching the remote's score convention.
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return sum
	}
}
