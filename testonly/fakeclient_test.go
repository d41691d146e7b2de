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

package testonly

import (
	"context"
	"testing"

	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/remote"
)

func TestFakeClientQueryTopKTruncation(t *testing.T) {
	c := NewFakeClient()
	ctx := context.Background()
	host, err := c.Create(ctx, "idx", 2, config.Euclidean, nil)
	if err != nil {
		t.Fatal(err)
	}
	vecs := []remote.Vector{
		{ID: "a", Values: []float32{1, 0}},
		{ID: "b", Values: []float32{0.9, 0.1}},
		{ID: "c", Values: []float32{0, 1}},
	}
	if err := c.UpsertBatch(ctx, host, vecs); err != nil {
		t.Fatal(err)
	}

	got, err := c.Query(ctx, host, 2, []float32{1, 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("Query(topK=2) returned %d matches, want 2", len(got))
	}

	// topK <= 0 is the fake's "no truncation" sentinel, not "no results" —
	// callers (Merger.Rescan) are responsible for never invoking Query this
	// way when spec.md's top_k = 0 ("return empty, skip the remote call")
	// applies.
	got, err = c.Query(ctx, host, 0, []float32{1, 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(vecs) {
		t.Errorf("Query(topK=0) returned %d matches, want all %d (untruncated)", len(got), len(vecs))
	}
}
