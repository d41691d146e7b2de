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

package annidx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/internal/build"
	"github.com/pgvector-remote/annidx/internal/merge"
	"github.com/pgvector-remote/annidx/testonly"
)

// TestEndToEndBuildInsertFlushQuery exercises the whole write and read path:
// Build creates the remote index and the three fixed pages, Insert crosses a
// batch boundary (triggering an automatic flush), and Query merges the
// resulting remote hits with the local buffer.
func TestEndToEndBuildInsertFlushQuery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.pages")
	client := testonly.NewFakeClient()
	table := testonly.NewFakeTable()

	buildOpts := build.Options{
		IndexOptions: config.IndexOptions{Spec: []byte(`{}`), Dimensions: 2, Metric: config.Euclidean, SkipBuild: true},
		BaseName:     "items",
	}
	if _, err := Build(ctx, path, client, table, table, table, buildOpts); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// BatchSize=2 means the third Append crosses the checkpoint boundary
	// (internal/appender's TestAppendStampsCheckpointAtBatchBoundary traces
	// the same arithmetic), which in turn triggers an automatic Flush.
	cfg, err := config.Resolve(config.WithAPIKey("k"), config.WithBatchSize(2))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := Open(path, client, table, table, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	rows := []struct {
		ref api.HeapRef
		vec []float32
	}{
		{api.HeapRef{BlockNo: 1, Offset: 1}, []float32{1, 0}},
		{api.HeapRef{BlockNo: 1, Offset: 2}, []float32{0.9, 0.1}},
		{api.HeapRef{BlockNo: 1, Offset: 3}, []float32{5, 5}},
	}
	for _, r := range rows {
		// The host is expected to have already inserted the row into its own
		// table before telling the index about it; mirror that here.
		table.Insert(r.ref.BlockNo, r.ref.Offset, r.vec, nil)
		if err := idx.Insert(ctx, r.ref, r.vec); err != nil {
			t.Fatalf("Insert(%+v): %v", r.ref, err)
		}
	}

	if got := client.Count(); got == 0 {
		t.Fatal("expected the post-checkpoint flush to have upserted at least one vector remotely")
	}

	seq, notice, err := idx.Query(ctx, merge.Query{Vector: []float32{1, 0}, TopK: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if notice.TruncatedLocalScan || notice.TruncatedProbe {
		t.Errorf("unexpected truncation: %+v", notice)
	}

	var got []api.HeapRef
	for r := range seq {
		got = append(got, r.HeapRef)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(got), got)
	}
	if got[0] != rows[0].ref {
		t.Errorf("closest result = %+v, want %+v", got[0], rows[0].ref)
	}

	// spec.md §4.8: top_k = 0 returns an empty iterator and must not advance
	// ready_checkpoint, regardless of how many rows are pending.
	queriesBefore := client.QueryCalls()
	seq, notice, err = idx.Query(ctx, merge.Query{Vector: []float32{1, 0}, TopK: 0})
	if err != nil {
		t.Fatalf("Query(TopK: 0): %v", err)
	}
	if notice != (merge.Notice{}) {
		t.Errorf("Query(TopK: 0) notice = %+v, want zero value", notice)
	}
	for r := range seq {
		t.Fatalf("Query(TopK: 0) yielded %+v, want no results", r)
	}
	if got := client.QueryCalls(); got != queriesBefore {
		t.Errorf("Query(TopK: 0) called the remote client %d more time(s), want 0", got-queriesBefore)
	}
}

// TestInsertRejectsZeroVector checks the write-path validation named in
// spec.md §4.4's Errors: a zero vector is never handed to the appender.
func TestInsertRejectsZeroVector(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.pages")
	client := testonly.NewFakeClient()
	table := testonly.NewFakeTable()

	buildOpts := build.Options{
		IndexOptions: config.IndexOptions{Spec: []byte(`{}`), Dimensions: 2, SkipBuild: true},
		BaseName:     "items",
	}
	if _, err := Build(ctx, path, client, table, table, table, buildOpts); err != nil {
		t.Fatalf("Build: %v", err)
	}
	cfg, err := config.Resolve(config.WithAPIKey("k"))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := Open(path, client, table, table, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	table.Insert(1, 1, []float32{0, 0}, nil)
	if err := idx.Insert(ctx, api.HeapRef{BlockNo: 1, Offset: 1}, []float32{0, 0}); err == nil {
		t.Fatal("expected an error inserting a zero vector")
	}
}

// TestFlushIsIdempotentWhenNothingPending checks that an explicit Flush
// against a freshly built, empty index reports Skipped=false and no error
// rather than upserting an empty batch (flusher's own no-op fast path when
// flush_checkpoint already equals latest_checkpoint).
func TestFlushIsIdempotentWhenNothingPending(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.pages")
	client := testonly.NewFakeClient()
	table := testonly.NewFakeTable()

	buildOpts := build.Options{
		IndexOptions: config.IndexOptions{Spec: []byte(`{}`), Dimensions: 2, SkipBuild: true},
		BaseName:     "items",
	}
	if _, err := Build(ctx, path, client, table, table, table, buildOpts); err != nil {
		t.Fatalf("Build: %v", err)
	}
	cfg, err := config.Resolve(config.WithAPIKey("k"))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := Open(path, client, table, table, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	rep, err := idx.Flush(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.BatchesEmitted != 0 {
		t.Errorf("BatchesEmitted = %d, want 0 on an empty index", rep.BatchesEmitted)
	}
	if client.Count() != 0 {
		t.Errorf("remote vector count = %d, want 0", client.Count())
	}
}
