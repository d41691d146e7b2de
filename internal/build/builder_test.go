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

package build

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/errs"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"github.com/pgvector-remote/annidx/remote"
	"github.com/pgvector-remote/annidx/testonly"
)

func newTestBuilder(t *testing.T) (*Builder, *pagestore.PageStore, *testonly.FakeClient, *testonly.FakeTable) {
	t.Helper()
	ps, err := pagestore.Open(filepath.Join(t.TempDir(), "index.pages"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ps.Close() })
	client := testonly.NewFakeClient()
	table := testonly.NewFakeTable()
	return New(ps, client, table, table), ps, client, table
}

func TestGenerateIndexNameShapeAndLength(t *testing.T) {
	name, err := GenerateIndexName("products")
	if err != nil {
		t.Fatal(err)
	}
	if len(name) > maxIndexNameLen {
		t.Errorf("len(name) = %d, want <= %d", len(name), maxIndexNameLen)
	}
	if !indexNameCharset.MatchString(name) {
		t.Errorf("name %q contains characters outside [a-zA-Z0-9-]", name)
	}
}

func TestBuildCreatesIndexAndUploadsBaseTable(t *testing.T) {
	b, ps, client, table := newTestBuilder(t)
	table.Insert(1, 1, []float32{1, 2}, map[string]any{"price": 9.99})
	table.Insert(1, 2, []float32{3, 4}, map[string]any{"price": 19.99})
	// A zero vector should be scanned but not indexed (spec.md §4.4 Errors).
	table.Insert(1, 3, []float32{0, 0}, map[string]any{"price": 0.0})

	opts := Options{
		IndexOptions: config.IndexOptions{Spec: []byte(`{}`), Dimensions: 2, Metric: config.Euclidean},
		BaseName:     "products",
		BatchSize:    10,
	}
	rep, err := b.Build(context.Background(), opts, table)
	if err != nil {
		t.Fatal(err)
	}
	if rep.HeapTuples != 3 {
		t.Errorf("HeapTuples = %d, want 3", rep.HeapTuples)
	}
	if rep.IndexTuples != 2 {
		t.Errorf("IndexTuples = %d, want 2 (zero vector excluded)", rep.IndexTuples)
	}
	if client.Count() != 2 {
		t.Errorf("remote vector count = %d, want 2", client.Count())
	}

	sm, err := ps.ReadStaticMeta()
	if err != nil {
		t.Fatal(err)
	}
	if sm.Dimensions != 2 || sm.RemoteHost != string(rep.Host) {
		t.Errorf("StaticMeta = %+v, want dimensions=2 host=%q", sm, rep.Host)
	}
	bm, err := ps.ReadBufferMeta()
	if err != nil {
		t.Fatal(err)
	}
	if !bm.LatestCheckpoint.IsCheckpoint || bm.LatestCheckpoint.No != 0 {
		t.Errorf("initial BufferMeta checkpoint = %+v, want the zero checkpoint", bm.LatestCheckpoint)
	}
}

func TestBuildAdoptsExistingHost(t *testing.T) {
	b, _, client, table := newTestBuilder(t)
	opts := Options{
		IndexOptions: config.IndexOptions{Host: "preexisting.fake", Dimensions: 4},
		BaseName:     "widgets",
	}
	rep, err := b.Build(context.Background(), opts, table)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Host != "preexisting.fake" {
		t.Errorf("Host = %q, want the adopted host", rep.Host)
	}
	if client.Count() != 0 {
		t.Error("adopting a host should not create a new remote index")
	}
}

func TestBuildSkipBuildLeavesRemoteEmpty(t *testing.T) {
	b, _, client, table := newTestBuilder(t)
	table.Insert(1, 1, []float32{1, 2}, nil)
	opts := Options{
		IndexOptions: config.IndexOptions{Spec: []byte(`{}`), Dimensions: 2, SkipBuild: true},
		BaseName:     "deferred",
	}
	rep, err := b.Build(context.Background(), opts, table)
	if err != nil {
		t.Fatal(err)
	}
	if rep.HeapTuples != 0 || rep.IndexTuples != 0 {
		t.Errorf("SkipBuild should report zero tuples, got %+v", rep)
	}
	if client.Count() != 0 {
		t.Error("SkipBuild should not upload anything")
	}
}

func TestBuildOverwriteClearsExistingRemoteVectors(t *testing.T) {
	b, _, client, table := newTestBuilder(t)
	host, err := client.Create(context.Background(), "existing", 2, config.Euclidean, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.UpsertBatch(context.Background(), host, []remote.Vector{{ID: "000000000001000a", Values: []float32{9, 9}}}); err != nil {
		t.Fatal(err)
	}
	table.Insert(2, 1, []float32{1, 1}, nil)

	opts := Options{
		IndexOptions: config.IndexOptions{Host: string(host), Dimensions: 2, Overwrite: true},
		BaseName:     "existing",
	}
	rep, err := b.Build(context.Background(), opts, table)
	if err != nil {
		t.Fatal(err)
	}
	if rep.IndexTuples != 1 {
		t.Errorf("IndexTuples = %d, want 1", rep.IndexTuples)
	}
	if client.Count() != 1 {
		t.Errorf("remote vector count after overwrite+reupload = %d, want 1 (old vector cleared)", client.Count())
	}
}

func TestBuildRejectsBothSpecAndHost(t *testing.T) {
	b, _, _, table := newTestBuilder(t)
	opts := Options{IndexOptions: config.IndexOptions{Spec: []byte(`{}`), Host: "h", Dimensions: 2}}
	if _, err := b.Build(context.Background(), opts, table); !errs.Is(err, errs.InvalidConfig) {
		t.Errorf("want InvalidConfig, got %v", err)
	}
}

// neverReadyClient wraps FakeClient but never reports the remote index ready,
// exercising the WaitingReady timeout path.
type neverReadyClient struct {
	*testonly.FakeClient
}

func (neverReadyClient) Describe(context.Context, string) (remote.Status, error) {
	return remote.Status{Ready: false}, nil
}

func TestBuildWaitReadyTimesOut(t *testing.T) {
	ps, err := pagestore.Open(filepath.Join(t.TempDir(), "index.pages"))
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()
	table := testonly.NewFakeTable()
	client := neverReadyClient{testonly.NewFakeClient()}
	b := New(ps, client, table, table)

	opts := Options{
		IndexOptions:     config.IndexOptions{Spec: []byte(`{}`), Dimensions: 2},
		BaseName:         "slow",
		WaitReadyTimeout: 50 * time.Millisecond,
	}
	_, err = b.Build(context.Background(), opts, table)
	if !errs.Is(err, errs.Transient) {
		t.Errorf("want Transient timeout error, got %v", err)
	}
}
