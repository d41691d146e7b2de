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

package flusher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/api/layout"
	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/internal/appender"
	"github.com/pgvector-remote/annidx/internal/checkpoint"
	"github.com/pgvector-remote/annidx/internal/liveness"
	"github.com/pgvector-remote/annidx/internal/lockservice"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"github.com/pgvector-remote/annidx/testonly"
)

// newTestIndex lays down StaticMeta/BufferMeta plus one empty data page at
// layout.FirstDataBlock, mirroring build.initPages (duplicated from
// internal/appender's test helper of the same shape since it is unexported).
func newTestIndex(t *testing.T) *pagestore.PageStore {
	t.Helper()
	ps, err := pagestore.Open(filepath.Join(t.TempDir(), "index.pages"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ps.Close() })

	for i := 0; i < 2; i++ {
		_, h, err := ps.NewPage()
		if err != nil {
			t.Fatal(err)
		}
		txn := ps.BeginLog()
		if err := pagestore.Register(txn, h); err != nil {
			t.Fatal(err)
		}
		h.Release()
		if err := txn.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	blk, h, err := ps.NewPage()
	if err != nil {
		t.Fatal(err)
	}
	if blk != layout.FirstDataBlock {
		t.Fatalf("first data block = %d, want %d", blk, layout.FirstDataBlock)
	}
	buf, err := layout.WriteBufferPage(layout.BufferPage{
		Opaque: api.PageOpaque{NextPage: api.NoPage, PrevCheckpointBlkno: api.NoCheckpointBlock},
	}, pagestore.DefaultPageSize)
	if err != nil {
		t.Fatal(err)
	}
	copy(h.Bytes(), buf)
	txn := ps.BeginLog()
	if err := pagestore.Register(txn, h); err != nil {
		t.Fatal(err)
	}
	h.Release()
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	zero := api.Checkpoint{No: 0, Page: layout.FirstDataBlock, IsCheckpoint: true}
	meta := api.BufferMeta{
		ReadyCheckpoint:  zero,
		FlushCheckpoint:  zero,
		LatestCheckpoint: zero,
		InsertPage:       layout.FirstDataBlock,
	}
	txn2 := ps.BeginLog()
	if err := pagestore.WriteBufferMeta(ps, txn2, meta); err != nil {
		t.Fatal(err)
	}
	if err := txn2.Commit(); err != nil {
		t.Fatal(err)
	}
	return ps
}

func newTestFlusher(t *testing.T, ps *pagestore.PageStore, locks *lockservice.IndexLocks, batchSize int) (*Flusher, *testonly.FakeClient, *testonly.FakeTable) {
	t.Helper()
	client := testonly.NewFakeClient()
	table := testonly.NewFakeTable()
	ctx := context.Background()
	remoteHost, err := client.Create(ctx, "idx", 2, config.Euclidean, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Resolve(config.WithAPIKey("k"), config.WithBatchSize(batchSize))
	if err != nil {
		t.Fatal(err)
	}
	fifo := checkpoint.New(ps)
	probe := liveness.New(ps, fifo, cfg.MaxProbe)
	fl := New(ps, locks, fifo, probe, client, remoteHost, table, table, cfg)
	return fl, client, table
}

// TestFlushEmitsBatchAtCheckpointBoundary exercises the real write path:
// append past a batch boundary (stamping a checkpoint), then flush and
// confirm the whole pre-checkpoint run was upserted in one batch and
// flush_checkpoint advanced past it.
func TestFlushEmitsBatchAtCheckpointBoundary(t *testing.T) {
	ps := newTestIndex(t)
	locks := lockservice.New()
	fl, client, table := newTestFlusher(t, ps, locks, 2)
	a := appender.New(ps, locks, 2)

	refs := []api.HeapRef{
		{BlockNo: 1, Offset: 1},
		{BlockNo: 1, Offset: 2},
		{BlockNo: 1, Offset: 3},
	}
	vecs := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	var lastCheckpointed bool
	for i, ref := range refs {
		table.Insert(ref.BlockNo, ref.Offset, vecs[i], nil)
		checkpointed, err := a.Append(ref)
		if err != nil {
			t.Fatalf("Append(%+v): %v", ref, err)
		}
		lastCheckpointed = checkpointed
	}
	if !lastCheckpointed {
		t.Fatal("third append should have crossed the batch=2 boundary")
	}

	rep, err := fl.Flush(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.BatchesEmitted != 1 {
		t.Errorf("BatchesEmitted = %d, want 1", rep.BatchesEmitted)
	}
	if rep.VectorsUpserted != 3 {
		t.Errorf("VectorsUpserted = %d, want 3", rep.VectorsUpserted)
	}
	if client.Count() != 3 {
		t.Errorf("remote vector count = %d, want 3", client.Count())
	}

	meta, err := ps.ReadBufferMeta()
	if err != nil {
		t.Fatal(err)
	}
	if meta.FlushCheckpoint.No != 1 {
		t.Errorf("FlushCheckpoint.No = %d, want 1", meta.FlushCheckpoint.No)
	}
}

func TestFlushNoopWhenNothingPending(t *testing.T) {
	ps := newTestIndex(t)
	locks := lockservice.New()
	fl, client, _ := newTestFlusher(t, ps, locks, 100)

	rep, err := fl.Flush(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.BatchesEmitted != 0 {
		t.Errorf("BatchesEmitted = %d, want 0", rep.BatchesEmitted)
	}
	if client.Count() != 0 {
		t.Errorf("remote vector count = %d, want 0", client.Count())
	}
}

func TestFlushSkippedWhenLockHeld(t *testing.T) {
	ps := newTestIndex(t)
	locks := lockservice.New()
	fl, _, _ := newTestFlusher(t, ps, locks, 100)

	unlock, ok := locks.TryLockFlush()
	if !ok {
		t.Fatal("expected to acquire the flush lock")
	}
	defer unlock()

	rep, err := fl.Flush(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Skipped {
		t.Error("expected Flush to report Skipped when the flush lock is already held")
	}
}
