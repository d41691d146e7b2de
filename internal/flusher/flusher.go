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

// Package flusher implements C5 of spec.md §4.5: draining
// (flush_checkpoint, latest_checkpoint] to the remote service in batches,
// advancing flush_checkpoint one checkpoint at a time.
package flusher

import (
	"context"

	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/host"
	"github.com/pgvector-remote/annidx/internal/checkpoint"
	"github.com/pgvector-remote/annidx/internal/liveness"
	"github.com/pgvector-remote/annidx/internal/lockservice"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"github.com/pgvector-remote/annidx/remote"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Report summarizes one Flush call.
type Report struct {
	Skipped       bool
	BatchesEmitted int
	VectorsUpserted int
	FinalFlush     api.Checkpoint
}

// Flusher drains one index's buffer to the remote service.
type Flusher struct {
	ps      *pagestore.PageStore
	locks   *lockservice.IndexLocks
	fifo    *checkpoint.FIFO
	probe   *liveness.Probe
	client  remote.Client
	encoder host.TupleEncoder
	src     host.TupleSource
	host    remote.Host
	cfg     *config.Config
}

// New returns a Flusher bound to ps, using client against the named remote
// host, encoding live tuples fetched through src/encoder.
func New(ps *pagestore.PageStore, locks *lockservice.IndexLocks, fifo *checkpoint.FIFO, probe *liveness.Probe, client remote.Client, remoteHost remote.Host, src host.TupleSource, encoder host.TupleEncoder, cfg *config.Config) *Flusher {
	return &Flusher{ps: ps, locks: locks, fifo: fifo, probe: probe, client: client, encoder: encoder, src: src, host: remoteHost, cfg: cfg}
}

// Flush drains at most maxBatches batches of (flush_checkpoint,
// latest_checkpoint] (0 means unbounded), per spec.md §4.5.
func (fl *Flusher) Flush(ctx context.Context, maxBatches int) (Report, error) {
	unlock, ok := fl.locks.TryLockFlush()
	if !ok {
		return Report{Skipped: true}, nil
	}
	defer unlock()

	meta, err := fl.ps.ReadBufferMeta()
	if err != nil {
		return Report{}, err
	}
	if meta.FlushCheckpoint.No == meta.LatestCheckpoint.No {
		return Report{FinalFlush: meta.FlushCheckpoint}, nil
	}

	batchSize := fl.cfg.VectorsPerRequest * fl.cfg.RequestsPerBatch

	rep := Report{FinalFlush: meta.FlushCheckpoint}
	var batch []api.HeapRef
	// lastCheckpointSeen is the checkpoint whose page terminated the walk
	// since the previous emitted batch: the batch boundary spec.md §4.5
	// step 3 describes ("accumulate until BATCH_SIZE, OR the walk reaches
	// the next checkpoint page").
	lastCheckpointSeen := meta.FlushCheckpoint

	curBlk := meta.FlushCheckpoint.Page
	for {
		page, err := fl.ps.ReadBufferPageShared(curBlk)
		if err != nil {
			return rep, err
		}
		batch = append(batch, page.Items...)
		if page.Opaque.Checkpoint.No > meta.FlushCheckpoint.No && page.Opaque.Checkpoint.No <= meta.LatestCheckpoint.No {
			lastCheckpointSeen = page.Opaque.Checkpoint
		}

		atCheckpointPage := page.Opaque.Checkpoint.No > meta.FlushCheckpoint.No
		atBoundary := len(batch) >= batchSize || atCheckpointPage

		if atBoundary && len(batch) > 0 {
			freshMeta, err := fl.ps.ReadBufferMeta()
			if err != nil {
				return rep, err
			}
			if err := fl.emitBatch(ctx, batch, lastCheckpointSeen, freshMeta); err != nil {
				return rep, err
			}
			rep.BatchesEmitted++
			rep.VectorsUpserted += len(batch)
			rep.FinalFlush = lastCheckpointSeen
			batch = nil
			if maxBatches > 0 && rep.BatchesEmitted >= maxBatches {
				klog.V(1).Infof("flusher: stopping at max_batches=%d", maxBatches)
				return rep, nil
			}
		}

		if lastCheckpointSeen.No == meta.LatestCheckpoint.No {
			break
		}
		if page.Opaque.NextPage == api.NoPage {
			break
		}
		curBlk = page.Opaque.NextPage
	}

	return rep, nil
}

// emitBatch encodes batch's live tuples and issues the paired
// upsert_batch/fetch_by_ids pair concurrently (spec.md §4.5 step 4), then
// advances flush_checkpoint to upTo and hands the fetch result to the
// LivenessProbe.
func (fl *Flusher) emitBatch(ctx context.Context, batch []api.HeapRef, upTo api.Checkpoint, meta api.BufferMeta) error {
	vectors := make([]remote.Vector, 0, len(batch))
	for _, ref := range batch {
		t, ok, err := fl.src.Fetch(ctx, ref.BlockNo, ref.Offset)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		vec, ok := fl.encoder.Vector(t)
		if !ok {
			continue
		}
		vectors = append(vectors, remote.Vector{
			ID:       ref.RemoteID(),
			Values:   vec,
			Metadata: fl.encoder.Metadata(t),
		})
	}

	probeIDs := liveness.PendingRepresentativeIDs(fl.ps, meta, fl.cfg.MaxProbe)

	var fetched map[string]bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(vectors) == 0 {
			return nil
		}
		return remote.UpsertPipelined(gctx, fl.client, fl.host, vectors, fl.cfg.VectorsPerRequest, fl.cfg.RequestsPerBatch)
	})
	g.Go(func() error {
		if len(probeIDs) == 0 {
			fetched = map[string]bool{}
			return nil
		}
		var err error
		fetched, err = fl.client.FetchByIDs(gctx, fl.host, probeIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		// spec.md §4.5 Failure: leave flush_checkpoint at the last
		// fully-confirmed checkpoint; do not advance past an
		// indeterminate batch.
		return err
	}

	if _, err := fl.fifo.AdvanceFlush(upTo); err != nil {
		return err
	}
	klog.V(1).Infof("flusher: emitted batch of %d vectors, flush advanced to %d", len(vectors), upTo.No)

	if len(fetched) > 0 {
		if err := fl.probe.AdvanceReady(ctx, fetched); err != nil {
			klog.Warningf("flusher: liveness probe failed after batch: %v", err)
		}
	}
	return nil
}
