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

// Package annidx wires C1-C9 together into the index's write and read
// paths (spec.md §2's data flow): caller -> Appender -> (on checkpoint)
// Flusher -> RemoteClient.{upsert,fetch} -> CheckpointFIFO; and caller ->
// QueryMerger -> RemoteClient.{query,fetch} -> LivenessProbe, merged with a
// local scan.
package annidx

import (
	"context"
	"iter"

	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/errs"
	"github.com/pgvector-remote/annidx/host"
	"github.com/pgvector-remote/annidx/internal/appender"
	"github.com/pgvector-remote/annidx/internal/build"
	"github.com/pgvector-remote/annidx/internal/checkpoint"
	"github.com/pgvector-remote/annidx/internal/flusher"
	"github.com/pgvector-remote/annidx/internal/liveness"
	"github.com/pgvector-remote/annidx/internal/lockservice"
	"github.com/pgvector-remote/annidx/internal/merge"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"github.com/pgvector-remote/annidx/remote"
	"k8s.io/klog/v2"
)

// Index is a single open instance of this access method, bound to one
// on-disk page store, one remote index and one host-tuple collaborator
// pair.
type Index struct {
	ps     *pagestore.PageStore
	cfg    *config.Config
	static api.StaticMeta

	locks    *lockservice.IndexLocks
	fifo     *checkpoint.FIFO
	probe    *liveness.Probe
	appender *appender.Appender
	flusher  *flusher.Flusher
	merger   *merge.Merger
	client   remote.Client
}

// Open attaches to an already-built index's page store at path, wiring
// every component per spec.md §2.
func Open(path string, client remote.Client, src host.TupleSource, encoder host.TupleEncoder, cfg *config.Config) (*Index, error) {
	ps, err := pagestore.Open(path)
	if err != nil {
		return nil, err
	}
	static, err := ps.ReadStaticMeta()
	if err != nil {
		ps.Close()
		return nil, err
	}

	locks := lockservice.New()
	fifo := checkpoint.New(ps)
	probe := liveness.New(ps, fifo, cfg.MaxProbe)
	remoteHost := remote.Host(static.RemoteHost)

	idx := &Index{
		ps:       ps,
		cfg:      cfg,
		static:   static,
		locks:    locks,
		fifo:     fifo,
		probe:    probe,
		appender: appender.New(ps, locks, cfg.BatchSize),
		flusher:  flusher.New(ps, locks, fifo, probe, client, remoteHost, src, encoder, cfg),
		merger:   merge.New(ps, client, remoteHost, probe, src, encoder, cfg, config.Metric(static.Metric)),
		client:   client,
	}
	return idx, nil
}

// Close releases the index's page store.
func (idx *Index) Close() error {
	return idx.ps.Close()
}

// StaticMeta returns the index's immutable build-time metadata.
func (idx *Index) StaticMeta() api.StaticMeta {
	return idx.static
}

// Insert appends ref to the buffer, and if this append crossed a batch
// boundary, immediately triggers a bounded flush (spec.md §2 write path:
// "on checkpoint triggers C5"). A skipped flush (lock contention) is not an
// error; the next checkpoint-crossing append will try again.
func (idx *Index) Insert(ctx context.Context, ref api.HeapRef, vec []float32) error {
	if host.IsZeroVector(vec) {
		return errs.New(errs.InvalidInput, "zero vector is not indexable")
	}
	checkpointed, err := idx.appender.Append(ref)
	if err != nil {
		return err
	}
	if checkpointed {
		rep, err := idx.flusher.Flush(ctx, 0)
		if err != nil {
			klog.Warningf("annidx: post-checkpoint flush failed, will retry on next checkpoint-crossing append: %v", err)
			return nil
		}
		if !rep.Skipped {
			klog.V(1).Infof("annidx: post-checkpoint flush emitted %d batches", rep.BatchesEmitted)
		}
	}
	return nil
}

// Flush runs the Flusher directly (e.g. from a background maintenance
// task), bounded to maxBatches (0 = unbounded).
func (idx *Index) Flush(ctx context.Context, maxBatches int) (flusher.Report, error) {
	return idx.flusher.Flush(ctx, maxBatches)
}

// Query runs the query-time merge (spec.md §2 read path).
func (idx *Index) Query(ctx context.Context, q merge.Query) (iter.Seq[merge.Result], merge.Notice, error) {
	return idx.merger.Rescan(ctx, q)
}

// Build runs the one-shot index build protocol (C9), then opens the result.
func Build(ctx context.Context, path string, client remote.Client, src host.TupleSource, encoder host.TupleEncoder, scanner build.HeapScanner, opts build.Options) (build.Report, error) {
	ps, err := pagestore.Open(path)
	if err != nil {
		return build.Report{}, err
	}
	defer ps.Close()

	builder := build.New(ps, client, src, encoder)
	return builder.Build(ctx, opts, scanner)
}
