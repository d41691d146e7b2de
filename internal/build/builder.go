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

// Package build implements C9 of spec.md §4.9: one-shot creation (or
// adoption) of a remote index, initialization of the three fixed pages, and
// the base-table scan-and-upload that populates it.
package build

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/globocom/go-buffer"
	"github.com/google/uuid"
	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/api/layout"
	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/errs"
	"github.com/pgvector-remote/annidx/host"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"github.com/pgvector-remote/annidx/remote"
	"k8s.io/klog/v2"
)

// State names a position in the build state machine (spec.md §4.9).
type State int

const (
	Init State = iota
	CreatingRemote
	WaitingReady
	PagesInitialized
	Uploading
	Done
)

func (s State) String() string {
	return [...]string{"Init", "CreatingRemote", "WaitingReady", "PagesInitialized", "Uploading", "Done"}[s]
}

// Report is the outcome of a Build call.
type Report struct {
	HeapTuples  int64
	IndexTuples int64
	Host        remote.Host
	IndexName   string
}

// Options bundles the per-index build-time parameters, generalizing the
// original's reloptions (spec.md §6/§4.9 plus the SUPPLEMENTED FEATURES
// index-naming rules).
type Options struct {
	config.IndexOptions
	// BaseName seeds the generated remote index name (e.g. the base table's
	// relation name); a random suffix is appended for collision safety.
	BaseName string
	// WaitReadyTimeout bounds the WaitingReady poll loop.
	WaitReadyTimeout time.Duration
	BatchSize        int
	VectorsPerRequest int
}

const maxIndexNameLen = 45

var indexNameCharset = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// GenerateIndexName builds a collision-safe remote index name from base, in
// the shape of the original's get_pinecone_index_name (SUPPLEMENTED
// FEATURES: "pgvector-<base>-<uuid-suffix>", alnum/hyphen only, capped at 45
// chars).
func GenerateIndexName(base string) (string, error) {
	suffix := uuid.New().String()[:8]
	name := fmt.Sprintf("pgvector-%s-%s", base, suffix)
	if len(name) > maxIndexNameLen {
		name = name[:maxIndexNameLen]
	}
	if !indexNameCharset.MatchString(name) {
		return "", errs.New(errs.InvalidConfig, fmt.Sprintf("generated index name %q contains invalid characters", name))
	}
	return name, nil
}

// Builder runs the one-shot index build protocol.
type Builder struct {
	ps      *pagestore.PageStore
	client  remote.Client
	src     host.TupleSource
	encoder host.TupleEncoder
}

// New returns a Builder writing pages through ps and talking to the remote
// service through client.
func New(ps *pagestore.PageStore, client remote.Client, src host.TupleSource, encoder host.TupleEncoder) *Builder {
	return &Builder{ps: ps, client: client, src: src, encoder: encoder}
}

// HeapScanner enumerates every live tuple of the base table once, in
// storage order (the host's table_index_build_scan seam).
type HeapScanner interface {
	ScanLive(ctx context.Context, yield func(blockNo uint32, offset uint16, t host.Tuple) error) error
}

// Build runs the full state machine of spec.md §4.9.
func (b *Builder) Build(ctx context.Context, opts Options, scanner HeapScanner) (Report, error) {
	state := Init
	var rep Report

	if err := opts.Validate(); err != nil {
		return rep, err
	}

	var remoteHost remote.Host
	var indexName string

	if opts.Host != "" {
		remoteHost = remote.Host(opts.Host)
		indexName = opts.BaseName
	} else {
		state = CreatingRemote
		name, err := GenerateIndexName(opts.BaseName)
		if err != nil {
			return rep, err
		}
		indexName = name
		klog.V(1).Infof("build: creating remote index %q (state=%s)", indexName, state)
		h, err := b.client.Create(ctx, indexName, opts.Dimensions, opts.Metric, opts.Spec)
		if err != nil {
			// spec.md §4.9: "CreatingRemote errors are fatal to build".
			return rep, errs.Wrap(errs.RemoteError, "create remote index", err)
		}
		remoteHost = h

		state = WaitingReady
		if err := b.waitReady(ctx, indexName, opts.WaitReadyTimeout); err != nil {
			return rep, err
		}
	}

	if opts.Overwrite {
		if err := b.client.DeleteAll(ctx, remoteHost); err != nil {
			return rep, err
		}
	}

	txn := b.ps.BeginLog()
	if err := b.initPages(txn, opts, indexName, string(remoteHost)); err != nil {
		txn.Abort()
		return rep, err
	}
	if err := txn.Commit(); err != nil {
		return rep, err
	}
	state = PagesInitialized
	klog.V(1).Infof("build: pages initialized (state=%s)", state)

	rep.Host = remoteHost
	rep.IndexName = indexName

	if opts.SkipBuild {
		state = Done
		return rep, nil
	}

	state = Uploading
	heapTuples, indexTuples, err := b.uploadBaseTable(ctx, scanner, remoteHost, opts)
	if err != nil {
		return rep, err
	}
	rep.HeapTuples = heapTuples
	rep.IndexTuples = indexTuples

	state = Done
	klog.V(1).Infof("build: done (state=%s), heap_tuples=%d index_tuples=%d", state, rep.HeapTuples, rep.IndexTuples)
	return rep, nil
}

// waitReady polls describe until ready or timeout (spec.md §4.9
// "WaitingReady has a timeout"), grounded on the original's
// CreatePineconeIndexAndWait poll loop.
func (b *Builder) waitReady(ctx context.Context, name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	for {
		status, err := b.client.Describe(ctx, name)
		if err != nil {
			return errs.Wrap(errs.RemoteError, "describe during wait-ready", err)
		}
		if status.Ready {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.New(errs.Transient, fmt.Sprintf("remote index %q did not become ready within %s", name, timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// initPages lays down StaticMeta, BufferMeta and the first empty data page
// within a single log transaction (spec.md §4.9 step (b)).
func (b *Builder) initPages(txn *pagestore.LogTxn, opts Options, indexName, remoteHost string) error {
	// StaticMeta/BufferMeta live at fixed blocks 0 and 1; reserve them first
	// so the data page allocated below correctly lands at FirstDataBlock
	// rather than reusing block 0 on a brand new store.
	for _, want := range [...]pagestore.BlockNo{layout.StaticMetaBlock, layout.BufferMetaBlock} {
		blk, h, err := b.ps.NewPage()
		if err != nil {
			return pagestore.ResourceExhausted(err)
		}
		h.Release()
		if blk != want {
			return errs.New(errs.StorageFault, fmt.Sprintf("reserving fixed block: got %d, want %d", blk, want))
		}
	}

	sm := api.StaticMeta{
		Dimensions: uint32(opts.Dimensions),
		Metric:     uint32(opts.Metric),
		RemoteHost: remoteHost,
		IndexName:  indexName,
	}
	if err := pagestore.WriteStaticMeta(b.ps, txn, sm); err != nil {
		return err
	}

	zero := api.Checkpoint{No: 0, Page: layout.FirstDataBlock, IsCheckpoint: true}
	bm := api.BufferMeta{
		ReadyCheckpoint:  zero,
		FlushCheckpoint:  zero,
		LatestCheckpoint: zero,
		InsertPage:       layout.FirstDataBlock,
	}
	if err := pagestore.WriteBufferMeta(b.ps, txn, bm); err != nil {
		return err
	}

	headBlk, head, err := b.ps.NewPage()
	if err != nil {
		return pagestore.ResourceExhausted(err)
	}
	if headBlk != layout.FirstDataBlock {
		return errs.New(errs.StorageFault, fmt.Sprintf("first data block mismatch: got %d, want %d", headBlk, layout.FirstDataBlock))
	}
	buf, err := layout.WriteBufferPage(layout.BufferPage{
		Opaque: api.PageOpaque{NextPage: api.NoPage, PrevCheckpointBlkno: api.NoCheckpointBlock, Checkpoint: zero},
	}, pagestore.DefaultPageSize)
	if err != nil {
		return err
	}
	copy(head.Bytes(), buf)
	return pagestore.Register(txn, head)
}

// uploadBaseTable scans the base table once and upserts in batches of
// opts.BatchSize (spec.md §4.9 step (c)/(d)), accumulating with
// globocom/go-buffer in place of the original's hand-rolled cJSON array.
func (b *Builder) uploadBaseTable(ctx context.Context, scanner HeapScanner, remoteHost remote.Host, opts Options) (heapTuples, indexTuples int64, err error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}
	vectorsPerRequest := opts.VectorsPerRequest
	if vectorsPerRequest <= 0 {
		vectorsPerRequest = config.DefaultVectorsPerRequest
	}

	var upsertErr error
	buf := buffer.New(
		buffer.WithSize(uint(batchSize)),
		buffer.WithFlushInterval(0),
		buffer.WithPushTimeout(30*time.Second),
		buffer.WithFlusher(buffer.FlusherFunc(func(items []interface{}) {
			if upsertErr != nil {
				return
			}
			vectors := make([]remote.Vector, len(items))
			for i, it := range items {
				vectors[i] = it.(remote.Vector)
			}
			if err := remote.UpsertPipelined(ctx, b.client, remoteHost, vectors, vectorsPerRequest, 1); err != nil {
				upsertErr = err
			}
		})),
	)
	defer buf.Close()

	scanErr := scanner.ScanLive(ctx, func(blockNo uint32, offset uint16, t host.Tuple) error {
		heapTuples++
		vec, ok := b.encoder.Vector(t)
		if !ok {
			return nil // zero-vector rejection; not indexed (spec.md §4.4 Errors).
		}
		ref := api.HeapRef{BlockNo: blockNo, Offset: offset}
		if err := buf.Push(remote.Vector{ID: ref.RemoteID(), Values: vec, Metadata: b.encoder.Metadata(t)}); err != nil {
			return errs.Wrap(errs.Transient, "push vector to upload buffer", err)
		}
		indexTuples++
		if upsertErr != nil {
			return upsertErr
		}
		return nil
	})
	if scanErr != nil {
		return heapTuples, indexTuples, scanErr
	}
	buf.Flush()
	if upsertErr != nil {
		return heapTuples, indexTuples, upsertErr
	}
	return heapTuples, indexTuples, nil
}
