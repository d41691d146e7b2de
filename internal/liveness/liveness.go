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

// Package liveness implements C6 of spec.md §4.6: advancing ready_checkpoint
// to the newest checkpoint whose representative vector is confirmed present
// in the remote service.
package liveness

import (
	"context"

	"github.com/pgvector-remote/annidx/api"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pgvector-remote/annidx/internal/checkpoint"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"k8s.io/klog/v2"
)

// Probe advances one index's ready_checkpoint.
type Probe struct {
	ps       *pagestore.PageStore
	fifo     *checkpoint.FIFO
	maxProbe int

	// confirmed caches representative IDs already known to be present;
	// AdvanceReady treats a cached ID as confirmed even when it is absent
	// from the fetched map. The IDs handed out for probing are not filtered
	// by this cache, so the remote service is still asked about them.
	confirmed *lru.Cache[string, bool]
}

// New returns a Probe bound to ps, advancing through fifo, bounded to
// maxProbe representatives per call.
func New(ps *pagestore.PageStore, fifo *checkpoint.FIFO, maxProbe int) *Probe {
	c, _ := lru.New[string, bool](1024)
	return &Probe{ps: ps, fifo: fifo, maxProbe: maxProbe, confirmed: c}
}

// AdvanceReady chooses the newest checkpoint in (ready, flush] whose
// representative ID is a key in fetched (with a true value), and advances
// ready_checkpoint to it (spec.md §4.6). If none is present, it does
// nothing.
func (p *Probe) AdvanceReady(ctx context.Context, fetched map[string]bool) error {
	meta, err := p.ps.ReadBufferMeta()
	if err != nil {
		return err
	}
	pending, truncated, err := PendingCheckpoints(p.ps, meta, p.maxProbe)
	if err != nil {
		return err
	}
	if truncated {
		klog.Warningf("liveness: %d pending checkpoints exceeds max_probe=%d, probing only the newest", meta.FlushCheckpoint.No-meta.ReadyCheckpoint.No, p.maxProbe)
	}

	// pending is newest-first; the first one confirmed present is the
	// newest checkpoint we may advance Ready to.
	for _, cp := range pending {
		id := cp.RepresentativeTID.RemoteID()
		if fetched[id] || p.isCachedConfirmed(id) {
			p.confirmed.Add(id, true)
			_, err := p.fifo.AdvanceReady(cp)
			return err
		}
	}
	return nil
}

func (p *Probe) isCachedConfirmed(id string) bool {
	v, ok := p.confirmed.Get(id)
	return ok && v
}

// PendingCheckpoints walks the checkpoint chain backward from
// flush_checkpoint.page via prev_checkpoint_blkno, collecting every
// checkpoint strictly newer than ready_checkpoint, newest first, capped at
// maxProbe entries. truncated reports whether more exist than maxProbe.
func PendingCheckpoints(ps *pagestore.PageStore, meta api.BufferMeta, maxProbe int) (pending []api.Checkpoint, truncated bool, err error) {
	if meta.FlushCheckpoint.No == meta.ReadyCheckpoint.No {
		return nil, false, nil
	}
	blk := meta.FlushCheckpoint.Page
	for {
		page, err := ps.ReadBufferPageShared(blk)
		if err != nil {
			return nil, false, err
		}
		cp := page.Opaque.Checkpoint
		if cp.No <= meta.ReadyCheckpoint.No || !cp.IsCheckpoint {
			break
		}
		if len(pending) < maxProbe {
			pending = append(pending, cp)
		} else {
			truncated = true
		}
		if page.Opaque.PrevCheckpointBlkno == api.NoCheckpointBlock {
			break
		}
		blk = page.Opaque.PrevCheckpointBlkno
	}
	return pending, truncated, nil
}

// PendingRepresentativeIDs is a convenience wrapper returning just the
// remote IDs of PendingCheckpoints, for callers (the Flusher) that only need
// the fetch_by_ids argument.
func PendingRepresentativeIDs(ps *pagestore.PageStore, meta api.BufferMeta, maxProbe int) []string {
	pending, _, err := PendingCheckpoints(ps, meta, maxProbe)
	if err != nil {
		klog.Warningf("liveness: failed walking pending checkpoints: %v", err)
		return nil
	}
	ids := make([]string, len(pending))
	for i, cp := range pending {
		ids[i] = cp.RepresentativeTID.RemoteID()
	}
	return ids
}
