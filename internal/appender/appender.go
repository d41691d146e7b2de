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

// Package appender implements C4 of spec.md §4.4: taking a heap tuple
// identifier and appending it to the tail data page, rolling to a new page
// and optionally stamping a checkpoint when a batch boundary is crossed.
package appender

import (
	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/api/layout"
	"github.com/pgvector-remote/annidx/errs"
	"github.com/pgvector-remote/annidx/internal/checkpoint"
	"github.com/pgvector-remote/annidx/internal/lockservice"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"k8s.io/klog/v2"
)

// Appender serializes appends to one index's buffer.
type Appender struct {
	ps        *pagestore.PageStore
	locks     *lockservice.IndexLocks
	batchSize int
}

// New returns an Appender bound to ps, serialized by locks, checkpointing
// every batchSize tuples.
func New(ps *pagestore.PageStore, locks *lockservice.IndexLocks, batchSize int) *Appender {
	return &Appender{ps: ps, locks: locks, batchSize: batchSize}
}

// Append adds ref to the tail of the buffer (spec.md §4.4). It returns true
// iff this append crossed a batch boundary and stamped a new checkpoint —
// the caller (the index's write path) uses this to decide whether to kick
// off the Flusher.
func (a *Appender) Append(ref api.HeapRef) (checkpointed bool, err error) {
	a.locks.LockAppend()
	defer a.locks.UnlockAppend()

	txn := a.ps.BeginLog()
	defer func() {
		if err != nil {
			txn.Abort()
		}
	}()

	meta, err := a.ps.ReadBufferMeta()
	if err != nil {
		return false, err
	}

	tail, err := a.ps.ReadExclusive(meta.InsertPage)
	if err != nil {
		return false, err
	}
	defer tail.Release()

	overflow := !layout.HasRoom(tail.Bytes())
	shouldCheckpoint := int(meta.NTuplesSinceLastCheckpoint)+layout.ItemCount(tail.Bytes()) >= a.batchSize

	if !overflow && !shouldCheckpoint {
		layout.AppendItemInPlace(tail.Bytes(), ref)
		if err := pagestore.Register(txn, tail); err != nil {
			return false, err
		}
		if err := txn.Commit(); err != nil {
			return false, err
		}
		klog.V(1).Infof("appender: appended %s to page %d (%d items)", ref.RemoteID(), meta.InsertPage, layout.ItemCount(tail.Bytes()))
		return false, nil
	}

	newBlk, newPage, err := a.ps.NewPage()
	if err != nil {
		return false, pagestore.ResourceExhausted(err)
	}
	defer newPage.Release()

	oldItemCount := layout.ItemCount(tail.Bytes())
	oldOpaque, err := layout.ReadOpaque(tail.Bytes())
	if err != nil {
		return false, err
	}
	oldOpaque.NextPage = newBlk
	if err := layout.WriteOpaque(tail.Bytes(), oldOpaque); err != nil {
		return false, err
	}
	if err := pagestore.Register(txn, tail); err != nil {
		return false, err
	}

	newBuf, werr := layout.WriteBufferPage(layout.BufferPage{
		Items: []api.HeapRef{ref},
		Opaque: api.PageOpaque{
			NextPage:            api.NoPage,
			PrevCheckpointBlkno: api.NoCheckpointBlock,
		},
	}, pagestore.DefaultPageSize)
	if werr != nil {
		return false, werr
	}
	copy(newPage.Bytes(), newBuf)

	updatedMeta, err := pagestore.MutateBufferMeta(a.ps, txn, func(m api.BufferMeta) (api.BufferMeta, error) {
		if m.InsertPage != meta.InsertPage {
			return api.BufferMeta{}, errs.New(errs.Transient, "concurrent append moved insert_page")
		}
		m.InsertPage = newBlk
		m.NTuplesSinceLastCheckpoint += uint32(oldItemCount)

		if shouldCheckpoint {
			cp := checkpoint.Next(m, ref, newBlk)
			m.LatestCheckpoint = cp
			m.NTuplesSinceLastCheckpoint = 0

			opaque, oerr := layout.ReadOpaque(newPage.Bytes())
			if oerr != nil {
				return api.BufferMeta{}, oerr
			}
			if meta.LatestCheckpoint.IsCheckpoint {
				opaque.PrevCheckpointBlkno = meta.LatestCheckpoint.Page
			} else {
				opaque.PrevCheckpointBlkno = api.NoCheckpointBlock
			}
			opaque.Checkpoint = cp
			if werr := layout.WriteOpaque(newPage.Bytes(), opaque); werr != nil {
				return api.BufferMeta{}, werr
			}
		}
		return m, nil
	})
	if err != nil {
		return false, err
	}
	if err := pagestore.Register(txn, newPage); err != nil {
		return false, err
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}

	if shouldCheckpoint {
		klog.V(1).Infof("appender: stamped checkpoint %d at page %d (representative %s)", updatedMeta.LatestCheckpoint.No, newBlk, ref.RemoteID())
	}
	return shouldCheckpoint, nil
}
