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

// Package checkpoint implements C3 of spec.md §4.3: the in-page and in-meta
// representation of the Ready/Flushed/Latest checkpoint FIFO, and the three
// operations that are allowed to move it forward.
//
// Every operation here takes an exclusive latch on BufferMeta and a single
// LogTxn; any attempt to move a pointer backwards, or out of order with
// respect to the others, is a programmer error and is never silently
// accepted (spec.md §4.3). Unlike the Append/Flush advisory locks (spec.md
// §5), these operations rely only on the BufferMeta page latch itself for
// atomicity, since LivenessProbe and the Flusher are explicitly forbidden
// from taking the Append lock.
package checkpoint

import (
	"fmt"

	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"k8s.io/klog/v2"
)

// FIFO mediates all mutation of one index's BufferMeta checkpoint pointers.
type FIFO struct {
	ps *pagestore.PageStore
}

// New returns a FIFO bound to the given page store.
func New(ps *pagestore.PageStore) *FIFO {
	return &FIFO{ps: ps}
}

// AdvanceReady sets ready_checkpoint := c, provided ready ≤ c ≤ flush.
// Returns false without error if c does not advance anything (e.g. it is
// already the current Ready checkpoint).
func (f *FIFO) AdvanceReady(c api.Checkpoint) (bool, error) {
	txn := f.ps.BeginLog()
	moved := false
	_, err := pagestore.MutateBufferMeta(f.ps, txn, func(m api.BufferMeta) (api.BufferMeta, error) {
		if c.No == m.ReadyCheckpoint.No {
			return m, nil
		}
		if c.No < m.ReadyCheckpoint.No || c.No > m.FlushCheckpoint.No {
			panicOnCorruption(fmt.Sprintf("advance_ready(%d): violates ready(%d) <= c <= flush(%d)", c.No, m.ReadyCheckpoint.No, m.FlushCheckpoint.No))
		}
		m.ReadyCheckpoint = c
		moved = true
		return m, nil
	})
	if err != nil {
		txn.Abort()
		return false, err
	}
	if !moved {
		txn.Abort()
		return false, nil
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}
	klog.V(2).Infof("checkpoint: ready advanced to %d", c.No)
	return true, nil
}

// AdvanceFlush sets flush_checkpoint := c, provided flush ≤ c ≤ latest.
func (f *FIFO) AdvanceFlush(c api.Checkpoint) (bool, error) {
	txn := f.ps.BeginLog()
	moved := false
	_, err := pagestore.MutateBufferMeta(f.ps, txn, func(m api.BufferMeta) (api.BufferMeta, error) {
		if c.No == m.FlushCheckpoint.No {
			return m, nil
		}
		if c.No < m.FlushCheckpoint.No || c.No > m.LatestCheckpoint.No {
			panicOnCorruption(fmt.Sprintf("advance_flush(%d): violates flush(%d) <= c <= latest(%d)", c.No, m.FlushCheckpoint.No, m.LatestCheckpoint.No))
		}
		m.FlushCheckpoint = c
		moved = true
		return m, nil
	})
	if err != nil {
		txn.Abort()
		return false, err
	}
	if !moved {
		txn.Abort()
		return false, nil
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}
	klog.V(1).Infof("checkpoint: flush advanced to %d", c.No)
	return true, nil
}

// Next builds the Checkpoint record that CreateCheckpoint would install: a
// new checkpoint numbered one past the current latest, with
// n_preceding_tuples accumulated from the tuples appended since the
// previous checkpoint. The Appender calls this while it already holds
// BufferMeta exclusively as part of its own append protocol (spec.md §4.4
// step 6), so checkpoint creation itself does not take a second latch.
func Next(m api.BufferMeta, representativeTID api.HeapRef, page uint32) api.Checkpoint {
	return api.Checkpoint{
		No:                m.LatestCheckpoint.No + 1,
		Page:              page,
		RepresentativeTID: representativeTID,
		NPreceding:        m.LatestCheckpoint.NPreceding + int64(m.NTuplesSinceLastCheckpoint),
		IsCheckpoint:      true,
	}
}

func panicOnCorruption(msg string) {
	panic("checkpoint FIFO invariant violated: " + msg)
}
