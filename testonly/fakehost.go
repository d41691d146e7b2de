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
	"sync"

	"github.com/pgvector-remote/annidx/host"
)

// FakeHeapRow is one row of a FakeTable, keyed by (blockNo, offset).
type FakeHeapRow struct {
	BlockNo uint32
	Offset  uint16
	Vector  []float32
	Scalars map[string]any
	// Deleted marks a row invisible without removing it, modeling MVCC
	// tombstoning (host.TupleSource's Fetch returns ok=false for it).
	Deleted bool
}

// FakeTable is an in-memory base table implementing both host.TupleSource
// and host.TupleEncoder, and build.HeapScanner for build tests.
type FakeTable struct {
	mu   sync.Mutex
	rows map[[2]uint64]FakeHeapRow
	// order preserves insertion order for ScanLive, matching the host's
	// storage-order scan guarantee.
	order [][2]uint64
}

func key(blockNo uint32, offset uint16) [2]uint64 {
	return [2]uint64{uint64(blockNo), uint64(offset)}
}

// NewFakeTable returns an empty FakeTable.
func NewFakeTable() *FakeTable {
	return &FakeTable{rows: make(map[[2]uint64]FakeHeapRow)}
}

// Insert adds or replaces a row.
func (t *FakeTable) Insert(blockNo uint32, offset uint16, vec []float32, scalars map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(blockNo, offset)
	if _, exists := t.rows[k]; !exists {
		t.order = append(t.order, k)
	}
	t.rows[k] = FakeHeapRow{BlockNo: blockNo, Offset: offset, Vector: vec, Scalars: scalars}
}

// Delete tombstones a row so Fetch reports it invisible.
func (t *FakeTable) Delete(blockNo uint32, offset uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(blockNo, offset)
	row := t.rows[k]
	row.Deleted = true
	t.rows[k] = row
}

// Fetch implements host.TupleSource.
func (t *FakeTable) Fetch(_ context.Context, blockNo uint32, offset uint16) (host.Tuple, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[key(blockNo, offset)]
	if !ok || row.Deleted {
		return host.Tuple{}, false, nil
	}
	values := map[string]any{"__vector": row.Vector}
	for k, v := range row.Scalars {
		values[k] = v
	}
	return host.Tuple{Values: values}, true, nil
}

// Vector implements host.TupleEncoder.
func (t *FakeTable) Vector(tup host.Tuple) ([]float32, bool) {
	v, ok := tup.Values["__vector"].([]float32)
	if !ok || host.IsZeroVector(v) {
		return nil, false
	}
	return v, true
}

// Metadata implements host.TupleEncoder.
func (t *FakeTable) Metadata(tup host.Tuple) map[string]any {
	out := make(map[string]any, len(tup.Values))
	for k, v := range tup.Values {
		if k == "__vector" {
			continue
		}
		out[k] = v
	}
	return out
}

// ScanLive implements build.HeapScanner.
func (t *FakeTable) ScanLive(ctx context.Context, yield func(blockNo uint32, offset uint16, tup host.Tuple) error) error {
	t.mu.Lock()
	keys := make([][2]uint64, len(t.order))
	copy(keys, t.order)
	t.mu.Unlock()

	for _, k := range keys {
		t.mu.Lock()
		row, ok := t.rows[k]
		t.mu.Unlock()
		if !ok || row.Deleted {
			continue
		}
		values := map[string]any{"__vector": row.Vector}
		for sk, sv := range row.Scalars {
			values[sk] = sv
		}
		if err := yield(row.BlockNo, row.Offset, host.Tuple{Values: values}); err != nil {
			return err
		}
	}
	return nil
}

var _ host.TupleSource = (*FakeTable)(nil)
var _ host.TupleEncoder = (*FakeTable)(nil)
