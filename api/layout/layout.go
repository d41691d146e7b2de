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

// Package layout provides routines for mapping the annidx buffer's logical
// structure (spec.md §3/§6) onto block numbers and page offsets.
package layout

import "github.com/pgvector-remote/annidx/api"

const (
	// StaticMetaBlock is the block holding the immutable StaticMeta record.
	StaticMetaBlock uint32 = 0
	// BufferMetaBlock is the block holding the mutable BufferMeta record.
	BufferMetaBlock uint32 = 1
	// FirstDataBlock is the lowest block number a BufferPage can occupy.
	FirstDataBlock uint32 = 2
)

// IsDataBlock reports whether blk addresses a BufferPage rather than one of
// the two fixed meta pages (spec.md §4.2: "StaticMeta and BufferMeta are
// never confused, bounded by blkno").
func IsDataBlock(blk uint32) bool {
	return blk >= FirstDataBlock && blk != api.NoPage
}

// PageOpaqueSize is the fixed size, in bytes, of a BufferPage's opaque
// trailer (next pointer, checkpoint back-pointer, checkpoint record).
const PageOpaqueSize = 4 + 4 + api.CheckpointSize

// PageHeaderSize is the fixed size, in bytes, of a BufferPage's header
// (item count, free-space offset).
const PageHeaderSize = 2 + 2

// ItemCapacity returns how many fixed-size BufferTuple items fit on a page
// of the given size, after the header and opaque trailer. Fixed-size items
// give deterministic per-page capacity (spec.md §4.2), used to pre-compute
// batch sizes.
func ItemCapacity(pageSize int) int {
	usable := pageSize - PageHeaderSize - PageOpaqueSize
	if usable <= 0 {
		return 0
	}
	return usable / api.HeapRefSize
}
