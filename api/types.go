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

// Package api defines the on-disk and wire data model shared by all annidx
// components (spec.md §3/§6): HeapRef, Checkpoint, StaticMeta, BufferMeta and
// BufferPage, plus their fixed-width binary encodings.
package api

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pgvector-remote/annidx/errs"
)

// HeapRef is the stable identifier of a row in the base table: a
// (block_no, offset) pair. It is the only thing ever stored in the buffer;
// the vector itself is re-fetched from the base table on demand.
type HeapRef struct {
	BlockNo uint32
	Offset  uint16
}

// HeapRefSize is the encoded size of a HeapRef, and thus of a BufferTuple.
const HeapRefSize = 4 + 2

// MarshalBinary writes the HeapRef as 6 big-endian bytes.
func (h HeapRef) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeapRefSize)
	binary.BigEndian.PutUint32(b[0:4], h.BlockNo)
	binary.BigEndian.PutUint16(b[4:6], h.Offset)
	return b, nil
}

// UnmarshalBinary reads a HeapRef from exactly HeapRefSize bytes.
func (h *HeapRef) UnmarshalBinary(b []byte) error {
	if len(b) != HeapRefSize {
		return errs.New(errs.Corruption, fmt.Sprintf("HeapRef: want %d bytes, got %d", HeapRefSize, len(b)))
	}
	h.BlockNo = binary.BigEndian.Uint32(b[0:4])
	h.Offset = binary.BigEndian.Uint16(b[4:6])
	return nil
}

// RemoteID encodes the HeapRef as the 12-lowercase-hex-digit string used as
// the remote vector ID (spec.md §6): block_hi:u16, block_lo:u16, offset:u16,
// big-endian. The encoding is total and injective.
func (h HeapRef) RemoteID() string {
	var b [6]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(h.BlockNo>>16))
	binary.BigEndian.PutUint16(b[2:4], uint16(h.BlockNo))
	binary.BigEndian.PutUint16(b[4:6], h.Offset)
	return hex.EncodeToString(b[:])
}

// ParseRemoteID decodes a 12-hex-digit remote vector ID back into a HeapRef.
// Any deviation from exactly 12 lowercase hex characters is a Corruption
// error (spec.md §3: "any violation on read is a corruption error").
func ParseRemoteID(id string) (HeapRef, error) {
	if len(id) != 12 {
		return HeapRef{}, errs.New(errs.Corruption, fmt.Sprintf("remote id %q: want 12 hex chars, got %d", id, len(id)))
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return HeapRef{}, errs.New(errs.Corruption, fmt.Sprintf("remote id %q is not lowercase hex", id))
		}
	}
	b, err := hex.DecodeString(id)
	if err != nil {
		return HeapRef{}, errs.Wrap(errs.Corruption, fmt.Sprintf("remote id %q is not valid hex", id), err)
	}
	blockHi := binary.BigEndian.Uint16(b[0:2])
	blockLo := binary.BigEndian.Uint16(b[2:4])
	offset := binary.BigEndian.Uint16(b[4:6])
	return HeapRef{
		BlockNo: uint32(blockHi)<<16 | uint32(blockLo),
		Offset:  offset,
	}, nil
}

// Checkpoint marks a point in the buffer's append order; its presence in the
// remote service (proven via its RepresentativeTID) is taken as proof that
// all strictly earlier tuples are also present there (spec.md §3).
type Checkpoint struct {
	No               int64
	Page             uint32
	RepresentativeTID HeapRef
	NPreceding        int64
	IsCheckpoint      bool
}

// CheckpointSize is the encoded size of a Checkpoint record.
const CheckpointSize = 8 + 4 + HeapRefSize + 8 + 1

// MarshalBinary writes the Checkpoint as a fixed-width record.
func (c Checkpoint) MarshalBinary() ([]byte, error) {
	b := make([]byte, CheckpointSize)
	binary.BigEndian.PutUint64(b[0:8], uint64(c.No))
	binary.BigEndian.PutUint32(b[8:12], c.Page)
	tid, _ := c.RepresentativeTID.MarshalBinary()
	copy(b[12:12+HeapRefSize], tid)
	off := 12 + HeapRefSize
	binary.BigEndian.PutUint64(b[off:off+8], uint64(c.NPreceding))
	if c.IsCheckpoint {
		b[off+8] = 1
	}
	return b, nil
}

// UnmarshalBinary reads a Checkpoint from exactly CheckpointSize bytes.
func (c *Checkpoint) UnmarshalBinary(b []byte) error {
	if len(b) != CheckpointSize {
		return errs.New(errs.Corruption, fmt.Sprintf("Checkpoint: want %d bytes, got %d", CheckpointSize, len(b)))
	}
	c.No = int64(binary.BigEndian.Uint64(b[0:8]))
	c.Page = binary.BigEndian.Uint32(b[8:12])
	if err := c.RepresentativeTID.UnmarshalBinary(b[12 : 12+HeapRefSize]); err != nil {
		return err
	}
	off := 12 + HeapRefSize
	c.NPreceding = int64(binary.BigEndian.Uint64(b[off : off+8]))
	c.IsCheckpoint = b[off+8] != 0
	return nil
}

// NoCheckpointBlock is the sentinel "no previous checkpoint" page reference.
const NoCheckpointBlock uint32 = 0xFFFFFFFF

// NoPage is the sentinel for "no next page" (the tail page).
const NoPage uint32 = 0xFFFFFFFF

// StaticMeta is page 0: immutable after index build (spec.md §3/§6).
type StaticMeta struct {
	Dimensions uint32
	Metric     uint32
	RemoteHost string
	IndexName  string
}

const (
	remoteHostMaxLen = 101
	indexNameMaxLen  = 46
	staticMetaSize   = 4 + 4 + remoteHostMaxLen + indexNameMaxLen
)

// MarshalBinary writes StaticMeta into the fixed page-0 layout, zero-padded.
func (m StaticMeta) MarshalBinary() ([]byte, error) {
	if len(m.RemoteHost) >= remoteHostMaxLen {
		return nil, errs.New(errs.InvalidConfig, "remote host too long")
	}
	if len(m.IndexName) >= indexNameMaxLen {
		return nil, errs.New(errs.InvalidConfig, "remote index name too long")
	}
	b := make([]byte, staticMetaSize)
	binary.BigEndian.PutUint32(b[0:4], m.Dimensions)
	binary.BigEndian.PutUint32(b[4:8], m.Metric)
	copy(b[8:8+remoteHostMaxLen], m.RemoteHost)
	copy(b[8+remoteHostMaxLen:], m.IndexName)
	return b, nil
}

// UnmarshalBinary reads StaticMeta from exactly staticMetaSize bytes.
func (m *StaticMeta) UnmarshalBinary(b []byte) error {
	if len(b) != staticMetaSize {
		return errs.New(errs.Corruption, fmt.Sprintf("StaticMeta: want %d bytes, got %d", staticMetaSize, len(b)))
	}
	m.Dimensions = binary.BigEndian.Uint32(b[0:4])
	m.Metric = binary.BigEndian.Uint32(b[4:8])
	m.RemoteHost = cstring(b[8 : 8+remoteHostMaxLen])
	m.IndexName = cstring(b[8+remoteHostMaxLen:])
	return nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// BufferMeta is page 1: mutable buffer bookkeeping (spec.md §3/§6).
type BufferMeta struct {
	ReadyCheckpoint              Checkpoint
	FlushCheckpoint               Checkpoint
	LatestCheckpoint              Checkpoint
	InsertPage                    uint32
	NTuplesSinceLastCheckpoint    uint32
}

const bufferMetaSize = 3*CheckpointSize + 4 + 4

// MarshalBinary writes BufferMeta into the fixed page-1 layout.
func (m BufferMeta) MarshalBinary() ([]byte, error) {
	b := make([]byte, bufferMetaSize)
	off := 0
	for _, cp := range []Checkpoint{m.ReadyCheckpoint, m.FlushCheckpoint, m.LatestCheckpoint} {
		cb, _ := cp.MarshalBinary()
		copy(b[off:off+CheckpointSize], cb)
		off += CheckpointSize
	}
	binary.BigEndian.PutUint32(b[off:off+4], m.InsertPage)
	off += 4
	binary.BigEndian.PutUint32(b[off:off+4], m.NTuplesSinceLastCheckpoint)
	return b, nil
}

// UnmarshalBinary reads BufferMeta from exactly bufferMetaSize bytes.
func (m *BufferMeta) UnmarshalBinary(b []byte) error {
	if len(b) != bufferMetaSize {
		return errs.New(errs.Corruption, fmt.Sprintf("BufferMeta: want %d bytes, got %d", bufferMetaSize, len(b)))
	}
	off := 0
	cps := [3]*Checkpoint{&m.ReadyCheckpoint, &m.FlushCheckpoint, &m.LatestCheckpoint}
	for _, cp := range cps {
		if err := cp.UnmarshalBinary(b[off : off+CheckpointSize]); err != nil {
			return err
		}
		off += CheckpointSize
	}
	m.InsertPage = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	m.NTuplesSinceLastCheckpoint = binary.BigEndian.Uint32(b[off : off+4])
	return nil
}

// CheckInvariants verifies the monotone invariants of spec.md §3/§8 that can
// be checked locally against this snapshot. Violations are Corruption
// errors; callers treat them as fatal per spec.md §4.3.
func (m BufferMeta) CheckInvariants() error {
	if m.ReadyCheckpoint.No > m.FlushCheckpoint.No {
		return errs.New(errs.Corruption, "ready_checkpoint.no > flush_checkpoint.no")
	}
	if m.FlushCheckpoint.No > m.LatestCheckpoint.No {
		return errs.New(errs.Corruption, "flush_checkpoint.no > latest_checkpoint.no")
	}
	if m.ReadyCheckpoint.NPreceding > m.FlushCheckpoint.NPreceding {
		return errs.New(errs.Corruption, "ready.n_preceding > flush.n_preceding")
	}
	if m.FlushCheckpoint.NPreceding > m.LatestCheckpoint.NPreceding {
		return errs.New(errs.Corruption, "flush.n_preceding > latest.n_preceding")
	}
	return nil
}

// PageOpaque is the tail metadata carried by every BufferPage (spec.md §3/§6).
type PageOpaque struct {
	NextPage            uint32
	PrevCheckpointBlkno uint32
	Checkpoint          Checkpoint
}

const pageOpaqueSize = 4 + 4 + CheckpointSize

// MarshalBinary writes the PageOpaque trailer.
func (o PageOpaque) MarshalBinary() ([]byte, error) {
	b := make([]byte, pageOpaqueSize)
	binary.BigEndian.PutUint32(b[0:4], o.NextPage)
	binary.BigEndian.PutUint32(b[4:8], o.PrevCheckpointBlkno)
	cb, _ := o.Checkpoint.MarshalBinary()
	copy(b[8:], cb)
	return b, nil
}

// UnmarshalBinary reads a PageOpaque trailer.
func (o *PageOpaque) UnmarshalBinary(b []byte) error {
	if len(b) != pageOpaqueSize {
		return errs.New(errs.Corruption, fmt.Sprintf("PageOpaque: want %d bytes, got %d", pageOpaqueSize, len(b)))
	}
	o.NextPage = binary.BigEndian.Uint32(b[0:4])
	o.PrevCheckpointBlkno = binary.BigEndian.Uint32(b[4:8])
	return o.Checkpoint.UnmarshalBinary(b[8:])
}
