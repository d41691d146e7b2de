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

package pagestore

import (
	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/api/layout"
	"github.com/pgvector-remote/annidx/errs"
)

// ReadStaticMeta reads and decodes the fixed StaticMeta block.
func (ps *PageStore) ReadStaticMeta() (api.StaticMeta, error) {
	h, err := ps.ReadShared(layout.StaticMetaBlock)
	if err != nil {
		return api.StaticMeta{}, err
	}
	defer h.Release()
	var m api.StaticMeta
	err = m.UnmarshalBinary(h.Bytes()[:len(mustMarshal(m))])
	return m, err
}

func mustMarshal(m api.StaticMeta) []byte {
	b, _ := m.MarshalBinary()
	return b
}

// WriteStaticMeta writes the StaticMeta block within the given txn. The
// caller must Commit the txn for this to become durable.
func WriteStaticMeta(ps *PageStore, txn *LogTxn, m api.StaticMeta) error {
	h, err := ps.ReadExclusive(layout.StaticMetaBlock)
	if err != nil {
		return err
	}
	defer h.Release()
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	copy(h.Bytes(), b)
	return Register(txn, h)
}

// ReadBufferMeta reads and decodes the fixed BufferMeta block under a shared
// latch.
func (ps *PageStore) ReadBufferMeta() (api.BufferMeta, error) {
	h, err := ps.ReadShared(layout.BufferMetaBlock)
	if err != nil {
		return api.BufferMeta{}, err
	}
	defer h.Release()
	var m api.BufferMeta
	n := len(mustMarshalBM(m))
	if err := m.UnmarshalBinary(h.Bytes()[:n]); err != nil {
		return api.BufferMeta{}, err
	}
	if err := m.CheckInvariants(); err != nil {
		return api.BufferMeta{}, err
	}
	return m, nil
}

func mustMarshalBM(m api.BufferMeta) []byte {
	b, _ := m.MarshalBinary()
	return b
}

// WriteBufferMeta writes the BufferMeta block within the given txn, after
// asserting its monotone invariants hold. A violation is a programmer error
// (spec.md §4.3): it panics rather than silently accepting a regression.
func WriteBufferMeta(ps *PageStore, txn *LogTxn, m api.BufferMeta) error {
	if err := m.CheckInvariants(); err != nil {
		panic(err)
	}
	h, err := ps.ReadExclusive(layout.BufferMetaBlock)
	if err != nil {
		return err
	}
	defer h.Release()
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	copy(h.Bytes(), b)
	return Register(txn, h)
}

// MutateBufferMeta performs an atomic read-modify-write of BufferMeta: it
// takes the exclusive latch on block 1, decodes the current value, calls
// fn to produce the new value, validates and registers it with txn, then
// releases the latch. The latch is held for the whole read-modify-write, so
// this is safe to call concurrently with other mutators without losing
// updates (unlike a separate ReadBufferMeta + WriteBufferMeta pair).
func MutateBufferMeta(ps *PageStore, txn *LogTxn, fn func(api.BufferMeta) (api.BufferMeta, error)) (api.BufferMeta, error) {
	h, err := ps.ReadExclusive(layout.BufferMetaBlock)
	if err != nil {
		return api.BufferMeta{}, err
	}
	defer h.Release()

	var cur api.BufferMeta
	n := len(mustMarshalBM(cur))
	if err := cur.UnmarshalBinary(h.Bytes()[:n]); err != nil {
		return api.BufferMeta{}, err
	}
	if err := cur.CheckInvariants(); err != nil {
		return api.BufferMeta{}, err
	}

	next, err := fn(cur)
	if err != nil {
		return api.BufferMeta{}, err
	}
	if err := next.CheckInvariants(); err != nil {
		panic(err)
	}
	b, err := next.MarshalBinary()
	if err != nil {
		return api.BufferMeta{}, err
	}
	copy(h.Bytes(), b)
	if err := Register(txn, h); err != nil {
		return api.BufferMeta{}, err
	}
	return next, nil
}

// ReadBufferPageShared reads and decodes the data page at blk under a shared
// latch, releasing it before returning.
func (ps *PageStore) ReadBufferPageShared(blk BlockNo) (layout.BufferPage, error) {
	if !layout.IsDataBlock(blk) {
		return layout.BufferPage{}, errs.New(errs.StorageFault, "not a data block")
	}
	h, err := ps.ReadShared(blk)
	if err != nil {
		return layout.BufferPage{}, err
	}
	defer h.Release()
	return layout.ReadBufferPage(h.Bytes())
}
