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

// Package pagestore is the C1 adapter of spec.md §4.1: a thin typed view
// over a paged buffer manager, offering scoped shared/exclusive page
// handles, new-page allocation, and a crash-atomic log transaction that
// groups page mutations.
//
// A real host (e.g. Postgres) would supply its own buffer manager, WAL, and
// relation-extension lock; this standalone implementation re-expresses the
// same contract directly on top of one backing file, using the
// create-temp-then-link/rename idiom for atomic file writes (the same
// pattern the teacher uses for its POSIX log storage), plus a small
// write-ahead journal file standing in for the host's crash-atomic log
// record.
package pagestore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pgvector-remote/annidx/errs"
	"k8s.io/klog/v2"
)

// DefaultPageSize is the fixed page size used by this store.
const DefaultPageSize = 8192

// BlockNo addresses a single page within the store.
type BlockNo = uint32

// PageStore is a typed view over one backing page file, plus a journal file
// used to make groups of page writes crash-atomic.
type PageStore struct {
	path       string
	journalPath string
	pageSize   int

	f *os.File

	// extMu serializes allocation of new pages, standing in for the host's
	// relation-extension lock (spec.md §5).
	extMu sync.Mutex

	// latches guards per-block RWMutexes; acquisition order across blocks
	// follows spec.md §5: BufferMeta before data pages, then ascending
	// block number.
	latchesMu sync.Mutex
	latches   map[BlockNo]*sync.RWMutex

	numBlocks uint32
}

// Open creates the backing file if absent, replays any journal left over
// from a crash between a prior commit's journal-fsync and page-apply steps,
// and returns a ready PageStore.
func Open(path string) (*PageStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFault, fmt.Sprintf("open %q", path), err)
	}
	st, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.StorageFault, "stat page file", err)
	}
	ps := &PageStore{
		path:        path,
		journalPath: path + ".journal",
		pageSize:    DefaultPageSize,
		f:           f,
		latches:     make(map[BlockNo]*sync.RWMutex),
		numBlocks:   uint32(st.Size() / DefaultPageSize),
	}
	if err := ps.recoverJournal(); err != nil {
		return nil, err
	}
	return ps, nil
}

// Close releases the backing file handle.
func (ps *PageStore) Close() error {
	return ps.f.Close()
}

// NumBlocks returns the current extent of the store, in pages.
func (ps *PageStore) NumBlocks() uint32 {
	ps.extMu.Lock()
	defer ps.extMu.Unlock()
	return ps.numBlocks
}

func (ps *PageStore) latchFor(blk BlockNo) *sync.RWMutex {
	ps.latchesMu.Lock()
	defer ps.latchesMu.Unlock()
	l, ok := ps.latches[blk]
	if !ok {
		l = &sync.RWMutex{}
		ps.latches[blk] = l
	}
	return l
}

// PageHandle is a scoped, latched view of one page's bytes.
//
// Data read through Bytes() must not be retained past Release(); mutations
// made via Bytes() on an exclusive handle are not durable until committed
// through a LogTxn (register + Commit).
type PageHandle struct {
	ps       *PageStore
	blk      BlockNo
	data     []byte
	exclusive bool
	released bool
}

// Blk returns the block number this handle addresses.
func (h *PageHandle) Blk() BlockNo { return h.blk }

// Bytes returns the page's raw content. For an exclusive handle, write
// directly into this slice; the mutation only becomes durable once the
// handle is registered with a LogTxn and that txn is committed.
func (h *PageHandle) Bytes() []byte { return h.data }

// Release drops the latch. Safe to call once; a second call is a no-op.
func (h *PageHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	l := h.ps.latchFor(h.blk)
	if h.exclusive {
		l.Unlock()
	} else {
		l.RUnlock()
	}
}

// ReadShared acquires a shared latch on blk and returns its current content.
func (ps *PageStore) ReadShared(blk BlockNo) (*PageHandle, error) {
	ps.latchFor(blk).RLock()
	data, err := ps.readPage(blk)
	if err != nil {
		ps.latchFor(blk).RUnlock()
		return nil, err
	}
	return &PageHandle{ps: ps, blk: blk, data: data, exclusive: false}, nil
}

// ReadExclusive acquires an exclusive latch on blk and returns its current
// content, ready for in-place mutation and later registration with a LogTxn.
func (ps *PageStore) ReadExclusive(blk BlockNo) (*PageHandle, error) {
	ps.latchFor(blk).Lock()
	data, err := ps.readPage(blk)
	if err != nil {
		ps.latchFor(blk).Unlock()
		return nil, err
	}
	return &PageHandle{ps: ps, blk: blk, data: data, exclusive: true}, nil
}

func (ps *PageStore) readPage(blk BlockNo) ([]byte, error) {
	buf := make([]byte, ps.pageSize)
	if blk >= ps.NumBlocks() {
		// A never-written page reads as all-zero; matches a freshly
		// allocated host page before any writer has touched it.
		return buf, nil
	}
	if _, err := ps.f.ReadAt(buf, int64(blk)*int64(ps.pageSize)); err != nil && err != io.EOF {
		return nil, errs.Wrap(errs.StorageFault, fmt.Sprintf("read block %d", blk), err)
	}
	return buf, nil
}

// NewPage allocates a fresh, zeroed page under the extension lock and
// returns an exclusive handle to it. The caller must register it with a
// LogTxn and commit before the page contents are durable. The block number
// is reserved immediately (numBlocks is advanced here, not on Commit), so an
// aborted allocation still consumes its block number.
func (ps *PageStore) NewPage() (BlockNo, *PageHandle, error) {
	ps.extMu.Lock()
	blk := ps.numBlocks
	ps.numBlocks++
	ps.extMu.Unlock()

	ps.latchFor(blk).Lock()
	return blk, &PageHandle{ps: ps, blk: blk, data: make([]byte, ps.pageSize), exclusive: true}, nil
}

// journalEntry is one staged page image within a LogTxn.
type journalEntry struct {
	blk  BlockNo
	data []byte
}

// LogTxn groups a set of page mutations so that they become visible
// atomically with respect to a crash (spec.md §4.1).
type LogTxn struct {
	ps      *PageStore
	entries []journalEntry
	done    bool
}

// BeginLog starts a new log transaction.
func (ps *PageStore) BeginLog() *LogTxn {
	return &LogTxn{ps: ps}
}

// Register stages the current content of handle (which must be exclusive)
// to be written as part of txn's Commit.
func Register(txn *LogTxn, h *PageHandle) error {
	if !h.exclusive {
		return errs.New(errs.StorageFault, "register: handle is not exclusive")
	}
	img := make([]byte, len(h.data))
	copy(img, h.data)
	txn.entries = append(txn.entries, journalEntry{blk: h.blk, data: img})
	return nil
}

// Commit durably applies every registered page image: it writes the journal
// file, fsyncs it, applies each page to the backing file in order, fsyncs
// the backing file, then removes the journal. A crash at any point before
// the journal fsync leaves the backing file untouched; a crash after leaves
// a journal that Open will replay.
func (txn *LogTxn) Commit() error {
	if txn.done {
		return errs.New(errs.StorageFault, "commit: txn already finished")
	}
	txn.done = true
	if len(txn.entries) == 0 {
		return nil
	}
	if err := writeJournal(txn.ps.journalPath, txn.entries); err != nil {
		return err
	}
	if err := applyJournal(txn.ps.f, txn.entries); err != nil {
		return err
	}
	if err := txn.ps.f.Sync(); err != nil {
		return errs.Wrap(errs.StorageFault, "fsync page file", err)
	}
	if err := os.Remove(txn.ps.journalPath); err != nil && !os.IsNotExist(err) {
		klog.Warningf("pagestore: failed to remove journal %q: %v", txn.ps.journalPath, err)
	}
	return nil
}

// Abort discards all staged mutations; the backing file is left unchanged.
func (txn *LogTxn) Abort() {
	txn.done = true
	txn.entries = nil
}

// journal record format: magic "AJ1\n", then repeated [blk uint32][len
// uint32][data...], ending at EOF.
var journalMagic = []byte("AJ1\n")

func writeJournal(path string, entries []journalEntry) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Wrap(errs.StorageFault, "create journal", err)
	}
	if _, err := f.Write(journalMagic); err != nil {
		_ = f.Close()
		return errs.Wrap(errs.StorageFault, "write journal magic", err)
	}
	for _, e := range entries {
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], e.blk)
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(e.data)))
		if _, err := f.Write(hdr[:]); err != nil {
			_ = f.Close()
			return errs.Wrap(errs.StorageFault, "write journal entry header", err)
		}
		if _, err := f.Write(e.data); err != nil {
			_ = f.Close()
			return errs.Wrap(errs.StorageFault, "write journal entry", err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errs.Wrap(errs.StorageFault, "fsync journal", err)
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.StorageFault, "close journal", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.StorageFault, "rename journal into place", err)
	}
	return nil
}

func applyJournal(f *os.File, entries []journalEntry) error {
	for _, e := range entries {
		if _, err := f.WriteAt(e.data, int64(e.blk)*int64(DefaultPageSize)); err != nil {
			return errs.Wrap(errs.StorageFault, fmt.Sprintf("apply block %d", e.blk), err)
		}
	}
	return nil
}

func (ps *PageStore) recoverJournal() error {
	data, err := os.ReadFile(ps.journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.StorageFault, "read journal for recovery", err)
	}
	entries, err := parseJournal(data)
	if err != nil {
		return err
	}
	klog.Warningf("pagestore: replaying %d page(s) from journal left by a prior crash", len(entries))
	if err := applyJournal(ps.f, entries); err != nil {
		return err
	}
	if err := ps.f.Sync(); err != nil {
		return errs.Wrap(errs.StorageFault, "fsync after journal replay", err)
	}
	for _, e := range entries {
		if e.blk+1 > ps.numBlocks {
			ps.numBlocks = e.blk + 1
		}
	}
	return os.Remove(ps.journalPath)
}

func parseJournal(data []byte) ([]journalEntry, error) {
	if len(data) < len(journalMagic) || string(data[:len(journalMagic)]) != string(journalMagic) {
		return nil, errs.New(errs.Corruption, "journal file has bad magic")
	}
	data = data[len(journalMagic):]
	var entries []journalEntry
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, errs.New(errs.Corruption, "journal file truncated in entry header")
		}
		blk := binary.BigEndian.Uint32(data[0:4])
		n := binary.BigEndian.Uint32(data[4:8])
		data = data[8:]
		if uint32(len(data)) < n {
			return nil, errs.New(errs.Corruption, "journal file truncated in entry body")
		}
		entries = append(entries, journalEntry{blk: blk, data: data[:n]})
		data = data[n:]
	}
	return entries, nil
}

// ResourceExhausted wraps an allocation failure from NewPage (spec.md §4.1).
func ResourceExhausted(err error) error {
	return errs.Wrap(errs.StorageFault, "resource exhausted allocating new page", err)
}
