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

package merge

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/pgvector-remote/annidx/api"
)

// bloomK is the fixed number of hash functions, sized to give a reasonable
// false-positive rate for the expected m/n ratio of 1.44*k bits per element
// (spec.md §4.8 step 6 fixes k and derives table size from it).
const bloomK = 7

// bloomFilter deduplicates HeapRefs seen during the local buffer scan
// against the remote result stream (spec.md §4.8 step 6/8). A false
// positive only causes a local (exact) result to be preferred over a remote
// (approximate) one for the same tuple — never a missed result, since the
// local scan is authoritative for not-yet-ready tuples.
type bloomFilter struct {
	bits []uint64
	nbits uint64
}

// newBloomFilter sizes the table to 1.44*k*n bits, rounded up to a whole
// number of 64-bit words, per spec.md §4.8 step 6.
func newBloomFilter(n int) *bloomFilter {
	if n < 1 {
		n = 1
	}
	nbits := uint64(math.Ceil(1.44 * float64(bloomK) * float64(n)))
	if nbits == 0 {
		nbits = 1
	}
	words := (nbits + 63) / 64
	return &bloomFilter{bits: make([]uint64, words), nbits: words * 64}
}

func (b *bloomFilter) hashes(ref api.HeapRef) [bloomK]uint64 {
	var buf [6]byte
	binary.BigEndian.PutUint32(buf[0:4], ref.BlockNo)
	binary.BigEndian.PutUint16(buf[4:6], ref.Offset)

	h1 := fnv.New64a()
	h1.Write(buf[:])
	a := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(buf[:])
	c := h2.Sum64()

	var out [bloomK]uint64
	for i := range out {
		// double hashing (Kirsch-Mitzenmacher): a + i*c mod nbits.
		out[i] = (a + uint64(i)*c) % b.nbits
	}
	return out
}

// Add inserts ref into the filter.
func (b *bloomFilter) Add(ref api.HeapRef) {
	for _, h := range b.hashes(ref) {
		b.bits[h/64] |= 1 << (h % 64)
	}
}

// MightContain reports whether ref may have been inserted (false positives
// possible, false negatives impossible).
func (b *bloomFilter) MightContain(ref api.HeapRef) bool {
	for _, h := range b.hashes(ref) {
		if b.bits[h/64]&(1<<(h%64)) == 0 {
			return false
		}
	}
	return true
}
