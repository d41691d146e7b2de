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

package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/errs"
)

// BufferPage is the decoded form of a data page: a header's item count, the
// live HeapRef items, and the opaque trailer (spec.md §3/§6).
type BufferPage struct {
	Items  []api.HeapRef
	Opaque api.PageOpaque
}

// WriteBufferPage encodes p into a raw page buffer of exactly pageSize
// bytes, per the layout [header][items...][unused][opaque].
func WriteBufferPage(p BufferPage, pageSize int) ([]byte, error) {
	cap := ItemCapacity(pageSize)
	if len(p.Items) > cap {
		return nil, errs.New(errs.StorageFault, fmt.Sprintf("buffer page overflow: %d items exceeds capacity %d", len(p.Items), cap))
	}
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(p.Items)))
	// buf[2:4] (free-space offset) is informational only; recomputed here
	// for readers that want a quick "is this page full" check.
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Items)*api.HeapRefSize))
	off := PageHeaderSize
	for _, it := range p.Items {
		ib, _ := it.MarshalBinary()
		copy(buf[off:off+api.HeapRefSize], ib)
		off += api.HeapRefSize
	}
	ob, err := p.Opaque.MarshalBinary()
	if err != nil {
		return nil, err
	}
	copy(buf[pageSize-PageOpaqueSize:], ob)
	return buf, nil
}

// ReadBufferPage decodes a raw page buffer written by WriteBufferPage.
func ReadBufferPage(buf []byte) (BufferPage, error) {
	pageSize := len(buf)
	if pageSize < PageHeaderSize+PageOpaqueSize {
		return BufferPage{}, errs.New(errs.Corruption, "page too small to be a BufferPage")
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	cap := ItemCapacity(pageSize)
	if n > cap {
		return BufferPage{}, errs.New(errs.Corruption, fmt.Sprintf("page claims %d items, capacity is %d", n, cap))
	}
	items := make([]api.HeapRef, n)
	off := PageHeaderSize
	for i := 0; i < n; i++ {
		if err := items[i].UnmarshalBinary(buf[off : off+api.HeapRefSize]); err != nil {
			return BufferPage{}, err
		}
		off += api.HeapRefSize
	}
	var opaque api.PageOpaque
	if err := opaque.UnmarshalBinary(buf[pageSize-PageOpaqueSize:]); err != nil {
		return BufferPage{}, err
	}
	return BufferPage{Items: items, Opaque: opaque}, nil
}

// ItemCount reads just the item count out of a raw page buffer, without
// decoding every item — used by the Appender to cheaply test for overflow.
func ItemCount(buf []byte) int {
	return int(binary.BigEndian.Uint16(buf[0:2]))
}

// AppendItemInPlace writes one more item into a raw page buffer after its
// current items and increments the item count stored in the page header.
// The caller must have already verified capacity.
func AppendItemInPlace(buf []byte, ref api.HeapRef) {
	n := ItemCount(buf)
	off := PageHeaderSize + n*api.HeapRefSize
	ib, _ := ref.MarshalBinary()
	copy(buf[off:off+api.HeapRefSize], ib)
	binary.BigEndian.PutUint16(buf[0:2], uint16(n+1))
	binary.BigEndian.PutUint16(buf[2:4], uint16((n+1)*api.HeapRefSize))
}

// HasRoom reports whether one more item fits on a raw page buffer.
func HasRoom(buf []byte) bool {
	return ItemCount(buf) < ItemCapacity(len(buf))
}

// ReadOpaque decodes just the trailing PageOpaque from a raw page buffer.
func ReadOpaque(buf []byte) (api.PageOpaque, error) {
	var o api.PageOpaque
	err := o.UnmarshalBinary(buf[len(buf)-PageOpaqueSize:])
	return o, err
}

// WriteOpaque overwrites just the trailing PageOpaque in a raw page buffer.
func WriteOpaque(buf []byte, o api.PageOpaque) error {
	ob, err := o.MarshalBinary()
	if err != nil {
		return err
	}
	copy(buf[len(buf)-PageOpaqueSize:], ob)
	return nil
}
