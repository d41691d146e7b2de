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

package api

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pgvector-remote/annidx/errs"
)

func TestHeapRefRemoteIDRoundTrip(t *testing.T) {
	tests := []HeapRef{
		{BlockNo: 0, Offset: 0},
		{BlockNo: 1, Offset: 1},
		{BlockNo: 0xFFFFFFFF, Offset: 0xFFFF},
		{BlockNo: 0x00010002, Offset: 42},
	}
	for _, want := range tests {
		id := want.RemoteID()
		if len(id) != 12 {
			t.Fatalf("RemoteID(%+v) = %q, want 12 hex chars", want, id)
		}
		got, err := ParseRemoteID(id)
		if err != nil {
			t.Fatalf("ParseRemoteID(%q): %v", id, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestParseRemoteIDRejectsMalformed(t *testing.T) {
	tests := []string{"", "abc", "zzzzzzzzzzzz", "0123456789ab0"}
	for _, id := range tests {
		if _, err := ParseRemoteID(id); !errs.Is(err, errs.Corruption) {
			t.Errorf("ParseRemoteID(%q): want Corruption error, got %v", id, err)
		}
	}
}

func TestHeapRefBinaryRoundTrip(t *testing.T) {
	want := HeapRef{BlockNo: 123456, Offset: 789}
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != HeapRefSize {
		t.Fatalf("MarshalBinary length = %d, want %d", len(b), HeapRefSize)
	}
	var got HeapRef
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpointBinaryRoundTrip(t *testing.T) {
	want := Checkpoint{
		No:                7,
		Page:              42,
		RepresentativeTID: HeapRef{BlockNo: 1, Offset: 2},
		NPreceding:        9000,
		IsCheckpoint:       true,
	}
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Checkpoint
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBufferMetaCheckInvariants(t *testing.T) {
	ok := BufferMeta{
		ReadyCheckpoint:  Checkpoint{No: 1, NPreceding: 10},
		FlushCheckpoint:  Checkpoint{No: 2, NPreceding: 20},
		LatestCheckpoint: Checkpoint{No: 3, NPreceding: 30},
	}
	if err := ok.CheckInvariants(); err != nil {
		t.Errorf("valid BufferMeta rejected: %v", err)
	}

	bad := ok
	bad.ReadyCheckpoint.No = 5 // ready > flush
	if err := bad.CheckInvariants(); !errs.Is(err, errs.Corruption) {
		t.Errorf("ready > flush: want Corruption, got %v", err)
	}

	bad = ok
	bad.FlushCheckpoint.No = 10 // flush > latest
	if err := bad.CheckInvariants(); !errs.Is(err, errs.Corruption) {
		t.Errorf("flush > latest: want Corruption, got %v", err)
	}
}

func TestStaticMetaBinaryRoundTrip(t *testing.T) {
	want := StaticMeta{
		Dimensions: 768,
		Metric:     1,
		RemoteHost: "index-abc123.svc.pinecone.io",
		IndexName:  "my-index",
	}
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got StaticMeta
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
