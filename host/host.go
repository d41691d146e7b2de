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

// Package host names the seams spec.md §1 delegates to the host database:
// the base-table tuple accessor and the TupleEncoder that turns a heap
// tuple into a remote vector payload. Nothing in this repo implements these
// — a real host (Postgres, say) supplies them; testonly provides fakes.
package host

import "context"

// Tuple is a live row fetched from the base table: its non-vector indexed
// column values, keyed by column name, ready for the TupleEncoder.
type Tuple struct {
	Values map[string]any
}

// TupleSource re-fetches a live tuple from the base table by HeapRef. It
// returns ok=false if the tuple is no longer visible (deleted, or never
// committed) rather than an error — invisibility is a normal outcome of
// scanning a buffer that may lag the base table (spec.md §1 Non-goals: full
// MVCC visibility of remote results is delegated, not reimplemented here).
type TupleSource interface {
	Fetch(ctx context.Context, blockNo uint32, offset uint16) (t Tuple, ok bool, err error)
}

// TupleEncoder extracts the indexed vector and scalar metadata from a Tuple,
// ready to be upserted or compared against a query vector (spec.md §1: "The
// vector encoding of a heap tuple into a remote payload is delegated to a
// TupleEncoder collaborator").
type TupleEncoder interface {
	// Vector returns the fixed-dimensional vector encoded in t. ok is false
	// (with a reported InvalidInput, not an error) if the vector is the
	// zero vector, which is rejected at insert time (spec.md §3).
	Vector(t Tuple) (vector []float32, ok bool)
	// Metadata returns the scalar columns (bool, float8, text) to be sent
	// as remote upsert metadata.
	Metadata(t Tuple) map[string]any
}

// IsZeroVector reports whether v is the all-zero vector rejected on insert.
func IsZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
