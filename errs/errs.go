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

// Package errs defines the error taxonomy shared by all annidx components.
//
// Every error the core surfaces to a caller carries one of the Kind values
// below, so that a host integration can decide, without string matching,
// whether to abort the enclosing transaction, emit a notice and continue, or
// treat the failure as requiring operator attention.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error per the taxonomy.
type Kind int

const (
	// Unknown is never returned; it's the zero value of Kind.
	Unknown Kind = iota
	// InvalidConfig: missing API key, contradictory options, malformed spec, unknown operator.
	InvalidConfig
	// InvalidInput: zero vector on insert, malformed remote vector ID, wrong ORDER BY shape.
	InvalidInput
	// RemoteError: any non-2xx or malformed JSON from the remote service.
	RemoteError
	// Transient: advisory-lock try-fail, probe cap exceeded, liveness not yet advanced.
	Transient
	// StorageFault: page read/write failure, missing expected block, invalid opaque.
	StorageFault
	// Corruption: invariant violation observed on read.
	Corruption
)

func (k Kind) String() string {
	switch k {
	case InvalidConfig:
		return "InvalidConfig"
	case InvalidInput:
		return "InvalidInput"
	case RemoteError:
		return "RemoteError"
	case Transient:
		return "Transient"
	case StorageFault:
		return "StorageFault"
	case Corruption:
		return "Corruption"
	default:
		return "Unknown"
	}
}

// E is a typed error carrying a Kind, a human hint, and an optional wrapped cause.
type E struct {
	Kind Kind
	Hint string
	Err  error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Hint, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Hint)
}

func (e *E) Unwrap() error { return e.Err }

// New builds an *E of the given kind.
func New(k Kind, hint string) *E {
	return &E{Kind: k, Hint: hint}
}

// Wrap builds an *E of the given kind around a lower-level cause.
func Wrap(k Kind, hint string, err error) *E {
	return &E{Kind: k, Hint: hint, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, k Kind) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Fatal reports whether a Kind must abort the enclosing database transaction
// (per spec.md §7): everything except Transient.
func (k Kind) Fatal() bool {
	return k != Transient
}
