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

package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := New(Corruption, "bad page")
	wrapped := fmt.Errorf("reading block 3: %w", base)
	if !Is(wrapped, Corruption) {
		t.Error("Is did not see through fmt.Errorf wrapping")
	}
	if Is(wrapped, StorageFault) {
		t.Error("Is matched the wrong kind")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(StorageFault, "write page", cause)
	if !errors.Is(e, cause) {
		t.Error("Wrap did not preserve the cause for errors.Is")
	}
}

func TestFatal(t *testing.T) {
	if Transient.Fatal() {
		t.Error("Transient should not be Fatal")
	}
	for _, k := range []Kind{InvalidConfig, InvalidInput, RemoteError, StorageFault, Corruption} {
		if !k.Fatal() {
			t.Errorf("%s should be Fatal", k)
		}
	}
}
