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

package config

import (
	"testing"

	"github.com/pgvector-remote/annidx/errs"
)

func TestResolveDefaults(t *testing.T) {
	c, err := Resolve(WithAPIKey("k"))
	if err != nil {
		t.Fatal(err)
	}
	if c.TopK != DefaultTopK || c.VectorsPerRequest != DefaultVectorsPerRequest || c.BatchSize != DefaultBatchSize {
		t.Errorf("unexpected defaults: %+v", c)
	}
}

func TestResolveRequiresAPIKey(t *testing.T) {
	if _, err := Resolve(); !errs.Is(err, errs.InvalidConfig) {
		t.Errorf("missing api key: want InvalidConfig, got %v", err)
	}
}

func TestResolveValidatesRanges(t *testing.T) {
	tests := []Option{
		WithTopK(MaxTopK + 1),
		WithVectorsPerRequest(0),
		WithRequestsPerBatch(MaxRequestsPerBatch + 1),
		WithMaxBufferScan(-1),
		WithMaxProbe(MaxMaxProbe + 1),
	}
	for _, opt := range tests {
		if _, err := Resolve(WithAPIKey("k"), opt); !errs.Is(err, errs.InvalidConfig) {
			t.Errorf("option %v: want InvalidConfig, got %v", opt, err)
		}
	}
}

func TestIndexOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts IndexOptions
		ok   bool
	}{
		{"spec only", IndexOptions{Spec: []byte("{}"), Dimensions: 8}, true},
		{"host only", IndexOptions{Host: "h", Dimensions: 8}, true},
		{"neither", IndexOptions{Dimensions: 8}, false},
		{"both", IndexOptions{Spec: []byte("{}"), Host: "h", Dimensions: 8}, false},
		{"zero dims", IndexOptions{Host: "h", Dimensions: 0}, false},
	}
	for _, tc := range tests {
		err := tc.opts.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestMetricString(t *testing.T) {
	if Euclidean.String() != "euclidean" || Cosine.String() != "cosine" || InnerProduct.String() != "dotproduct" {
		t.Errorf("unexpected metric strings: %s %s %s", Euclidean, Cosine, InnerProduct)
	}
}
