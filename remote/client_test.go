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

package remote

import (
	"math"
	"testing"

	"github.com/pgvector-remote/annidx/config"
)

func TestScoreToDistance(t *testing.T) {
	tests := []struct {
		metric config.Metric
		score  float64
		want   float64
	}{
		{config.Euclidean, 4.0, 4.0},
		{config.Cosine, 0.9, 0.1},
		{config.InnerProduct, 5.0, -5.0},
	}
	for _, tc := range tests {
		if got := ScoreToDistance(tc.metric, tc.score); got != tc.want {
			t.Errorf("ScoreToDistance(%v, %v) = %v, want %v", tc.metric, tc.score, got, tc.want)
		}
	}
}

func TestAscending(t *testing.T) {
	if !Ascending(config.Euclidean) {
		t.Error("Euclidean should be ascending")
	}
	if Ascending(config.Cosine) || Ascending(config.InnerProduct) {
		t.Error("Cosine and InnerProduct should not be ascending")
	}
}

func TestLocalDistanceMatchesScoreConvention(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	// Euclidean: squared distance, same convention as the score.
	if got, want := LocalDistance(config.Euclidean, a, b), 2.0; got != want {
		t.Errorf("Euclidean LocalDistance = %v, want %v", got, want)
	}

	// Cosine: orthogonal vectors have distance 1 (1 - cos(90)).
	if got, want := LocalDistance(config.Cosine, a, b), 1.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("Cosine LocalDistance = %v, want %v", got, want)
	}

	// Identical vectors: cosine distance 0.
	if got := LocalDistance(config.Cosine, a, a); math.Abs(got) > 1e-9 {
		t.Errorf("Cosine LocalDistance(a, a) = %v, want ~0", got)
	}

	// InnerProduct: negated dot product, smaller (more negative) is closer.
	if got, want := LocalDistance(config.InnerProduct, []float32{2, 0}, []float32{3, 0}), -6.0; got != want {
		t.Errorf("InnerProduct LocalDistance = %v, want %v", got, want)
	}
}

func TestLocalDistanceCosineZeroVectorIsMaximallyFar(t *testing.T) {
	zero := []float32{0, 0}
	other := []float32{1, 1}
	if got, want := LocalDistance(config.Cosine, zero, other), 1.0; got != want {
		t.Errorf("Cosine LocalDistance with zero vector = %v, want %v", got, want)
	}
}
