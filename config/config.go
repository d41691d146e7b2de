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

// Package config holds the runtime-tunable settings shared by all annidx
// components (spec.md §6), resolved via functional options rather than
// read from process-wide globals.
package config

import (
	"time"

	"github.com/pgvector-remote/annidx/errs"
)

const (
	// DefaultTopK is the default value of Config.TopK. Queries carry their
	// own TopK; a query with TopK <= 0 returns no results and does not fall
	// back to this value.
	DefaultTopK = 10_000
	// MaxTopK is the hard ceiling on top_k.
	MaxTopK = 10_000

	DefaultVectorsPerRequest = 100
	MaxVectorsPerRequest     = 1_000

	DefaultRequestsPerBatch = 20
	MaxRequestsPerBatch     = 100

	DefaultMaxBufferScan = 10_000
	MaxMaxBufferScan     = 100_000

	DefaultMaxProbe = 10
	MaxMaxProbe     = 100

	// DefaultRecheckTolerance is the single relative tolerance applied to
	// remote distances before they're handed back for recheck (spec.md §4.8
	// step 9; see DESIGN.md for why this isn't metric-specific yet).
	DefaultRecheckTolerance = 0.05

	// BatchSize is the checkpoint cadence: the number of buffer tuples that
	// triggers creation of a new checkpoint (spec.md §4.4).
	DefaultBatchSize = 2000
)

// Config is the resolved, immutable bundle of runtime settings for one index.
type Config struct {
	APIKey string

	TopK                int
	VectorsPerRequest   int
	RequestsPerBatch    int
	MaxBufferScan       int
	MaxProbe            int
	RecheckTolerance    float64
	BatchSize           int
	RemoteRequestTimeout time.Duration
}

// Option mutates a Config during Resolve.
type Option func(*Config)

// WithAPIKey sets the (superuser-only, process-wide) remote service API key.
func WithAPIKey(k string) Option { return func(c *Config) { c.APIKey = k } }

// WithTopK overrides the default top_k.
func WithTopK(n int) Option { return func(c *Config) { c.TopK = n } }

// WithVectorsPerRequest overrides vectors_per_request.
func WithVectorsPerRequest(n int) Option { return func(c *Config) { c.VectorsPerRequest = n } }

// WithRequestsPerBatch overrides requests_per_batch.
func WithRequestsPerBatch(n int) Option { return func(c *Config) { c.RequestsPerBatch = n } }

// WithMaxBufferScan overrides max_buffer_scan.
func WithMaxBufferScan(n int) Option { return func(c *Config) { c.MaxBufferScan = n } }

// WithMaxProbe overrides max_fetched_vectors_for_liveness_check.
func WithMaxProbe(n int) Option { return func(c *Config) { c.MaxProbe = n } }

// WithRecheckTolerance overrides the relative recheck tolerance.
func WithRecheckTolerance(f float64) Option { return func(c *Config) { c.RecheckTolerance = f } }

// WithBatchSize overrides the checkpoint cadence (not a §6 runtime knob, but
// configurable for tests).
func WithBatchSize(n int) Option { return func(c *Config) { c.BatchSize = n } }

// WithRemoteRequestTimeout bounds each individual remote HTTP call.
func WithRemoteRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RemoteRequestTimeout = d }
}

// Resolve turns a variadic list of Options into a validated Config.
func Resolve(opts ...Option) (*Config, error) {
	c := &Config{
		TopK:                 DefaultTopK,
		VectorsPerRequest:    DefaultVectorsPerRequest,
		RequestsPerBatch:     DefaultRequestsPerBatch,
		MaxBufferScan:        DefaultMaxBufferScan,
		MaxProbe:             DefaultMaxProbe,
		RecheckTolerance:     DefaultRecheckTolerance,
		BatchSize:            DefaultBatchSize,
		RemoteRequestTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.APIKey == "" {
		return nil, errs.New(errs.InvalidConfig, "api_key is required; set it via WithAPIKey")
	}
	if c.TopK < 0 || c.TopK > MaxTopK {
		return nil, errs.New(errs.InvalidConfig, "top_k must be in [0, 10000]")
	}
	if c.VectorsPerRequest < 1 || c.VectorsPerRequest > MaxVectorsPerRequest {
		return nil, errs.New(errs.InvalidConfig, "vectors_per_request must be in [1, 1000]")
	}
	if c.RequestsPerBatch < 1 || c.RequestsPerBatch > MaxRequestsPerBatch {
		return nil, errs.New(errs.InvalidConfig, "requests_per_batch must be in [1, 100]")
	}
	if c.MaxBufferScan < 0 || c.MaxBufferScan > MaxMaxBufferScan {
		return nil, errs.New(errs.InvalidConfig, "max_buffer_scan must be in [0, 100000]")
	}
	if c.MaxProbe < 0 || c.MaxProbe > MaxMaxProbe {
		return nil, errs.New(errs.InvalidConfig, "max_fetched_vectors_for_liveness_check must be in [0, 100]")
	}
	return c, nil
}

// IndexOptions holds the per-index build-time options (spec.md §6): exactly
// one of Spec or Host may be set.
type IndexOptions struct {
	// Spec is a JSON document describing how to create a new remote index.
	Spec []byte
	// Host is a pre-existing remote index host to adopt instead of creating one.
	Host       string
	Overwrite  bool
	SkipBuild  bool
	Dimensions int
	Metric     Metric
}

// Metric names the vector distance function, fixed at index creation.
type Metric int

const (
	Euclidean Metric = iota
	Cosine
	InnerProduct
)

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case Cosine:
		return "cosine"
	case InnerProduct:
		return "dotproduct"
	default:
		return "unknown"
	}
}

// Validate enforces the "exactly one of spec or host" rule and basic shape checks.
func (o IndexOptions) Validate() error {
	hasSpec := len(o.Spec) > 0
	hasHost := o.Host != ""
	if hasSpec == hasHost {
		return errs.New(errs.InvalidConfig, "exactly one of spec or host must be set")
	}
	if o.Dimensions <= 0 {
		return errs.New(errs.InvalidConfig, "dimensions must be positive")
	}
	return nil
}
