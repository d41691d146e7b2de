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

// Package merge implements C8 of spec.md §4.8: merging a remote top-K
// stream with a locally-exact scan of the not-yet-ready tail of the buffer,
// deduplicated with a Bloom filter.
package merge

import (
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/errs"
	"github.com/pgvector-remote/annidx/host"
	"github.com/pgvector-remote/annidx/internal/liveness"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"github.com/pgvector-remote/annidx/remote"
	"k8s.io/klog/v2"
)

// Op is one of the comparison strategy numbers spec.md §4.8 step 2 names.
type Op int

const (
	OpLess Op = iota
	OpLessEq
	OpEqual
	OpGreaterEq
	OpGreater
	OpNotEqual
)

func (o Op) remoteOperator() (string, error) {
	switch o {
	case OpLess:
		return "$lt", nil
	case OpLessEq:
		return "$lte", nil
	case OpEqual:
		return "$eq", nil
	case OpGreaterEq:
		return "$gte", nil
	case OpGreater:
		return "$gt", nil
	case OpNotEqual:
		return "$ne", nil
	default:
		return "", errs.New(errs.InvalidConfig, fmt.Sprintf("unknown operator %d", o))
	}
}

// ScanKey is one equality/inequality clause over a scalar column, the unit
// the host's query planner hands down (spec.md §4.8 step 2).
type ScanKey struct {
	Column string
	Op     Op
	Value  any
}

// columnKind validates the scan key's value is one of the supported scalar
// types (supplemented feature: the original's pinecone_validate.c rejects
// unsupported column types explicitly rather than assuming validity).
func columnKind(v any) (string, bool) {
	switch v.(type) {
	case bool:
		return "bool", true
	case float64, float32, int, int64:
		return "float8", true
	case string:
		return "text", true
	default:
		return "", false
	}
}

// BuildFilter builds the remote's JSON-ish filter shape from scan keys
// (spec.md §4.8 step 2), validating every column's value type first.
func BuildFilter(keys []ScanKey) (remote.Filter, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	clauses := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		if _, ok := columnKind(k.Value); !ok {
			return nil, errs.New(errs.InvalidConfig, fmt.Sprintf("scan key %q: unsupported value type %T (want bool, float8 or text)", k.Column, k.Value))
		}
		op, err := k.Op.remoteOperator()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, map[string]any{k.Column: map[string]any{op: k.Value}})
	}
	if len(clauses) == 1 {
		return remote.Filter(clauses[0]), nil
	}
	return remote.Filter{"$and": clauses}, nil
}

// Query is one rescan request.
type Query struct {
	Vector   []float32
	ScanKeys []ScanKey
	TopK     int
}

// Result is one merged result, with the approximate lower-bound distance the
// host should recheck against (spec.md §4.8 step 9).
type Result struct {
	HeapRef        api.HeapRef
	Distance       float64
	FromRemote     bool
	RecheckLowerBound float64
}

// Notice reports a scan limitation the caller should surface (spec.md §4.8
// step 7).
type Notice struct {
	TruncatedLocalScan bool
	TruncatedProbe     bool
}

// Merger is C8: the query-time merge of remote and local results.
type Merger struct {
	ps      *pagestore.PageStore
	client  remote.Client
	host    remote.Host
	probe   *liveness.Probe
	src     host.TupleSource
	encoder host.TupleEncoder
	cfg     *config.Config
	metric  config.Metric
}

// New returns a Merger bound to ps, querying client against the given
// remote host.
func New(ps *pagestore.PageStore, client remote.Client, remoteHost remote.Host, probe *liveness.Probe, src host.TupleSource, encoder host.TupleEncoder, cfg *config.Config, metric config.Metric) *Merger {
	return &Merger{ps: ps, client: client, host: remoteHost, probe: probe, src: src, encoder: encoder, cfg: cfg, metric: metric}
}

type localHit struct {
	ref  api.HeapRef
	dist float64
}

// Rescan runs one query per spec.md §4.8 and returns an iterator of Results
// in approximate distance-ascending order, plus a Notice of any truncation.
func (m *Merger) Rescan(ctx context.Context, q Query) (iter.Seq[Result], Notice, error) {
	if q.TopK <= 0 {
		// spec.md §4.8: top_k = 0 returns an empty iterator and must not
		// touch the remote service or advance ready_checkpoint.
		return func(func(Result) bool) {}, Notice{}, nil
	}

	filter, err := BuildFilter(q.ScanKeys)
	if err != nil {
		return nil, Notice{}, err
	}

	meta, err := m.ps.ReadBufferMeta()
	if err != nil {
		return nil, Notice{}, err
	}

	pending, probeTruncated, err := liveness.PendingCheckpoints(m.ps, meta, m.cfg.MaxProbe)
	if err != nil {
		return nil, Notice{}, err
	}
	probeIDs := make([]string, len(pending))
	for i, cp := range pending {
		probeIDs[i] = cp.RepresentativeTID.RemoteID()
	}

	matches, fetched, err := remote.QueryAndFetch(ctx, m.client, m.host, q.TopK, q.Vector, filter, probeIDs)
	if err != nil {
		return nil, Notice{}, err
	}

	if len(fetched) > 0 {
		if err := m.probe.AdvanceReady(ctx, fetched); err != nil {
			klog.Warningf("merge: liveness probe failed during rescan: %v", err)
		}
	}

	localHits, localTruncated, err := m.localScan(ctx, meta, q.Vector)
	if err != nil {
		return nil, Notice{}, err
	}

	nUnready := len(localHits)
	bf := newBloomFilter(nUnready)
	for _, h := range localHits {
		bf.Add(h.ref)
	}
	sort.Slice(localHits, func(i, j int) bool { return localHits[i].dist < localHits[j].dist })

	remoteResults := make([]Result, 0, len(matches))
	for _, mt := range matches {
		ref, err := api.ParseRemoteID(mt.ID)
		if err != nil {
			klog.Warningf("merge: dropping malformed remote id %q: %v", mt.ID, err)
			continue
		}
		dist := remote.ScoreToDistance(m.metric, mt.Score)
		remoteResults = append(remoteResults, Result{
			HeapRef:           ref,
			Distance:          dist,
			FromRemote:        true,
			RecheckLowerBound: dist * (1 - m.cfg.RecheckTolerance),
		})
	}

	notice := Notice{TruncatedLocalScan: localTruncated, TruncatedProbe: probeTruncated}
	return mergeStreams(remoteResults, localHits, bf, q.TopK), notice, nil
}

// localScan walks the buffer from ready_checkpoint.page to the tail,
// re-fetching each live tuple and computing its exact distance (spec.md
// §4.8 step 6/7).
func (m *Merger) localScan(ctx context.Context, meta api.BufferMeta, query []float32) ([]localHit, bool, error) {
	var hits []localHit
	blk := meta.ReadyCheckpoint.Page
	truncated := false
	for {
		page, err := m.ps.ReadBufferPageShared(blk)
		if err != nil {
			return nil, false, err
		}
		for _, ref := range page.Items {
			if m.cfg.MaxBufferScan > 0 && len(hits) >= m.cfg.MaxBufferScan {
				truncated = true
				break
			}
			t, ok, err := m.src.Fetch(ctx, ref.BlockNo, ref.Offset)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			vec, ok := m.encoder.Vector(t)
			if !ok || host.IsZeroVector(vec) {
				continue
			}
			hits = append(hits, localHit{ref: ref, dist: remote.LocalDistance(m.metric, vec, query)})
		}
		if truncated || page.Opaque.NextPage == api.NoPage {
			break
		}
		blk = page.Opaque.NextPage
	}
	return hits, truncated, nil
}

// mergeStreams yields remote and local results in distance-ascending order,
// skipping any remote result whose HeapRef the Bloom filter says was
// already seen locally (spec.md §4.8 step 8), stopping after topK results.
func mergeStreams(remoteResults []Result, localHits []localHit, bf *bloomFilter, topK int) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		ri, li := 0, 0
		emitted := 0
		for topK > 0 && (ri < len(remoteResults) || li < len(localHits)) && emitted < topK {
			useRemote := false
			switch {
			case ri >= len(remoteResults):
				useRemote = false
			case li >= len(localHits):
				useRemote = true
			default:
				useRemote = remoteResults[ri].Distance <= localHits[li].dist
			}

			if useRemote {
				r := remoteResults[ri]
				ri++
				if bf.MightContain(r.HeapRef) {
					continue // probable duplicate; local stream carries the exact copy.
				}
				if !yield(r) {
					return
				}
				emitted++
				continue
			}

			h := localHits[li]
			li++
			if !yield(Result{HeapRef: h.ref, Distance: h.dist, FromRemote: false, RecheckLowerBound: h.dist}) {
				return
			}
			emitted++
		}
	}
}
