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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/errs"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// httpClient is the one process-wide RemoteClient implementation, talking
// the wire protocol of spec.md §6. Grounded on the concurrent-gateway shape
// of the teacher's internal/witness package: a single pooled *http.Client,
// context-scoped requests, and a typed response struct per call.
type httpClient struct {
	hc         *http.Client
	apiKey     string
	baseURL    string // control-plane base, e.g. "https://api.pinecone.io"
	maxRetries uint
}

// NewHTTPClient returns a Client backed by a pooled, process-wide
// *http.Client (spec.md §5: "The HTTP client and its connection pool are
// process-wide").
func NewHTTPClient(cfg *config.Config, baseURL string) Client {
	return &httpClient{
		hc: &http.Client{
			Timeout: cfg.RemoteRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: cfg.RequestsPerBatch,
			},
		},
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: 3,
	}
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("remote service returned %d: %s", e.status, e.body)
}

func (c *httpClient) do(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.InvalidConfig, "marshal request body", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errs.Wrap(errs.RemoteError, "build request", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return errs.Wrap(errs.Transient, fmt.Sprintf("%s %s", method, url), err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.RemoteError, "read response body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.Wrap(errs.RemoteError, fmt.Sprintf("%s %s", method, url), &apiError{status: resp.StatusCode, body: string(respBody)})
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errs.Wrap(errs.RemoteError, "unmarshal response body", err)
	}
	return nil
}

// retryIdempotent wraps calls that are safe to retry transparently:
// describe and fetch-by-ids are plain GETs with no side effects.
func (c *httpClient) retryIdempotent(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(c.maxRetries+1),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Only retry on Transient (network-level) failures, never on a
			// non-2xx RemoteError — a 4xx body won't change on retry.
			return errs.Is(err, errs.Transient)
		}),
	)
}

func (c *httpClient) Create(ctx context.Context, name string, dim int, metric config.Metric, spec []byte) (Host, error) {
	var specDoc any
	if len(spec) > 0 {
		if err := json.Unmarshal(spec, &specDoc); err != nil {
			return "", errs.Wrap(errs.InvalidConfig, "spec is not valid JSON", err)
		}
	}
	body := map[string]any{
		"name":      name,
		"dimension": dim,
		"metric":    metric.String(),
		"spec":      specDoc,
	}
	var out struct {
		Host string `json:"host"`
	}
	klog.V(1).Infof("remote: creating index %q (dim=%d metric=%s)", name, dim, metric)
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/indexes", body, &out); err != nil {
		return "", err
	}
	return Host(out.Host), nil
}

func (c *httpClient) Describe(ctx context.Context, name string) (Status, error) {
	var out struct {
		Status struct {
			Ready bool `json:"ready"`
		} `json:"status"`
	}
	err := c.retryIdempotent(ctx, func() error {
		return c.do(ctx, http.MethodGet, c.baseURL+"/indexes/"+url.PathEscape(name), nil, &out)
	})
	if err != nil {
		return Status{}, err
	}
	return Status{Ready: out.Status.Ready}, nil
}

func (c *httpClient) UpsertBatch(ctx context.Context, host Host, vectors []Vector) error {
	type wireVector struct {
		ID       string         `json:"id"`
		Values   []float32      `json:"values"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	wv := make([]wireVector, len(vectors))
	for i, v := range vectors {
		wv[i] = wireVector{ID: v.ID, Values: v.Values, Metadata: v.Metadata}
	}
	body := map[string]any{"vectors": wv}
	return c.do(ctx, http.MethodPost, "https://"+string(host)+"/vectors/upsert", body, nil)
}

func (c *httpClient) Query(ctx context.Context, host Host, topK int, query []float32, filter Filter) ([]Match, error) {
	body := map[string]any{
		"topK":            topK,
		"vector":          query,
		"filter":          filter,
		"includeValues":   false,
		"includeMetadata": false,
	}
	var out struct {
		Matches []struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		} `json:"matches"`
	}
	if err := c.do(ctx, http.MethodPost, "https://"+string(host)+"/query", body, &out); err != nil {
		return nil, err
	}
	matches := make([]Match, len(out.Matches))
	for i, m := range out.Matches {
		matches[i] = Match{ID: m.ID, Score: m.Score}
	}
	return matches, nil
}

func (c *httpClient) FetchByIDs(ctx context.Context, host Host, ids []string) (map[string]bool, error) {
	if len(ids) > MaxFetchIDs {
		return nil, errs.New(errs.InvalidConfig, fmt.Sprintf("fetch_by_ids: %d exceeds ceiling of %d", len(ids), MaxFetchIDs))
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids", id)
	}
	var out struct {
		Vectors map[string]json.RawMessage `json:"vectors"`
	}
	err := c.retryIdempotent(ctx, func() error {
		return c.do(ctx, http.MethodGet, "https://"+string(host)+"/vectors/fetch?"+q.Encode(), nil, &out)
	})
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(out.Vectors))
	for id := range out.Vectors {
		present[id] = true
	}
	return present, nil
}

func (c *httpClient) DeleteAll(ctx context.Context, host Host) error {
	return c.do(ctx, http.MethodPost, "https://"+string(host)+"/vectors/delete", map[string]any{"deleteAll": true}, nil)
}

func (c *httpClient) DeleteIDs(ctx context.Context, host Host, ids []string) error {
	return c.do(ctx, http.MethodPost, "https://"+string(host)+"/vectors/delete", map[string]any{"ids": ids}, nil)
}

// ListIndexes and DeleteIndex implement Lister against the same control
// plane Create/Describe talk to, for the maintenance tooling of spec.md §7
// (housekeeping outside the hot write/read paths).
func (c *httpClient) ListIndexes(ctx context.Context) ([]string, error) {
	var out struct {
		Indexes []struct {
			Name string `json:"name"`
		} `json:"indexes"`
	}
	err := c.retryIdempotent(ctx, func() error {
		return c.do(ctx, http.MethodGet, c.baseURL+"/indexes", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, len(out.Indexes))
	for i, idx := range out.Indexes {
		names[i] = idx.Name
	}
	return names, nil
}

func (c *httpClient) DeleteIndex(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.baseURL+"/indexes/"+url.PathEscape(name), nil, nil)
}

// QueryAndFetch runs Query and FetchByIDs concurrently, as required by
// spec.md §4.7 ("query and fetch_by_ids are paired and issued concurrently")
// and §4.8 step 4. Grounded in the teacher's errgroup fan-out idiom
// (storage/integrate.go).
func QueryAndFetch(ctx context.Context, c Client, host Host, topK int, query []float32, filter Filter, probeIDs []string) ([]Match, map[string]bool, error) {
	var matches []Match
	var present map[string]bool

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		matches, err = c.Query(ctx, host, topK, query, filter)
		return err
	})
	g.Go(func() error {
		if len(probeIDs) == 0 {
			present = map[string]bool{}
			return nil
		}
		var err error
		present, err = c.FetchByIDs(ctx, host, probeIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return matches, present, nil
}

// UpsertPipelined issues the vectors of one flush batch as up to
// requestsPerBatch concurrent upsert requests of vectorsPerRequest each
// (spec.md §4.7: "Upsert requests within one flush are pipelined up to
// requests_per_batch concurrent").
func UpsertPipelined(ctx context.Context, c Client, host Host, vectors []Vector, vectorsPerRequest, requestsPerBatch int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(requestsPerBatch)
	for start := 0; start < len(vectors); start += vectorsPerRequest {
		end := min(start+vectorsPerRequest, len(vectors))
		chunk := vectors[start:end]
		g.Go(func() error {
			return c.UpsertBatch(ctx, host, chunk)
		})
	}
	return g.Wait()
}
