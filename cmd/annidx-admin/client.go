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

package main

import (
	"fmt"
	"os"

	"github.com/pgvector-remote/annidx/config"
	"github.com/pgvector-remote/annidx/remote"
)

// newClient resolves a Config and an HTTP remote.Client from the shared
// -api_key/-base_url flag pair used by every subcommand that talks to the
// remote service's control plane. apiKey falls back to $ANNIDX_API_KEY so
// operators don't have to put it on a command line.
func newClient(apiKey, baseURL string) (*config.Config, remote.Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANNIDX_API_KEY")
	}
	if apiKey == "" {
		return nil, nil, fmt.Errorf("-api_key or $ANNIDX_API_KEY is required")
	}
	cfg, err := config.Resolve(config.WithAPIKey(apiKey))
	if err != nil {
		return nil, nil, err
	}
	return cfg, remote.NewHTTPClient(cfg, baseURL), nil
}
