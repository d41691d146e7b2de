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
	"context"
	"flag"
	"fmt"

	"github.com/pgvector-remote/annidx/remote"
)

func runListRemoteIndexes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list-remote-indexes", flag.ExitOnError)
	baseURL := fs.String("base_url", "https://api.pinecone.io", "Remote service control-plane base URL")
	apiKey := fs.String("api_key", "", "Remote service API key (defaults to $ANNIDX_API_KEY)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, client, err := newClient(*apiKey, *baseURL)
	if err != nil {
		return err
	}
	lister, ok := client.(remote.Lister)
	if !ok {
		return fmt.Errorf("remote client does not implement index listing")
	}
	names, err := lister.ListIndexes(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
