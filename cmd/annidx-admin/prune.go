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
	"os"
	"path/filepath"

	"github.com/pgvector-remote/annidx/internal/pagestore"
	"github.com/pgvector-remote/annidx/remote"
	"k8s.io/klog/v2"
)

func runDeleteUnusedRemoteIndexes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete-unused-remote-indexes", flag.ExitOnError)
	baseURL := fs.String("base_url", "https://api.pinecone.io", "Remote service control-plane base URL")
	apiKey := fs.String("api_key", "", "Remote service API key (defaults to $ANNIDX_API_KEY)")
	pagesDir := fs.String("pages_dir", "", "Directory to scan for local *.pages stores still in use")
	dryRun := fs.Bool("dry_run", true, "List indexes that would be deleted without deleting them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pagesDir == "" {
		return fmt.Errorf("-pages_dir is required")
	}

	_, client, err := newClient(*apiKey, *baseURL)
	if err != nil {
		return err
	}
	lister, ok := client.(remote.Lister)
	if !ok {
		return fmt.Errorf("remote client does not implement index listing")
	}

	inUse, err := scanIndexNames(*pagesDir)
	if err != nil {
		return err
	}
	remoteNames, err := lister.ListIndexes(ctx)
	if err != nil {
		return err
	}

	for _, name := range remoteNames {
		if inUse[name] {
			continue
		}
		if *dryRun {
			fmt.Printf("would delete unused remote index %q (pass -dry_run=false to delete)\n", name)
			continue
		}
		klog.Infof("deleting unused remote index %q", name)
		if err := lister.DeleteIndex(ctx, name); err != nil {
			return fmt.Errorf("delete %q: %w", name, err)
		}
	}
	return nil
}

// scanIndexNames opens every *.pages file directly under dir and reads the
// remote index name out of its StaticMeta, leaving each store untouched.
func scanIndexNames(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", dir, err)
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pages" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		ps, err := pagestore.Open(path)
		if err != nil {
			klog.Warningf("skipping %q: %v", path, err)
			continue
		}
		sm, err := ps.ReadStaticMeta()
		ps.Close()
		if err != nil {
			klog.Warningf("skipping %q: %v", path, err)
			continue
		}
		names[sm.IndexName] = true
	}
	return names, nil
}
