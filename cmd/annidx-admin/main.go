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

// annidx-admin is a maintenance CLI for annidx indexes: operations that sit
// outside the hot write/read paths of spec.md §2 and so have no place on
// the Index type itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	ctx := context.Background()

	var err error
	switch cmd {
	case "list-remote-indexes":
		err = runListRemoteIndexes(ctx, args)
	case "delete-unused-remote-indexes":
		err = runDeleteUnusedRemoteIndexes(ctx, args)
	case "print-index-state":
		err = runPrintIndexState(ctx, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "annidx-admin: unknown subcommand %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		klog.Exitf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `annidx-admin operates annidx indexes outside the hot write/read paths.

Subcommands:
  list-remote-indexes             list every remote index visible to this API key
  delete-unused-remote-indexes    delete remote indexes not referenced by any local page store
  print-index-state               show one index's buffer state as a live-updating TUI

Run "annidx-admin <subcommand> -h" to see a subcommand's flags.`)
}
