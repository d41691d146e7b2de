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
	"strings"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/gdamore/tcell/v2"
	"github.com/pgvector-remote/annidx/api"
	"github.com/pgvector-remote/annidx/internal/pagestore"
	"github.com/rivo/tview"
)

func runPrintIndexState(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("print-index-state", flag.ExitOnError)
	path := fs.String("path", "", "Path to the index's page store file")
	interval := fs.Duration("interval", 500*time.Millisecond, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("-path is required")
	}

	ps, err := pagestore.Open(*path)
	if err != nil {
		return fmt.Errorf("open %q: %w", *path, err)
	}
	defer ps.Close()

	static, err := ps.ReadStaticMeta()
	if err != nil {
		return fmt.Errorf("read static meta: %w", err)
	}

	c := newStateController(ps, static)
	c.Run(ctx, *interval)
	return nil
}

// stateController renders one index's BufferMeta as a live-updating TUI,
// grounded on the teacher's hammer TUI: a status box refreshed on a ticker,
// plus a moving average tracking throughput rather than log growth.
type stateController struct {
	ps     *pagestore.PageStore
	static api.StaticMeta

	app        *tview.Application
	statusView *tview.TextView
	helpView   *tview.TextView
}

func newStateController(ps *pagestore.PageStore, static api.StaticMeta) *stateController {
	c := &stateController{
		ps:     ps,
		static: static,
		app:    tview.NewApplication(),
	}
	grid := tview.NewGrid()
	grid.SetRows(0, 3).SetColumns(0).SetBorders(true)

	statusView := tview.NewTextView().SetDynamicColors(false)
	grid.AddItem(statusView, 0, 0, 1, 1, 0, 0, false)
	c.statusView = statusView

	helpView := tview.NewTextView()
	helpView.SetText("q to quit")
	grid.AddItem(helpView, 1, 0, 1, 1, 0, 0, false)
	c.helpView = helpView

	c.app.SetRoot(grid, true)
	return c
}

func (c *stateController) Run(ctx context.Context, interval time.Duration) {
	c.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' {
			c.app.Stop()
			return nil
		}
		return event
	})

	ctx, cancel := context.WithCancel(ctx)
	go c.updateLoop(ctx, interval)
	defer cancel()

	if err := c.app.Run(); err != nil {
		panic(err)
	}
}

func (c *stateController) updateLoop(ctx context.Context, interval time.Duration) {
	maSlots := int((30 * time.Second) / interval)
	if maSlots < 1 {
		maSlots = 1
	}
	growth := movingaverage.New(maSlots)
	var lastInserted int64

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			meta, err := c.ps.ReadBufferMeta()
			if err != nil {
				c.statusView.SetText(fmt.Sprintf("error reading buffer meta: %v", err))
				c.app.Draw()
				continue
			}
			inserted := meta.LatestCheckpoint.NPreceding + int64(meta.NTuplesSinceLastCheckpoint)
			growth.Add(float64(inserted - lastInserted))
			lastInserted = inserted
			tuplesPerSec := growth.Avg() * float64(time.Second/interval)

			lines := []string{
				fmt.Sprintf("Index: %s (dimensions=%d metric=%d)", c.static.IndexName, c.static.Dimensions, c.static.Metric),
				fmt.Sprintf("Remote host: %s", c.static.RemoteHost),
				fmt.Sprintf("Ready checkpoint:  no=%d page=%d n_preceding=%d", meta.ReadyCheckpoint.No, meta.ReadyCheckpoint.Page, meta.ReadyCheckpoint.NPreceding),
				fmt.Sprintf("Flush checkpoint:  no=%d page=%d n_preceding=%d", meta.FlushCheckpoint.No, meta.FlushCheckpoint.Page, meta.FlushCheckpoint.NPreceding),
				fmt.Sprintf("Latest checkpoint: no=%d page=%d n_preceding=%d", meta.LatestCheckpoint.No, meta.LatestCheckpoint.Page, meta.LatestCheckpoint.NPreceding),
				fmt.Sprintf("Insert page: %d  tuples since last checkpoint: %d", meta.InsertPage, meta.NTuplesSinceLastCheckpoint),
				fmt.Sprintf("Unconfirmed behind ready: %d checkpoint(s)", meta.LatestCheckpoint.No-meta.ReadyCheckpoint.No),
				fmt.Sprintf("Insert rate: %.1f tuples/s (avg over %ds)", tuplesPerSec, maSlots*int(interval)/int(time.Second)),
			}
			c.statusView.SetText(strings.Join(lines, "\n"))
			c.app.Draw()
		}
	}
}
