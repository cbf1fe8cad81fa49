// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

// DefaultDebounce is how long Watch waits for a burst of writes to settle
// before recompiling.
const DefaultDebounce = 100 * time.Millisecond

// Watch recompiles graph files as they change until ctx is done.
//
// Description:
//
//	Changes are collected per path and applied once no new event has
//	arrived for the debounce window, so an editor's write-rename-chmod
//	sequence triggers one reload. Removed or renamed-away files leave the
//	catalog. ready, if non-nil, is closed once the watch is registered.
//
// Inputs:
//
//	ctx      - Stops the watch when cancelled. Must not be nil.
//	debounce - Settle window. Zero uses DefaultDebounce.
//
// Outputs:
//
//	error - Non-nil only if the watch could not be set up.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration, ready chan<- struct{}) error {
	if ctx == nil {
		return pipeline.ErrNilContext
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	if ready != nil {
		close(ready)
	}
	c.logger.Info("Watching graph directory", slog.String("dir", c.dir))

	pending := make(map[string]struct{})
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isGraphFile(ev.Name) {
				continue
			}
			pending[filepath.Clean(ev.Name)] = struct{}{}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("Graph watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			sort.Strings(paths)
			for _, p := range paths {
				// Failures are recorded on the entry and logged.
				_ = c.Reload(ctx, p)
			}
		}
	}
}
