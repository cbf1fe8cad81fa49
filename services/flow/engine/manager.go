// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

// managedRun is a submitted run and its control handles.
type managedRun struct {
	x      *executor
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu    sync.Mutex
	final *Run
}

func (m *managedRun) snapshot() Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.final != nil {
		return *m.final
	}
	return m.x.snapshot()
}

// Manager runs plans in the background and tracks them by run id.
//
// Description:
//
//	Submit returns as soon as the run is prepared; the run continues after
//	the submitting request's context ends. Status, Cancel, Wait, and List
//	observe or control runs by id. Finished runs are written to the
//	optional RunStore so they remain visible after a restart.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	exec   *Executor
	store  RunStore
	logger *slog.Logger

	mu    sync.RWMutex
	runs  map[string]*managedRun
	order []string
	wg    sync.WaitGroup
}

// NewManager creates a Manager. store may be nil.
func NewManager(exec *Executor, store RunStore, logger *slog.Logger) *Manager {
	if exec == nil {
		exec = NewExecutor(WithLogger(logger))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		exec:   exec,
		store:  store,
		logger: logger,
		runs:   make(map[string]*managedRun),
	}
}

// Submit starts plan in the background and returns its run id.
//
// Inputs:
//
//	ctx - Used for preparation (cursor loading) and as the source of
//	      trace context. Its cancellation does not cancel the run.
//	plan - Compiled plan.
//	opts - Resume and cursor scope options.
//
// Outputs:
//
//	string - The new run id.
//	error - Non-nil if the run could not be prepared.
func (m *Manager) Submit(ctx context.Context, plan *graph.Plan, opts RunOptions) (string, error) {
	if ctx == nil {
		return "", pipeline.ErrNilContext
	}
	id := uuid.NewString()
	x, err := m.exec.prepare(ctx, plan, opts, id)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	mr := &managedRun{x: x, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.runs[id] = mr
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(mr.done)
		defer cancel(nil)

		final := x.execute(runCtx)
		mr.mu.Lock()
		mr.final = &final
		mr.mu.Unlock()

		if m.store != nil {
			if err := m.store.Save(context.WithoutCancel(ctx), final); err != nil {
				m.logger.Warn("failed to persist run",
					slog.String("run_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
	return id, nil
}

// Status returns the current state of a run. Runs not in memory are looked
// up in the RunStore.
func (m *Manager) Status(ctx context.Context, id string) (Run, error) {
	m.mu.RLock()
	mr, ok := m.runs[id]
	m.mu.RUnlock()
	if ok {
		return mr.snapshot(), nil
	}
	if m.store != nil {
		run, found, err := m.store.Get(ctx, id)
		if err != nil {
			return Run{}, err
		}
		if found {
			return run, nil
		}
	}
	return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

// Cancel requests cancellation of a running run. Cancelling a finished run
// is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	mr, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if mr.snapshot().Status.Terminal() {
		return nil
	}
	mr.cancel(pipeline.ErrCancelled)
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Run, error) {
	m.mu.RLock()
	mr, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return m.Status(ctx, id)
	}
	select {
	case <-mr.done:
		return mr.snapshot(), nil
	case <-ctx.Done():
		return mr.snapshot(), ctx.Err()
	}
}

// List returns every known run, oldest first.
func (m *Manager) List(ctx context.Context) ([]Run, error) {
	m.mu.RLock()
	runs := make([]Run, 0, len(m.order))
	seen := make(map[string]bool, len(m.order))
	for _, id := range m.order {
		runs = append(runs, m.runs[id].snapshot())
		seen[id] = true
	}
	m.mu.RUnlock()

	if m.store != nil {
		stored, err := m.store.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range stored {
			if !seen[r.ID] {
				runs = append(runs, r)
			}
		}
	}
	slices.SortStableFunc(runs, func(a, b Run) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return runs, nil
}

// Shutdown cancels every active run and waits for them to finish or for
// ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, mr := range m.runs {
		mr.cancel(pipeline.ErrCancelled)
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
