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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianFlow/services/flow/cursor"
	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// Executor runs compiled plans.
//
// Description:
//
//	Each call to Execute creates a fresh per-run executor that owns the
//	queues, node states, and cursor watermarks for that run; a Plan and its
//	capability instances can therefore be executed many times, including
//	concurrently.
//
// Thread Safety: Safe for concurrent use.
type Executor struct {
	cursors cursor.Store
	logger  *slog.Logger
	metrics *engineMetrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCursorStore sets where source cursors are committed and resumed from.
// Defaults to an in-process MemoryStore.
func WithCursorStore(s cursor.Store) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.cursors = s
		}
	}
}

// WithLogger sets the executor's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		cursors: cursor.NewMemoryStore(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = initMetrics(e.logger)
	return e
}

// Cursors returns the executor's cursor store.
func (e *Executor) Cursors() cursor.Store {
	return e.cursors
}

// Execute runs plan to completion and returns the final run state.
//
// Description:
//
//	Blocks until every node has finished. Run-level outcomes (failure,
//	timeout, cancellation) are reported through Run.Status and Run.Error;
//	the returned error is non-nil only when the run could not be started.
//	Cancelling ctx cancels the run.
//
// Inputs:
//
//	ctx - Parent context for the run. Must not be nil.
//	plan - Compiled plan. Must not be nil.
//	opts - Resume and cursor scope options.
//
// Outputs:
//
//	*Run - Final snapshot of the run.
//	error - Non-nil if inputs are invalid or stored cursors cannot be loaded.
func (e *Executor) Execute(ctx context.Context, plan *graph.Plan, opts RunOptions) (*Run, error) {
	if ctx == nil {
		return nil, pipeline.ErrNilContext
	}
	x, err := e.prepare(ctx, plan, opts, uuid.NewString())
	if err != nil {
		return nil, err
	}
	run := x.execute(ctx)
	return &run, nil
}

// =============================================================================
// Per-run state
// =============================================================================

// nodeFailedError is the cancellation cause when a node fails under
// fail_fast.
type nodeFailedError struct {
	node string
	err  error
}

func (e *nodeFailedError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.node, e.err)
}

func (e *nodeFailedError) Unwrap() error { return e.err }

// nodeRun is the per-run state of one node.
type nodeRun struct {
	rn      *graph.ResolvedNode
	in      *merger
	out     map[string][]*queue
	outs    []*queue
	tracker *sourceTracker
	start   pipeline.Cursor

	itemsIn       atomic.Int64
	itemsOut      atomic.Int64
	batchesFailed atomic.Int64
	retries       atomic.Int64
	partial       atomic.Bool

	mu          sync.Mutex
	status      Status
	err         error
	interrupted bool
}

func (n *nodeRun) setStatus(s Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

// noteError keeps the first error seen by the node.
func (n *nodeRun) noteError(err error) {
	n.mu.Lock()
	if n.err == nil {
		n.err = err
	}
	n.mu.Unlock()
}

func (n *nodeRun) state() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := NodeState{
		Status:        n.status,
		ItemsIn:       n.itemsIn.Load(),
		ItemsOut:      n.itemsOut.Load(),
		BatchesFailed: n.batchesFailed.Load(),
		Retries:       n.retries.Load(),
	}
	if n.err != nil {
		st.Error = n.err.Error()
	}
	return st
}

// executor owns one run of a plan.
type executor struct {
	id      string
	plan    *graph.Plan
	opts    RunOptions
	scope   string
	cursors cursor.Store
	logger  *slog.Logger
	metrics *engineMetrics
	global  *semaphore.Weighted

	nodes []*nodeRun
	byID  map[string]*nodeRun

	cancel    context.CancelCauseFunc
	commitCtx context.Context

	mu         sync.Mutex
	status     Status
	startedAt  time.Time
	finishedAt time.Time
	errMsg     string
}

// prepare builds the per-run state: one queue per edge, a merger per
// consuming node, and the start cursor of every source.
func (e *Executor) prepare(ctx context.Context, plan *graph.Plan, opts RunOptions, id string) (*executor, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan", pipeline.ErrInvalidInput)
	}

	scope := opts.CursorScope
	if scope == "" {
		scope = plan.Name
	}
	if scope == "" {
		scope = plan.ID
	}
	scope = strings.ReplaceAll(scope, "/", "_")

	x := &executor{
		id:      id,
		plan:    plan,
		opts:    opts,
		scope:   scope,
		cursors: e.cursors,
		logger:  e.logger.With(slog.String("run_id", id), slog.String("plan", plan.Name)),
		metrics: e.metrics,
		byID:    make(map[string]*nodeRun, len(plan.Order)),
		status:  StatusPending,
	}
	if plan.MaxGlobal > 0 {
		x.global = semaphore.NewWeighted(int64(plan.MaxGlobal))
	}

	queues := make([]*queue, len(plan.Edges))
	for _, pe := range plan.Edges {
		queues[pe.Index] = newQueue(pe.Index, pe.Capacity)
	}

	for _, nodeID := range plan.Order {
		rn := plan.Nodes[nodeID]
		nr := &nodeRun{rn: rn, status: StatusPending, out: make(map[string][]*queue)}
		if len(rn.Inbound) > 0 {
			in := make([]*queue, 0, len(rn.Inbound))
			for _, ei := range rn.Inbound {
				in = append(in, queues[ei])
			}
			nr.in = newMerger(in)
		}
		for port, edges := range rn.Outbound {
			for _, ei := range edges {
				nr.out[port] = append(nr.out[port], queues[ei])
				nr.outs = append(nr.outs, queues[ei])
			}
		}

		if rn.Kind == graph.KindSource {
			if opts.Resume {
				c, ok, err := x.cursors.Load(ctx, scope, nodeID)
				if err != nil {
					return nil, fmt.Errorf("load cursor for %s: %w", nodeID, err)
				}
				if ok {
					nr.start = c
				}
			}
			nr.tracker = newSourceTracker(func(c pipeline.Cursor) {
				if err := x.cursors.Save(x.commitCtx, x.scope, nodeID, c); err != nil {
					x.logger.Warn("cursor commit failed",
						slog.String("node", nodeID),
						slog.String("error", err.Error()),
					)
				}
			})
		}

		x.nodes = append(x.nodes, nr)
		x.byID[nodeID] = nr
	}
	return x, nil
}

// execute runs every node and blocks until all have finished.
func (x *executor) execute(parent context.Context) Run {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	x.cancel = cancel
	if x.plan.GraphTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, x.plan.GraphTimeout, pipeline.ErrGraphTimeout)
		defer cancelTimeout()
	}
	x.commitCtx = context.WithoutCancel(ctx)

	ctx, span := tracer.Start(ctx, "engine.Run", trace.WithAttributes(
		attribute.String("run.id", x.id),
		attribute.String("plan.id", x.plan.ID),
		attribute.String("plan.name", x.plan.Name),
		attribute.Bool("run.resume", x.opts.Resume),
	))
	defer span.End()
	x.logger = telemetry.LoggerWithTrace(ctx, x.logger)

	x.mu.Lock()
	x.status = StatusRunning
	x.startedAt = time.Now()
	x.mu.Unlock()

	x.logger.Info("run started",
		slog.Int("nodes", len(x.nodes)),
		slog.String("cursor_scope", x.scope),
		slog.Bool("resume", x.opts.Resume),
	)

	var g errgroup.Group
	for _, nr := range x.nodes {
		g.Go(func() error {
			x.runNode(ctx, nr)
			return nil
		})
	}
	_ = g.Wait()

	x.finish(context.Cause(ctx))
	run := x.snapshot()

	x.metrics.recordRun(ctx, x.plan.Name, run.Status, run.Duration())
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	if run.Status != StatusSuccess {
		span.SetStatus(codes.Error, run.Error)
	}
	x.logger.Info("run finished",
		slog.String("status", string(run.Status)),
		slog.Int("nodes_completed", run.NodesCompleted),
		slog.Duration("duration", run.Duration()),
	)
	return run
}

// runNode launches the node's workers and records how the node ended.
func (x *executor) runNode(ctx context.Context, nr *nodeRun) {
	nr.setStatus(StatusRunning)
	attrs := metric.WithAttributes(attribute.String("node", nr.rn.ID))

	workers := max(1, nr.rn.Policy.Workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			x.metrics.activeWorkers.Add(ctx, 1, attrs)
			defer x.metrics.activeWorkers.Add(ctx, -1, attrs)

			err := x.work(ctx, nr)
			if err != nil && !isInterrupted(err) && x.plan.FailurePolicy != graph.Continue {
				x.cancel(&nodeFailedError{node: nr.rn.ID, err: err})
			}
			return err
		})
	}
	x.finishNode(nr, g.Wait())
}

func (x *executor) work(ctx context.Context, nr *nodeRun) error {
	switch nr.rn.Kind {
	case graph.KindSource:
		return x.runSource(ctx, nr)
	case graph.KindTransform:
		return x.runTransform(ctx, nr)
	case graph.KindSwitch:
		return x.runSwitch(ctx, nr)
	case graph.KindSink:
		return x.runSink(ctx, nr)
	}
	return fmt.Errorf("%w: node %s has kind %q", pipeline.ErrInvalidInput, nr.rn.ID, nr.rn.Kind)
}

func (x *executor) finishNode(nr *nodeRun, err error) {
	log := x.logger.With(slog.String("node", nr.rn.ID))
	switch {
	case err == nil:
		for _, q := range nr.outs {
			q.close()
		}
		if nr.partial.Load() {
			nr.setStatus(StatusPartialFailure)
			log.Warn("node finished with dropped batches", slog.Int64("batches_failed", nr.batchesFailed.Load()))
		} else {
			nr.setStatus(StatusSuccess)
			log.Debug("node finished")
		}

	case isInterrupted(err):
		nr.mu.Lock()
		nr.interrupted = true
		nr.status = StatusCancelled
		nr.mu.Unlock()

	default:
		nr.noteError(err)
		nr.setStatus(StatusFailure)
		log.Error("node failed", slog.String("error", err.Error()))
		if x.plan.FailurePolicy == graph.Continue {
			// Let downstream drain what was already delivered.
			for _, q := range nr.outs {
				q.close()
			}
		}
	}
}

// finish resolves interrupted nodes and the run status.
//
// An interrupted node whose upstream producers all failed or were skipped
// is skipped; any other interrupted node is cancelled.
func (x *executor) finish(cause error) {
	var (
		anyInterrupted bool
		anyFailure     bool
		anyNotSuccess  bool
		firstFailure   error
	)
	for _, nr := range x.nodes {
		nr.mu.Lock()
		interrupted := nr.interrupted
		nr.mu.Unlock()

		if interrupted {
			anyInterrupted = true
			if x.upstreamDead(nr) {
				nr.setStatus(StatusSkipped)
			}
		}

		st := nr.state()
		switch st.Status {
		case StatusSuccess:
		case StatusFailure:
			anyFailure = true
			anyNotSuccess = true
			if firstFailure == nil {
				firstFailure = fmt.Errorf("node %s: %s", nr.rn.ID, st.Error)
			}
		default:
			anyNotSuccess = true
		}
	}

	status := StatusSuccess
	var runErr error
	switch {
	case anyInterrupted && errors.Is(cause, pipeline.ErrGraphTimeout):
		status, runErr = StatusFailure, pipeline.ErrGraphTimeout
	case anyFailure && x.plan.FailurePolicy != graph.Continue:
		status, runErr = StatusFailure, firstFailure
	case anyInterrupted && cause != nil:
		status, runErr = StatusCancelled, &pipeline.CancellationError{Cause: cause}
	case anyNotSuccess:
		status, runErr = StatusPartialFailure, firstFailure
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.status = status
	x.finishedAt = time.Now()
	if runErr != nil {
		x.errMsg = runErr.Error()
	}
}

func (x *executor) upstreamDead(nr *nodeRun) bool {
	ups := x.plan.Upstream(nr.rn.ID)
	if len(ups) == 0 {
		return false
	}
	for _, id := range ups {
		switch x.byID[id].state().Status {
		case StatusFailure, StatusSkipped:
		default:
			return false
		}
	}
	return true
}

// snapshot returns the current run state.
func (x *executor) snapshot() Run {
	x.mu.Lock()
	run := Run{
		ID:          x.id,
		PlanID:      x.plan.ID,
		PlanName:    x.plan.Name,
		Status:      x.status,
		CursorScope: x.scope,
		Resumed:     x.opts.Resume,
		StartedAt:   x.startedAt,
		FinishedAt:  x.finishedAt,
		Error:       x.errMsg,
	}
	x.mu.Unlock()

	run.Nodes = make(map[string]NodeState, len(x.nodes))
	for _, nr := range x.nodes {
		st := nr.state()
		run.Nodes[nr.rn.ID] = st
		if st.Status == StatusSuccess {
			run.NodesCompleted++
		}
	}
	return run
}
