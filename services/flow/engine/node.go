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
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// invoke runs one capability call for node nr.
//
// The global concurrency slot is held only for the duration of the call,
// never while the node waits on a queue. Per-item calls (reads, routes) are
// not traced individually. late is passed to callWithTimeout and runs under
// the same capability lock as fn.
func invoke[T any](ctx context.Context, x *executor, nr *nodeRun, op string, abandon bool, fn func(context.Context) (T, error), late func(T)) (T, error) {
	if x.global != nil {
		if err := x.global.Acquire(ctx, 1); err != nil {
			var zero T
			return zero, runInterrupted(ctx)
		}
		defer x.global.Release(1)
	}

	if nr.rn.Traits.SingleThreaded {
		mu, inner := nr.rn.CallLock(), fn
		fn = func(c context.Context) (T, error) {
			mu.Lock()
			defer mu.Unlock()
			return inner(c)
		}
		if late != nil {
			innerLate := late
			late = func(v T) {
				mu.Lock()
				defer mu.Unlock()
				innerLate(v)
			}
		}
	}

	perItem := op == "read" || op == "route"
	var span trace.Span
	if !perItem {
		ctx, span = tracer.Start(ctx, "node."+op, trace.WithAttributes(
			attribute.String("run.id", x.id),
			attribute.String("node.id", nr.rn.ID),
			attribute.String("node.capability", nr.rn.Capability),
		))
		defer span.End()
	}

	start := time.Now()
	v, err := callWithTimeout(ctx, nr.rn.ID, nr.rn.Policy.Timeout, abandon, fn, late)
	if !perItem {
		x.metrics.recordBatch(ctx, nr.rn.ID, op, time.Since(start), err)
		telemetry.RecordError(span, err)
	}
	return v, err
}

// retry calls fn until it succeeds, fails permanently, or the node's retry
// budget is spent. Waits between attempts end early when ctx is cancelled.
func (x *executor) retry(ctx context.Context, nr *nodeRun, fn func(context.Context) error) error {
	p := nr.rn.Policy.Retry
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return runInterrupted(ctx)
		}
		if !pipeline.IsRetryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			if p.MaxRetries > 0 {
				return fmt.Errorf("%w after %d retries: %w", pipeline.ErrRetriesExhausted, attempt, err)
			}
			return err
		}

		delay := backoffDelay(p, attempt)
		nr.retries.Add(1)
		x.metrics.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("node", nr.rn.ID)))
		x.logger.Debug("retrying",
			slog.String("node", nr.rn.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return runInterrupted(ctx)
		}
	}
}

// batchFailed applies the failure policy to a batch that exhausted its
// retries. It returns nil when the batch is dropped and the node continues.
// The batch's tokens are marked failed so the source cursor stays before it.
func (x *executor) batchFailed(ctx context.Context, nr *nodeRun, err error, items int, tokens []*ackToken) error {
	if isInterrupted(err) {
		return err
	}
	failAll(tokens)
	nr.batchesFailed.Add(1)
	x.metrics.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("node", nr.rn.ID)))

	if x.plan.FailurePolicy != graph.Continue {
		return err
	}
	nr.partial.Store(true)
	nr.noteError(err)
	x.logger.Warn("dropping failed batch",
		slog.String("node", nr.rn.ID),
		slog.Int("items", items),
		slog.String("error", err.Error()),
	)
	return nil
}

// emit pushes batch to every queue in qs. Each envelope takes its own
// reference on every token.
func (x *executor) emit(ctx context.Context, qs []*queue, batch pipeline.Batch, tokens []*ackToken) error {
	for _, q := range qs {
		acquireAll(tokens)
		if err := q.push(ctx, envelope{batch: batch, tokens: tokens}); err != nil {
			return runInterrupted(ctx)
		}
	}
	return nil
}

// =============================================================================
// Sources
// =============================================================================

type readResult struct {
	item   pipeline.Item
	cursor pipeline.Cursor
}

// errIteratorClosed is returned by a guarded iterator after close.
var errIteratorClosed = errors.New("iterator closed")

// guardedIterator lets the engine discard an iterator while an abandoned
// Next is still running on it. close never runs concurrently with Next:
// when a call is in flight, the iterator is closed by that call as soon as
// it returns.
type guardedIterator struct {
	it   pipeline.Iterator
	lock *sync.Mutex // capability lock for single-threaded sources, or nil

	mu      sync.Mutex
	busy    bool
	closing bool
}

func newGuardedIterator(it pipeline.Iterator, rn *graph.ResolvedNode) *guardedIterator {
	g := &guardedIterator{it: it}
	if rn.Traits.SingleThreaded {
		g.lock = rn.CallLock()
	}
	return g
}

// next calls Next on the wrapped iterator. It runs inside invoke, so the
// capability lock is already held when the source needs one.
func (g *guardedIterator) next(ctx context.Context) (pipeline.Item, pipeline.Cursor, error) {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return pipeline.Item{}, nil, errIteratorClosed
	}
	g.busy = true
	g.mu.Unlock()

	item, cur, err := g.it.Next(ctx)

	g.mu.Lock()
	g.busy = false
	closeNow := g.closing
	g.mu.Unlock()
	if closeNow {
		_ = g.it.Close()
	}
	return item, cur, err
}

// close closes the wrapped iterator now, or hands that to the Next call in
// flight. Only the first call has any effect.
func (g *guardedIterator) close() error {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil
	}
	g.closing = true
	busy := g.busy
	g.mu.Unlock()
	if busy {
		return nil
	}
	if g.lock != nil {
		g.lock.Lock()
		defer g.lock.Unlock()
	}
	return g.it.Close()
}

// closeIterator releases an iterator whose open call was abandoned.
func closeIterator(it pipeline.Iterator) {
	if it != nil {
		_ = it.Close()
	}
}

// runSource reads from the node's source and fans batches out to every
// outbound edge. A retryable read error reopens the source from the cursor
// of the last item read.
func (x *executor) runSource(ctx context.Context, nr *nodeRun) error {
	rn := nr.rn
	pol := rn.Policy

	var limiter *rate.Limiter
	if pol.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(pol.RateLimit), max(1, int(pol.RateLimit)))
	}

	last := nr.start
	var it *guardedIterator
	defer func() {
		if it != nil {
			_ = it.close()
		}
	}()

	batch := make(pipeline.Batch, 0, pol.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		tok := nr.tracker.issue(last)
		nr.itemsOut.Add(int64(len(batch)))
		x.metrics.recordItems(ctx, rn.ID, "out", len(batch))
		err := x.emit(ctx, nr.outs, batch, []*ackToken{tok})
		tok.release()
		batch = make(pipeline.Batch, 0, pol.BatchSize)
		return err
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return runInterrupted(ctx)
			}
		}

		var (
			read readResult
			eof  bool
		)
		err := x.retry(ctx, nr, func(ctx context.Context) error {
			if it == nil {
				from := last
				opened, err := invoke(ctx, x, nr, "open", true, func(c context.Context) (pipeline.Iterator, error) {
					return rn.Source.Open(c, from)
				}, closeIterator)
				if err != nil {
					return err
				}
				it = newGuardedIterator(opened, rn)
			}

			iter := it
			r, err := invoke(ctx, x, nr, "read", true, func(c context.Context) (readResult, error) {
				item, cur, err := iter.next(c)
				return readResult{item: item, cursor: cur}, err
			}, nil)
			if errors.Is(err, io.EOF) {
				eof = true
				return nil
			}
			if err != nil {
				if !isInterrupted(err) {
					_ = iter.close()
					it = nil
				}
				return err
			}
			read = r
			return nil
		})
		if err != nil {
			if x.plan.FailurePolicy == graph.Continue && !isInterrupted(err) {
				// Items read before the failure are still delivered.
				if ferr := flush(); ferr != nil {
					return ferr
				}
			}
			return err
		}
		if eof {
			return flush()
		}

		batch = append(batch, read.item)
		last = read.cursor
		if len(batch) >= pol.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// =============================================================================
// Transforms
// =============================================================================

func (x *executor) runTransform(ctx context.Context, nr *nodeRun) error {
	rn := nr.rn
	for {
		u, ok, err := nr.in.pull(ctx, rn.Policy.BatchSize)
		if err != nil {
			return runInterrupted(ctx)
		}
		if !ok {
			return nil
		}
		nr.itemsIn.Add(int64(len(u.items)))
		x.metrics.recordItems(ctx, rn.ID, "in", len(u.items))

		tokens := distinct(u.tokens)
		for _, chunk := range chunks(u.items, rn.Policy.BatchSize) {
			var out pipeline.Batch
			err := x.retry(ctx, nr, func(ctx context.Context) error {
				res, err := invoke(ctx, x, nr, "execute", true, func(c context.Context) (pipeline.Batch, error) {
					return rn.Action.Execute(c, chunk)
				}, nil)
				out = res
				return err
			})
			if err != nil {
				if err := x.batchFailed(ctx, nr, err, len(chunk), tokens); err != nil {
					return err
				}
				continue
			}
			if len(out) == 0 {
				continue
			}
			nr.itemsOut.Add(int64(len(out)))
			x.metrics.recordItems(ctx, rn.ID, "out", len(out))
			if err := x.emit(ctx, nr.outs, out, tokens); err != nil {
				return err
			}
		}
		releaseAll(u.tokens)
	}
}

// =============================================================================
// Switches
// =============================================================================

type routeResult struct {
	port    string
	matched bool
}

// runSwitch sends each item to exactly one port. Unmatched items go to the
// default port or are dropped, as the node declares.
func (x *executor) runSwitch(ctx context.Context, nr *nodeRun) error {
	rn := nr.rn
	sw := rn.Switch
	ports := append([]string(nil), sw.Ports...)
	if sw.DefaultPort != "" {
		ports = append(ports, sw.DefaultPort)
	}

	for {
		u, ok, err := nr.in.pull(ctx, rn.Policy.BatchSize)
		if err != nil {
			return runInterrupted(ctx)
		}
		if !ok {
			return nil
		}
		nr.itemsIn.Add(int64(len(u.items)))
		x.metrics.recordItems(ctx, rn.ID, "in", len(u.items))

		routed := make(map[string]pipeline.Batch, len(ports))
		for _, item := range u.items {
			var r routeResult
			err := x.retry(ctx, nr, func(ctx context.Context) error {
				res, err := invoke(ctx, x, nr, "route", true, func(c context.Context) (routeResult, error) {
					port, matched, err := rn.Router.Route(c, item)
					return routeResult{port: port, matched: matched}, err
				}, nil)
				r = res
				return err
			})
			if err == nil && r.matched {
				if _, declared := nr.out[r.port]; !declared {
					err = &pipeline.ProcessError{Node: rn.ID, Err: fmt.Errorf("router chose undeclared port %q", r.port), NonRetryable: true}
				}
			}
			if err != nil {
				if err := x.batchFailed(ctx, nr, err, 1, u.tokens); err != nil {
					return err
				}
				continue
			}

			port := r.port
			if !r.matched {
				if sw.DropUnmatched {
					continue
				}
				port = sw.DefaultPort
			}
			routed[port] = append(routed[port], item)
		}

		tokens := distinct(u.tokens)
		for _, port := range ports {
			b := routed[port]
			if len(b) == 0 {
				continue
			}
			nr.itemsOut.Add(int64(len(b)))
			x.metrics.recordItems(ctx, rn.ID, "out", len(b))
			if err := x.emit(ctx, nr.out[port], b, tokens); err != nil {
				return err
			}
		}
		releaseAll(u.tokens)
	}
}

// =============================================================================
// Sinks
// =============================================================================

// runSink writes batches and releases their tokens once acknowledged. When
// a sink reports per-item failures, only the failed items are retried.
// Writes are always awaited: a write is never abandoned mid-flight.
func (x *executor) runSink(ctx context.Context, nr *nodeRun) error {
	rn := nr.rn
	for {
		u, ok, err := nr.in.pull(ctx, rn.Policy.BatchSize)
		if err != nil {
			return runInterrupted(ctx)
		}
		if !ok {
			return nil
		}
		nr.itemsIn.Add(int64(len(u.items)))
		x.metrics.recordItems(ctx, rn.ID, "in", len(u.items))

		for _, chunk := range chunks(u.items, rn.Policy.BatchSize) {
			if err := x.writeChunk(ctx, nr, chunk); err != nil {
				if err := x.batchFailed(ctx, nr, err, len(chunk), u.tokens); err != nil {
					return err
				}
			}
		}
		releaseAll(u.tokens)
	}
}

func (x *executor) writeChunk(ctx context.Context, nr *nodeRun, chunk pipeline.Batch) error {
	rn := nr.rn
	pending := chunk
	var rejected []error

	err := x.retry(ctx, nr, func(ctx context.Context) error {
		ack, err := invoke(ctx, x, nr, "write", false, func(c context.Context) (pipeline.Ack, error) {
			return rn.Sink.Write(c, pending)
		}, nil)
		if err != nil {
			return err
		}
		nr.itemsOut.Add(int64(ack.Written))
		x.metrics.recordItems(ctx, rn.ID, "out", ack.Written)
		if len(ack.Failed) == 0 {
			pending = nil
			return nil
		}

		retry, perm, firstErr := splitFailures(pending, ack.Failed)
		rejected = append(rejected, perm...)
		pending = retry
		if len(pending) == 0 {
			return nil
		}
		return fmt.Errorf("%d items not acknowledged: %w", len(pending), firstErr)
	})
	if err != nil {
		return err
	}
	if len(rejected) > 0 {
		return pipeline.Permanent(fmt.Errorf("%d items rejected: %w", len(rejected), errors.Join(rejected...)))
	}
	return nil
}

// splitFailures partitions the failed items of pending into those worth
// retrying and the errors of those that are not.
func splitFailures(pending pipeline.Batch, failed []pipeline.ItemFailure) (retry pipeline.Batch, permanent []error, firstRetryable error) {
	byID := make(map[string]error, len(failed))
	for _, f := range failed {
		err := f.Err
		if err == nil {
			err = errors.New("write not acknowledged")
		}
		byID[f.ItemID] = err
	}
	for _, item := range pending {
		err, ok := byID[item.ID]
		if !ok {
			continue
		}
		if pipeline.IsRetryable(err) {
			retry = append(retry, item)
			if firstRetryable == nil {
				firstRetryable = err
			}
			continue
		}
		permanent = append(permanent, fmt.Errorf("item %s: %w", item.ID, err))
	}
	return retry, permanent, firstRetryable
}
