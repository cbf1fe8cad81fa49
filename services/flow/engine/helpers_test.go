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
	"io"
	"log/slog"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// =============================================================================
// Test capabilities
// =============================================================================

// sliceSource yields its items in order. The cursor after item k (1-based)
// is "k".
type sliceSource struct {
	items []pipeline.Item

	mu    sync.Mutex
	opens []string
}

func (s *sliceSource) Open(_ context.Context, from pipeline.Cursor) (pipeline.Iterator, error) {
	start := 0
	if !from.IsInitial() {
		n, err := strconv.Atoi(string(from))
		if err != nil {
			return nil, pipeline.Permanent(err)
		}
		start = n
	}
	s.mu.Lock()
	s.opens = append(s.opens, string(from))
	s.mu.Unlock()
	return &sliceIter{items: s.items, pos: start}, nil
}

func (s *sliceSource) Opens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opens...)
}

type sliceIter struct {
	items []pipeline.Item
	pos   int
}

func (it *sliceIter) Next(context.Context) (pipeline.Item, pipeline.Cursor, error) {
	if it.pos >= len(it.items) {
		return pipeline.Item{}, nil, io.EOF
	}
	item := it.items[it.pos]
	it.pos++
	return item, pipeline.Cursor(strconv.Itoa(it.pos)), nil
}

func (it *sliceIter) Close() error { return nil }

// trackedSource counts opens and iterator closes. The first Open and the
// first iterator's first Next can be slowed down; both ignore ctx. An
// iterator fails permanently once it reaches item failAfter.
type trackedSource struct {
	items     []pipeline.Item
	openDelay time.Duration
	nextDelay time.Duration
	failAfter int

	opens   atomic.Int32
	closes  atomic.Int32
	overlap atomic.Bool // a Close ran while Next was running
}

func (s *trackedSource) Open(_ context.Context, from pipeline.Cursor) (pipeline.Iterator, error) {
	n := s.opens.Add(1)
	if n == 1 && s.openDelay > 0 {
		time.Sleep(s.openDelay)
	}
	start := 0
	if !from.IsInitial() {
		v, err := strconv.Atoi(string(from))
		if err != nil {
			return nil, pipeline.Permanent(err)
		}
		start = v
	}
	it := &trackedIter{src: s, items: s.items, pos: start}
	if n == 1 {
		it.delay = s.nextDelay
	}
	return it, nil
}

type trackedIter struct {
	src     *trackedSource
	items   []pipeline.Item
	pos     int
	delay   time.Duration
	release chan struct{} // when set, the first Next waits for it to close

	active atomic.Bool
}

func (it *trackedIter) Next(context.Context) (pipeline.Item, pipeline.Cursor, error) {
	it.active.Store(true)
	defer it.active.Store(false)
	if it.release != nil {
		<-it.release
		it.release = nil
	}
	if it.delay > 0 {
		d := it.delay
		it.delay = 0
		time.Sleep(d)
	}
	if it.src.failAfter > 0 && it.pos >= it.src.failAfter {
		return pipeline.Item{}, nil, pipeline.Permanent(errors.New("backend gone"))
	}
	if it.pos >= len(it.items) {
		return pipeline.Item{}, nil, io.EOF
	}
	item := it.items[it.pos]
	it.pos++
	return item, pipeline.Cursor(strconv.Itoa(it.pos)), nil
}

func (it *trackedIter) Close() error {
	if it.active.Load() {
		it.src.overlap.Store(true)
	}
	it.src.closes.Add(1)
	it.items = nil
	return nil
}

// blockingSource never yields; Next waits for cancellation.
type blockingSource struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingSource() *blockingSource {
	return &blockingSource{started: make(chan struct{})}
}

func (s *blockingSource) Open(context.Context, pipeline.Cursor) (pipeline.Iterator, error) {
	return s, nil
}

func (s *blockingSource) Next(ctx context.Context) (pipeline.Item, pipeline.Cursor, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return pipeline.Item{}, nil, ctx.Err()
}

func (s *blockingSource) Close() error { return nil }

// collectSink records accepted items. hook, when set, decides the ack.
type collectSink struct {
	mu    sync.Mutex
	items []pipeline.Item
	calls [][]string
	hook  func(pipeline.Batch) (pipeline.Ack, error)
}

func (s *collectSink) Write(_ context.Context, b pipeline.Batch) (pipeline.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ids(b))

	ack := pipeline.Ack{Written: len(b)}
	if s.hook != nil {
		a, err := s.hook(b)
		if err != nil {
			return pipeline.Ack{}, err
		}
		ack = a
	}
	failed := make(map[string]bool, len(ack.Failed))
	for _, f := range ack.Failed {
		failed[f.ItemID] = true
	}
	for _, item := range b {
		if !failed[item.ID] {
			s.items = append(s.items, item)
		}
	}
	return ack, nil
}

func (s *collectSink) setHook(h func(pipeline.Batch) (pipeline.Ack, error)) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *collectSink) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ids(s.items)
}

func (s *collectSink) Calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.calls...)
}

// tagRouter routes by the "tag" field: tag t goes to port t+"s" when that
// port is known, otherwise the item is unmatched.
type tagRouter struct {
	ports []string
}

func (r tagRouter) Route(_ context.Context, item pipeline.Item) (string, bool, error) {
	v, _ := item.Field("tag")
	tag, _ := v.(string)
	for _, p := range r.ports {
		if p == tag+"s" {
			return p, true, nil
		}
	}
	return "", false, nil
}

func (r tagRouter) Ports() []string { return r.ports }

// inflight tracks the maximum number of concurrent calls.
type inflight struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (f *inflight) enter() {
	n := f.cur.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (f *inflight) leave() { f.cur.Add(-1) }

// =============================================================================
// Helpers
// =============================================================================

func ids(b pipeline.Batch) []string {
	out := make([]string, len(b))
	for i, item := range b {
		out[i] = item.ID
	}
	return out
}

// records builds n records with ids "1".."n", field n = i, and tags
// assigned round-robin.
func records(n int, tags ...string) []pipeline.Item {
	out := make([]pipeline.Item, n)
	for i := range n {
		fields := map[string]any{"n": i + 1}
		if len(tags) > 0 {
			fields["tag"] = tags[i%len(tags)]
		}
		out[i] = pipeline.NewItem(strconv.Itoa(i+1), pipeline.Record{Fields: fields})
	}
	return out
}

func passThrough(_ context.Context, b pipeline.Batch) (pipeline.Batch, error) {
	return b, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

func nd(id string, kind graph.Kind, capability string) graph.NodeDef {
	return graph.NodeDef{ID: id, Kind: kind, Capability: capability}
}

func ed(from, to string) graph.EdgeDef {
	return graph.EdgeDef{From: from, To: to}
}

// fixture registers test capabilities and compiles definitions against
// them.
type fixture struct {
	t   *testing.T
	reg *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, reg: registry.New()}
}

func (f *fixture) source(id string, s pipeline.Source) *fixture {
	f.reg.MustRegisterSource(id, registry.Spec{}, func(registry.Params) (pipeline.Source, error) { return s, nil })
	return f
}

func (f *fixture) sink(id string, s pipeline.Sink) *fixture {
	f.reg.MustRegisterSink(id, registry.Spec{}, func(registry.Params) (pipeline.Sink, error) { return s, nil })
	return f
}

func (f *fixture) action(id string, traits registry.Traits, fn pipeline.ActionFunc) *fixture {
	f.reg.MustRegisterAction(id, registry.Spec{Traits: traits}, func(registry.Params) (pipeline.Action, error) { return fn, nil })
	return f
}

func (f *fixture) router(id string, r pipeline.Router) *fixture {
	f.reg.MustRegisterRouter(id, registry.Spec{}, func(registry.Params) (pipeline.Router, error) { return r, nil })
	return f
}

func (f *fixture) compile(def *graph.Definition) *graph.Plan {
	f.t.Helper()
	plan, err := graph.Compile(context.Background(), def, f.reg)
	require.NoError(f.t, err)
	return plan
}

// linearDef is src -> act -> out.
func linearDef(name, src, act, out string) *graph.Definition {
	return &graph.Definition{
		Name: name,
		Nodes: graph.NodeList{
			nd("src", graph.KindSource, src),
			nd("act", graph.KindTransform, act),
			nd("out", graph.KindSink, out),
		},
		Edges: []graph.EdgeDef{ed("src", "act"), ed("act", "out")},
	}
}
