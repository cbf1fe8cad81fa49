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
	"reflect"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

// envelope is one batch in flight on an edge, together with the ack
// tokens it holds a reference on.
type envelope struct {
	batch  pipeline.Batch
	tokens []*ackToken
	weight int64
}

// =============================================================================
// Edge queue
// =============================================================================

// queue is the bounded FIFO behind one edge. Capacity is counted in items:
// a push blocks while the queue already holds capacity items. A batch
// larger than the whole capacity is admitted alone.
//
// Thread Safety: push is safe from many producers; close must be called
// exactly once, after every producer has stopped pushing.
type queue struct {
	edge     int
	capacity int64
	slots    *semaphore.Weighted
	ch       chan envelope
	once     sync.Once
}

func newQueue(edge, capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{
		edge:     edge,
		capacity: int64(capacity),
		slots:    semaphore.NewWeighted(int64(capacity)),
		// Every envelope holds at least one slot, so the channel never
		// holds more than capacity envelopes and sends never block.
		ch: make(chan envelope, capacity),
	}
}

// push enqueues env, blocking while the queue is full.
func (q *queue) push(ctx context.Context, env envelope) error {
	env.weight = min(int64(len(env.batch)), q.capacity)
	if env.weight < 1 {
		env.weight = 1
	}
	if err := q.slots.Acquire(ctx, env.weight); err != nil {
		return err
	}
	q.ch <- env
	return nil
}

// done returns the slots held by a dequeued envelope.
func (q *queue) done(env envelope) {
	q.slots.Release(env.weight)
}

func (q *queue) close() {
	q.once.Do(func() { close(q.ch) })
}

// =============================================================================
// Merger
// =============================================================================

// merger pops envelopes from a node's inbound queues.
//
// Description:
//
//	Queues are served round-robin: each pop starts scanning at the queue
//	after the one served last and takes the first envelope available, so
//	a busy edge cannot starve a slower one. When nothing is available the
//	merger blocks on every open queue at once. Closed queues drop out.
//
// Thread Safety: Safe for concurrent use by a node's workers.
type merger struct {
	mu     sync.Mutex
	queues []*queue
	next   int
}

func newMerger(queues []*queue) *merger {
	return &merger{queues: append([]*queue(nil), queues...)}
}

func (m *merger) remove(i int) {
	m.queues = append(m.queues[:i], m.queues[i+1:]...)
	if m.next > i {
		m.next--
	}
	if len(m.queues) > 0 {
		m.next %= len(m.queues)
	} else {
		m.next = 0
	}
}

func (m *merger) served(i int, env envelope) envelope {
	m.queues[i].done(env)
	m.next = (i + 1) % len(m.queues)
	return env
}

// tryPop takes the next available envelope without blocking.
// Must be called with m.mu held.
func (m *merger) tryPop() (envelope, bool) {
scan:
	for len(m.queues) > 0 {
		for k := 0; k < len(m.queues); k++ {
			i := (m.next + k) % len(m.queues)
			select {
			case env, ok := <-m.queues[i].ch:
				if !ok {
					m.remove(i)
					continue scan
				}
				return m.served(i, env), true
			default:
			}
		}
		return envelope{}, false
	}
	return envelope{}, false
}

// pop blocks until an envelope is available. ok is false once every
// inbound queue is closed and drained.
func (m *merger) pop(ctx context.Context) (envelope, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popLocked(ctx)
}

func (m *merger) popLocked(ctx context.Context) (envelope, bool, error) {
	for {
		if env, ok := m.tryPop(); ok {
			return env, true, nil
		}
		if len(m.queues) == 0 {
			return envelope{}, false, nil
		}

		cases := make([]reflect.SelectCase, 0, len(m.queues)+1)
		for _, q := range m.queues {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(q.ch)})
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

		chosen, recv, ok := reflect.Select(cases)
		if chosen == len(m.queues) {
			return envelope{}, false, ctx.Err()
		}
		if !ok {
			m.remove(chosen)
			continue
		}
		return m.served(chosen, recv.Interface().(envelope)), true, nil
	}
}

// unit is the work a node worker takes from its merger in one pull.
type unit struct {
	items  pipeline.Batch
	tokens []*ackToken
}

// pull blocks for one envelope, then adds envelopes that are already
// available until the unit holds at least max items.
func (m *merger) pull(ctx context.Context, max int) (unit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok, err := m.popLocked(ctx)
	if err != nil || !ok {
		return unit{}, ok, err
	}
	u := unit{items: env.batch, tokens: env.tokens}
	for len(u.items) < max {
		env, ok := m.tryPop()
		if !ok {
			break
		}
		u.items = append(u.items[:len(u.items):len(u.items)], env.batch...)
		u.tokens = append(u.tokens, env.tokens...)
	}
	return u, true, nil
}

// chunks splits b into consecutive slices of at most size items.
func chunks(b pipeline.Batch, size int) []pipeline.Batch {
	if size < 1 || len(b) <= size {
		return []pipeline.Batch{b}
	}
	out := make([]pipeline.Batch, 0, (len(b)+size-1)/size)
	for len(b) > size {
		out = append(out, b[:size:size])
		b = b[size:]
	}
	return append(out, b)
}
