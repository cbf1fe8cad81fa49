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
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

// ackToken tracks delivery of one source batch.
//
// Every envelope derived from the batch holds one reference. The token
// completes when the last reference is released, which happens only after
// every sink downstream has acknowledged (or deliberately dropped) all
// items derived from the batch. A token marked failed still completes,
// but its batch was not fully delivered.
type ackToken struct {
	tracker *sourceTracker
	seq     int64
	cursor  pipeline.Cursor
	refs    atomic.Int64
	failed  atomic.Bool
}

func (t *ackToken) acquire() {
	t.refs.Add(1)
}

// fail records that some items derived from the batch were dropped after
// failing. It must be called before the caller's reference is released.
func (t *ackToken) fail() {
	t.failed.Store(true)
}

func (t *ackToken) release() {
	if t.refs.Add(-1) == 0 {
		t.tracker.complete(t.seq, t.cursor, t.failed.Load())
	}
}

// completion is a finished batch waiting for the watermark to reach it.
type completion struct {
	cursor pipeline.Cursor
	failed bool
}

// sourceTracker turns out-of-order batch completions into an in-order
// cursor watermark: the cursor of batch k is committed only once batches
// 0..k have all completed. The watermark stops for good before the first
// failed batch, so a resumed run reads the failed items again.
type sourceTracker struct {
	commit func(pipeline.Cursor)

	mu        sync.Mutex
	issued    int64
	next      int64
	completed map[int64]completion
	committed pipeline.Cursor
}

func newSourceTracker(commit func(pipeline.Cursor)) *sourceTracker {
	return &sourceTracker{commit: commit, completed: make(map[int64]completion)}
}

// issue returns a token for the next batch holding one reference for the
// caller.
func (s *sourceTracker) issue(cursor pipeline.Cursor) *ackToken {
	s.mu.Lock()
	seq := s.issued
	s.issued++
	s.mu.Unlock()

	t := &ackToken{tracker: s, seq: seq, cursor: cursor}
	t.refs.Store(1)
	return t
}

func (s *sourceTracker) complete(seq int64, cursor pipeline.Cursor, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed[seq] = completion{cursor: cursor, failed: failed}
	advanced := false
	for {
		c, ok := s.completed[s.next]
		if !ok || c.failed {
			break
		}
		delete(s.completed, s.next)
		s.next++
		s.committed = c.cursor
		advanced = true
	}
	// Commits run under the lock so the store sees them in order.
	if advanced && s.commit != nil {
		s.commit(s.committed)
	}
}

// watermark returns the last committed cursor.
func (s *sourceTracker) watermark() pipeline.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func acquireAll(tokens []*ackToken) {
	for _, t := range tokens {
		t.acquire()
	}
}

func failAll(tokens []*ackToken) {
	for _, t := range tokens {
		t.fail()
	}
}

func releaseAll(tokens []*ackToken) {
	for _, t := range tokens {
		t.release()
	}
}

// distinct returns tokens with duplicates removed, preserving order. A unit
// merged from several envelopes of the same source batch (a diamond in the
// graph) holds the token more than once; derived output needs it once.
func distinct(tokens []*ackToken) []*ackToken {
	if len(tokens) < 2 {
		return tokens
	}
	seen := make(map[*ackToken]struct{}, len(tokens))
	out := make([]*ackToken, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
