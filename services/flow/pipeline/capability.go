// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
)

// =============================================================================
// Source
// =============================================================================

// Source is a resumable reader over an external backend.
//
// Description:
//
//	Open starts a finite read positioned just after the given cursor. The
//	returned Iterator yields items together with the cursor that resumes
//	after that item. Open must be callable again with any cursor the source
//	returned earlier; the engine relies on this both for resume and for
//	retrying a failed read.
//
//	Paginated backends should use keyset pagination (see the cursor
//	package) so resumption stays correct under concurrent inserts.
type Source interface {
	Open(ctx context.Context, from Cursor) (Iterator, error)
}

// Iterator yields (item, nextCursor) pairs.
//
// Next returns io.EOF once the backend is exhausted. Close releases
// backend resources and is always called by the engine.
type Iterator interface {
	Next(ctx context.Context) (Item, Cursor, error)
	Close() error
}

// =============================================================================
// Sink
// =============================================================================

// Sink writes batches to an external system.
//
// Batches are not assumed atomic. A non-nil error means nothing in the
// batch should be considered written. Otherwise Ack reports which items,
// if any, failed individually.
type Sink interface {
	Write(ctx context.Context, batch Batch) (Ack, error)
}

// Ack acknowledges a sink write.
type Ack struct {
	// Written is the number of items durably accepted.
	Written int

	// Failed lists items the sink rejected.
	Failed []ItemFailure
}

// ItemFailure describes one rejected item in an otherwise successful write.
type ItemFailure struct {
	ItemID string
	Err    error
}

// =============================================================================
// Action
// =============================================================================

// Action transforms a batch into a new batch.
//
// Parameters are validated and bound when the action is built from the
// registry, so Execute is a pure function of its input. Replaying the same
// batch must be safe, since the engine retries failed batches.
type Action interface {
	Execute(ctx context.Context, items Batch) (Batch, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, items Batch) (Batch, error)

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, items Batch) (Batch, error) {
	return f(ctx, items)
}

// =============================================================================
// Router
// =============================================================================

// Router evaluates the condition of a switch node.
//
// Route returns the out port for an item. matched=false sends the item to
// the node's unmatched handling (default port or drop), which the graph
// definition must state explicitly.
type Router interface {
	Route(ctx context.Context, item Item) (port string, matched bool, err error)

	// Ports lists every port Route can return.
	Ports() []string
}
