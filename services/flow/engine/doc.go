// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine executes compiled plans.
//
// Every node runs as a set of workers joined by bounded queues. A worker
// takes a batch from its merged inbound edges, calls the node's capability
// under the node's retry and timeout policy, and fans the result out to
// the downstream queues. Full queues block the producer, so a slow sink
// throttles its sources.
//
// # Delivery
//
// Source items carry an ack token. A token is released once every item
// derived from it has been written or deliberately dropped, and a source
// cursor is committed only up to the longest released prefix. Resuming a
// run therefore re-reads anything that was in flight: delivery is
// at-least-once.
//
// # Lifecycle
//
//	pending -> running -> success | partial_failure | failure | cancelled
//
// Executor.Execute runs a plan synchronously. Manager runs plans in the
// background, keeps their status, and persists finished runs to a RunStore.
package engine
