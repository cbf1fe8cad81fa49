// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline defines the vocabulary shared by every flow package:
// data items, opaque cursors, the four capability contracts, and the error
// taxonomy.
//
// # Capabilities
//
//	Source  Open(ctx, cursor) -> Iterator of (item, nextCursor)
//	Action  Execute(ctx, batch) -> batch
//	Router  Route(ctx, item) -> port
//	Sink    Write(ctx, batch) -> Ack
//
// Capabilities are built by factories in the registry package and bound
// to graph nodes at compile time.
//
// # Errors
//
//	ConnectionError    backend unreachable        retryable
//	TimeoutError       call exceeded node budget  retryable
//	ProcessError       action failed on a batch   retryable unless NonRetryable
//	CancellationError  explicit cancel or timeout never retried
//
// Wrap any error with Permanent to stop the engine from retrying it.
package pipeline
