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
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

// backoffDelay returns the wait before retry number attempt (0-based).
//
//	fixed:       initial
//	exponential: initial * 2^attempt
//	jitter:      half the exponential delay plus a random share of the other half
//
// Every result is capped at MaxDelay.
func backoffDelay(p graph.Retry, attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = graph.DefaultInitialDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = graph.DefaultMaxDelay
	}

	d := initial
	if p.Backoff != graph.BackoffFixed {
		for i := 0; i < attempt && d < maxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, maxDelay)

	if p.Backoff == graph.BackoffJitter && d > 1 {
		half := d / 2
		d = half + rand.N(d-half+1)
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callResult carries a capability call's outputs across goroutines.
type callResult[T any] struct {
	val T
	err error
}

// callWithTimeout runs fn under a per-call deadline.
//
// With abandon set, fn runs on its own goroutine and the caller stops
// waiting as soon as the deadline passes or ctx is cancelled, even if fn
// ignores its context. The abandoned call's result is discarded; when it
// eventually succeeds, late (if non-nil) receives the value on that
// goroutine so resources it holds can be released.
//
// A deadline that expires while ctx is still live is reported as
// *pipeline.TimeoutError so the retry policy can act on it.
func callWithTimeout[T any](ctx context.Context, node string, timeout time.Duration, abandon bool, fn func(context.Context) (T, error), late func(T)) (T, error) {
	cctx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var res callResult[T]
	if abandon {
		done := make(chan callResult[T])
		abandoned := make(chan struct{})
		go func() {
			v, err := fn(cctx)
			select {
			case done <- callResult[T]{val: v, err: err}:
			case <-abandoned:
				if err == nil && late != nil {
					late(v)
				}
			}
		}()
		select {
		case res = <-done:
		case <-cctx.Done():
			close(abandoned)
			res.err = cctx.Err()
		}
	} else {
		res.val, res.err = fn(cctx)
	}

	if res.err == nil {
		return res.val, nil
	}
	if ctx.Err() != nil {
		var zero T
		return zero, runInterrupted(ctx)
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		var zero T
		return zero, &pipeline.TimeoutError{Node: node, Timeout: timeout}
	}
	return res.val, res.err
}

// runInterrupted is the error a node returns when the run context ends.
func runInterrupted(ctx context.Context) error {
	return &pipeline.CancellationError{Cause: context.Cause(ctx)}
}

// isInterrupted reports whether err means the run context ended rather
// than the node failing on its own.
func isInterrupted(err error) bool {
	var ce *pipeline.CancellationError
	return errors.As(err, &ce)
}
