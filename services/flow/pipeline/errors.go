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
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the flow packages.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCancelled is the cancellation cause for an explicit cancel request.
	ErrCancelled = errors.New("run cancelled")

	// ErrGraphTimeout is the cancellation cause when the graph timeout fires.
	ErrGraphTimeout = errors.New("graph timeout exceeded")

	// ErrRetriesExhausted wraps the last error once a batch ran out of retries.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ConnectionError reports that an external backend could not be reached.
// Always retryable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err as a ConnectionError.
func NewConnectionError(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Err: err}
}

// TimeoutError reports that a single capability call exceeded its node
// timeout. Retryable at batch level.
type TimeoutError struct {
	Node    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s: call exceeded timeout of %s", e.Node, e.Timeout)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// CancellationError reports an explicit cancel or a run-level timeout.
// Never retried.
type CancellationError struct {
	Cause error
}

func (e *CancellationError) Error() string {
	if e.Cause == nil {
		return "cancelled"
	}
	return "cancelled: " + e.Cause.Error()
}

func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// ProcessError reports that an action failed on a batch.
type ProcessError struct {
	Node         string
	Err          error
	NonRetryable bool
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// NewProcessError wraps err as a retryable ProcessError for node.
func NewProcessError(node string, err error) *ProcessError {
	return &ProcessError{Node: node, Err: err}
}

// permanentError marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Capabilities use it for failures
// caused by the input itself, such as schema violations. Returns nil for a
// nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable classifies an error for the retry loop.
//
// Cancellation and context errors are never retried. Errors marked with
// Permanent, and ProcessErrors flagged NonRetryable, are never retried.
// Connection errors, timeouts, and anything unclassified are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cancelErr *CancellationError
	if errors.As(err, &cancelErr) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var procErr *ProcessError
	if errors.As(err, &procErr) && procErr.NonRetryable {
		return false
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
