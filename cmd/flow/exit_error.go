// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitPartialFailure = 2
	ExitInvalidGraph   = 3
)

// ExitError carries a process exit code through cobra.
//
// # Example
//
//	return &ExitError{Code: ExitInvalidGraph, Err: err}
type ExitError struct {
	// Code is the process exit code.
	Code int

	// Err is printed to stderr when set. A nil Err exits silently, for
	// commands that already reported the problem.
	Err error
}

// Error returns the wrapped message with the exit code.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return fmt.Sprintf("%v (exit %d)", e.Err, e.Code)
}

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error { return e.Err }

// exitForRun maps a finished run to an exit error, or nil on success.
func exitForRun(run engine.Run) error {
	switch run.Status {
	case engine.StatusSuccess:
		return nil
	case engine.StatusPartialFailure:
		return &ExitError{Code: ExitPartialFailure}
	default:
		return &ExitError{Code: ExitFailure}
	}
}
