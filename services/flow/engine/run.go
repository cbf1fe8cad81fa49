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
	"errors"
	"time"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Status is the lifecycle state of a run or of one node within a run.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusFailure        Status = "failure"
	StatusSkipped        Status = "skipped"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartialFailure, StatusFailure, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// NodeState is the observable state of one node in a run.
type NodeState struct {
	Status        Status `json:"status"`
	ItemsIn       int64  `json:"items_in"`
	ItemsOut      int64  `json:"items_out"`
	BatchesFailed int64  `json:"batches_failed"`
	Retries       int64  `json:"retries"`
	Error         string `json:"error,omitempty"`
}

// Run is a point-in-time snapshot of one execution of a plan.
type Run struct {
	ID       string               `json:"id"`
	PlanID   string               `json:"plan_id"`
	PlanName string               `json:"plan_name"`
	Status   Status               `json:"status"`
	Nodes    map[string]NodeState `json:"nodes"`

	// NodesCompleted counts nodes that finished with StatusSuccess.
	NodesCompleted int `json:"nodes_completed"`

	CursorScope string    `json:"cursor_scope"`
	Resumed     bool      `json:"resumed"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Duration returns the run's wall time so far.
func (r Run) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunOptions controls a single execution.
type RunOptions struct {
	// Resume starts each source from its last committed cursor instead of
	// the initial cursor.
	Resume bool `json:"resume"`

	// CursorScope namespaces committed cursors. Defaults to the plan name,
	// or the plan id for unnamed plans.
	CursorScope string `json:"cursor_scope,omitempty"`
}
