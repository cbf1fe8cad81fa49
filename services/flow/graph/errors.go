// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error categories. Every ValidationError unwraps to one of these.
var (
	ErrEmptyNodeID        = errors.New("empty node id")
	ErrDuplicateNode      = errors.New("duplicate node id")
	ErrUnknownKind        = errors.New("unknown node kind")
	ErrUnknownNode        = errors.New("edge references unknown node")
	ErrDuplicateEdge      = errors.New("duplicate edge")
	ErrInvalidPort        = errors.New("invalid port")
	ErrArity              = errors.New("invalid edge arity for node kind")
	ErrSwitchUnmatched    = errors.New("switch must set exactly one of default_port or drop_unmatched")
	ErrUnusedPort         = errors.New("switch port has no outbound edge")
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrInvalidParams      = errors.New("invalid parameters")
	ErrInvalidPolicy      = errors.New("invalid policy")
	ErrCycle              = errors.New("cycle detected")
	ErrUnreachable        = errors.New("node not reachable from any source")
	ErrDeadEnd            = errors.New("node does not reach any sink")
	ErrNoNodes            = errors.New("graph has no nodes")
	ErrCapabilityMismatch = errors.New("capability does not match node kind")
)

// Validation checks, in the order they run.
const (
	CheckUniqueIDs    = 1
	CheckEdges        = 2
	CheckCapabilities = 3
	CheckAcyclic      = 4
	CheckReachability = 5
)

// ValidationError is a single problem found in a graph definition.
type ValidationError struct {
	// Check is the validation stage (CheckUniqueIDs..CheckReachability).
	Check int `json:"check"`

	// Err is the category sentinel.
	Err error `json:"-"`

	// Node is the offending node id, if any.
	Node string `json:"node,omitempty"`

	// Edge is the offending edge index, or -1.
	Edge int `json:"edge"`

	// Detail is extra human-readable context.
	Detail string `json:"detail,omitempty"`
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Node != "" {
		fmt.Fprintf(&b, "node %q: ", e.Node)
	}
	if e.Edge >= 0 {
		fmt.Fprintf(&b, "edge %d: ", e.Edge)
	}
	b.WriteString(e.Err.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Code returns a stable machine-readable name for the category.
func (e *ValidationError) Code() string {
	return strings.ReplaceAll(e.Err.Error(), " ", "_")
}

// ValidationErrors is every problem found by Validate, in check order.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return "graph validation failed: " + v[0].Error()
	}
	lines := make([]string, 0, len(v)+1)
	lines = append(lines, fmt.Sprintf("graph validation failed with %d errors:", len(v)))
	for _, e := range v {
		lines = append(lines, "  - "+e.Error())
	}
	return strings.Join(lines, "\n")
}

// Unwrap exposes each error to errors.Is and errors.As.
func (v ValidationErrors) Unwrap() []error {
	out := make([]error, len(v))
	for i, e := range v {
		out[i] = e
	}
	return out
}

// CompileError reports a capability that failed to bind at compile time.
type CompileError struct {
	Node       string
	Capability string
	Err        error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile node %q (capability %q): %v", e.Node, e.Capability, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
