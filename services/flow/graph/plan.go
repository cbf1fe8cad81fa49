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
	"io"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// Plan is a compiled, immutable graph ready for execution.
//
// A Plan may be executed any number of times, including concurrently. Its
// capability instances are shared across runs; per-run state lives in the
// engine.
type Plan struct {
	ID       string
	Name     string
	Metadata map[string]string

	// Order is the deterministic topological order of node ids.
	Order []string

	Nodes map[string]*ResolvedNode
	Edges []PlannedEdge

	// MaxGlobal caps concurrently executing capability calls. 0 = no cap.
	MaxGlobal int

	// GraphTimeout bounds total run time. 0 = no bound.
	GraphTimeout time.Duration

	FailurePolicy FailurePolicy
}

// PlannedEdge is an edge with its resolved queue capacity.
type PlannedEdge struct {
	Index    int    `json:"index"`
	From     string `json:"from"`
	FromPort string `json:"from_port"`
	To       string `json:"to"`
	ToPort   string `json:"to_port"`
	Capacity int    `json:"capacity"`
}

// ResolvedNode binds a node to its capability instance and final policies.
type ResolvedNode struct {
	ID         string
	Kind       Kind
	Capability string
	Params     registry.Params
	Traits     registry.Traits
	Policy     NodePolicy

	// Exactly one of these is set, matching Kind.
	Source pipeline.Source
	Action pipeline.Action
	Sink   pipeline.Sink
	Router pipeline.Router

	// Switch is set for switch nodes.
	Switch *SwitchRoute

	// Inbound lists edge indices feeding this node, in definition order.
	Inbound []int

	// Outbound maps out port to edge indices, in definition order.
	Outbound map[string][]int

	// Position is the node's index in the definition.
	Position int

	callMu sync.Mutex
}

// CallLock returns the mutex that serializes calls into a single-threaded
// capability. It is shared by every run of the plan.
func (n *ResolvedNode) CallLock() *sync.Mutex { return &n.callMu }

// SwitchRoute is the explicit unmatched-item handling of a switch node.
type SwitchRoute struct {
	Ports         []string
	DefaultPort   string
	DropUnmatched bool
}

// NodePolicy is the fully resolved policy for a node.
type NodePolicy struct {
	Retry           Retry         `json:"retry"`
	Timeout         time.Duration `json:"timeout"`
	Workers         int           `json:"workers"`
	BatchSize       int           `json:"batch_size"`
	RateLimit       float64       `json:"rate_limit,omitempty"`
	OrderPreserving bool          `json:"order_preserving,omitempty"`
}

// Retry is a resolved retry policy.
type Retry struct {
	MaxRetries   int           `json:"max_retries"`
	Backoff      BackoffKind   `json:"backoff"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// Node returns the resolved node with the given id.
func (p *Plan) Node(id string) (*ResolvedNode, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// Upstream returns the distinct producer ids feeding node id.
func (p *Plan) Upstream(id string) []string {
	n, ok := p.Nodes[id]
	if !ok {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, ei := range n.Inbound {
		from := p.Edges[ei].From
		if !seen[from] {
			seen[from] = true
			out = append(out, from)
		}
	}
	return out
}

// Close releases capability instances that implement io.Closer.
func (p *Plan) Close() error {
	var errs []error
	for _, id := range p.Order {
		n := p.Nodes[id]
		for _, c := range []any{n.Source, n.Action, n.Sink, n.Router} {
			if closer, ok := c.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
