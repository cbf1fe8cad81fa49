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
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// ValidatedGraph is a definition that passed every check, indexed for the
// compiler.
type ValidatedGraph struct {
	Def *Definition

	// Order is the deterministic topological order as node indices.
	Order []int

	// Params holds each node's coerced params, by node index.
	Params []registry.Params

	index map[string]int
}

// Index returns the definition index of a node id.
func (g *ValidatedGraph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// validator accumulates problems across all checks.
type validator struct {
	def  *Definition
	reg  *registry.Registry
	errs ValidationErrors

	index  map[string]int // first occurrence of each id
	unique []bool         // node i is the first occurrence of its id and has a known kind
	in     [][]int        // inbound edge indices per node
	out    [][]int        // outbound edge indices per node
	edgeOK []bool         // both endpoints resolved
	params []registry.Params
}

func (v *validator) add(check int, err error, node string, edge int, format string, args ...any) {
	v.errs = append(v.errs, &ValidationError{
		Check:  check,
		Err:    err,
		Node:   node,
		Edge:   edge,
		Detail: fmt.Sprintf(format, args...),
	})
}

// Validate checks a definition against the registry.
//
// Description:
//
//	Runs five checks in order and collects every violation instead of
//	stopping at the first:
//
//	  1. node ids are unique and kinds are known
//	  2. edges reference existing nodes and valid ports; arity fits kinds
//	  3. capabilities exist and params/policies conform to their schemas
//	  4. the edge set is acyclic
//	  5. every node is reachable from a source and reaches a sink
//
// Inputs:
//
//	def - The definition to check. Must not be nil.
//	reg - Capability registry used for check 3. Must not be nil.
//
// Outputs:
//
//	*ValidatedGraph - Indexed graph, nil when any check failed.
//	error - nil, or ValidationErrors listing every problem.
func Validate(def *Definition, reg *registry.Registry) (*ValidatedGraph, error) {
	if def == nil || reg == nil {
		return nil, ValidationErrors{{Check: CheckUniqueIDs, Err: ErrNoNodes, Edge: -1, Detail: "nil definition or registry"}}
	}

	v := &validator{
		def:    def,
		reg:    reg,
		index:  make(map[string]int, len(def.Nodes)),
		unique: make([]bool, len(def.Nodes)),
		in:     make([][]int, len(def.Nodes)),
		out:    make([][]int, len(def.Nodes)),
		edgeOK: make([]bool, len(def.Edges)),
		params: make([]registry.Params, len(def.Nodes)),
	}

	v.checkNodes()
	v.checkEdges()
	v.checkCapabilities()
	order := v.checkAcyclic()
	if len(order) == len(def.Nodes) {
		v.checkReachability()
	}

	if len(v.errs) > 0 {
		return nil, v.errs
	}
	return &ValidatedGraph{Def: def, Order: order, Params: v.params, index: v.index}, nil
}

// -----------------------------------------------------------------------------
// Check 1: ids and kinds
// -----------------------------------------------------------------------------

func (v *validator) checkNodes() {
	if len(v.def.Nodes) == 0 {
		v.add(CheckUniqueIDs, ErrNoNodes, "", -1, "definition %q declares no nodes", v.def.Name)
		return
	}
	for i, n := range v.def.Nodes {
		if n.ID == "" {
			v.add(CheckUniqueIDs, ErrEmptyNodeID, "", -1, "node at position %d", i)
			continue
		}
		if first, dup := v.index[n.ID]; dup {
			v.add(CheckUniqueIDs, ErrDuplicateNode, n.ID, -1, "positions %d and %d", first, i)
			continue
		}
		v.index[n.ID] = i
		if !n.Kind.Valid() {
			v.add(CheckUniqueIDs, ErrUnknownKind, n.ID, -1, "%q (want source, transform, sink, or switch)", n.Kind)
			continue
		}
		v.unique[i] = true
	}
}

// -----------------------------------------------------------------------------
// Check 2: edges, ports, arity
// -----------------------------------------------------------------------------

func (v *validator) checkEdges() {
	type edgeKey struct{ from, fromPort, to, toPort string }
	seen := make(map[edgeKey]int, len(v.def.Edges))

	for j, e := range v.def.Edges {
		fi, fromOK := v.index[e.From]
		ti, toOK := v.index[e.To]
		if !fromOK {
			v.add(CheckEdges, ErrUnknownNode, "", j, "from %q", e.From)
		}
		if !toOK {
			v.add(CheckEdges, ErrUnknownNode, "", j, "to %q", e.To)
		}
		if e.Capacity < 0 {
			v.add(CheckEdges, ErrInvalidPolicy, "", j, "capacity %d must not be negative", e.Capacity)
		}
		if !fromOK || !toOK {
			continue
		}

		k := edgeKey{e.From, e.SourcePort(), e.To, e.TargetPort()}
		if first, dup := seen[k]; dup {
			v.add(CheckEdges, ErrDuplicateEdge, "", j, "same endpoints and ports as edge %d", first)
			continue
		}
		seen[k] = j

		v.edgeOK[j] = true
		v.out[fi] = append(v.out[fi], j)
		v.in[ti] = append(v.in[ti], j)

		from := v.def.Nodes[fi]
		if v.unique[fi] && !from.validOutPort(e.SourcePort()) {
			v.add(CheckEdges, ErrInvalidPort, from.ID, j, "%s node has no out port %q", from.Kind, e.SourcePort())
		}
		if e.TargetPort() != DefaultPort {
			v.add(CheckEdges, ErrInvalidPort, e.To, j, "in port %q (only %q is accepted)", e.TargetPort(), DefaultPort)
		}
	}

	for i, n := range v.def.Nodes {
		if !v.unique[i] {
			continue
		}
		v.checkArity(i, n)
		v.checkSwitch(i, n)
	}
}

func (n NodeDef) validOutPort(port string) bool {
	if n.Kind != KindSwitch {
		return port == DefaultPort
	}
	return slices.Contains(n.Ports, port) || (n.DefaultPort != "" && port == n.DefaultPort)
}

func (v *validator) checkArity(i int, n NodeDef) {
	in, out := len(v.in[i]), len(v.out[i])
	switch n.Kind {
	case KindSource:
		if in != 0 {
			v.add(CheckEdges, ErrArity, n.ID, -1, "source has %d inbound edges, want 0", in)
		}
		if out == 0 {
			v.add(CheckEdges, ErrArity, n.ID, -1, "source has no outbound edges")
		}
	case KindSink:
		if in == 0 {
			v.add(CheckEdges, ErrArity, n.ID, -1, "sink has no inbound edges")
		}
		if out != 0 {
			v.add(CheckEdges, ErrArity, n.ID, -1, "sink has %d outbound edges, want 0", out)
		}
	case KindTransform, KindSwitch:
		if in == 0 {
			v.add(CheckEdges, ErrArity, n.ID, -1, "%s has no inbound edges", n.Kind)
		}
		if out == 0 {
			v.add(CheckEdges, ErrArity, n.ID, -1, "%s has no outbound edges", n.Kind)
		}
	}
}

func (v *validator) checkSwitch(i int, n NodeDef) {
	if n.Kind != KindSwitch {
		if len(n.Ports) > 0 || n.DefaultPort != "" || n.DropUnmatched {
			v.add(CheckEdges, ErrInvalidPort, n.ID, -1, "only switch nodes declare ports")
		}
		return
	}

	if (n.DefaultPort == "") == !n.DropUnmatched {
		v.add(CheckEdges, ErrSwitchUnmatched, n.ID, -1, "default_port=%q drop_unmatched=%t", n.DefaultPort, n.DropUnmatched)
	}
	if len(n.Ports) == 0 {
		v.add(CheckEdges, ErrInvalidPort, n.ID, -1, "switch declares no ports")
	}

	used := make(map[string]bool)
	for _, j := range v.out[i] {
		used[v.def.Edges[j].SourcePort()] = true
	}
	declared := make(map[string]bool, len(n.Ports))
	for _, p := range n.Ports {
		if p == "" || declared[p] {
			v.add(CheckEdges, ErrInvalidPort, n.ID, -1, "empty or repeated port name %q", p)
			continue
		}
		declared[p] = true
		if !used[p] {
			v.add(CheckEdges, ErrUnusedPort, n.ID, -1, "port %q", p)
		}
	}
	if n.DefaultPort != "" && !used[n.DefaultPort] {
		v.add(CheckEdges, ErrUnusedPort, n.ID, -1, "default port %q", n.DefaultPort)
	}
}

// -----------------------------------------------------------------------------
// Check 3: capabilities, params, policies
// -----------------------------------------------------------------------------

func (v *validator) checkCapabilities() {
	v.checkDefaults()

	for i, n := range v.def.Nodes {
		if !v.unique[i] {
			continue
		}
		v.checkPolicies(n.ID, n.Policies)

		capKind, _ := n.Kind.CapabilityKind()
		if n.Capability == "" {
			v.add(CheckCapabilities, ErrUnknownCapability, n.ID, -1, "no capability set")
			continue
		}
		entry, ok := v.reg.Lookup(capKind, n.Capability)
		if !ok {
			v.add(CheckCapabilities, ErrUnknownCapability, n.ID, -1, "%s %q is not registered", capKind, n.Capability)
			continue
		}
		params, errs := v.reg.ValidateParams(capKind, n.Capability, n.Params)
		for _, err := range errs {
			v.add(CheckCapabilities, ErrInvalidParams, n.ID, -1, "%v", err)
		}
		if len(errs) == 0 {
			v.params[i] = params
		}
		if entry.Spec.Traits.OrderPreserving && n.Policies.Concurrency > 1 {
			v.add(CheckCapabilities, ErrInvalidPolicy, n.ID, -1, "capability %q is order-preserving and runs one worker, concurrency=%d", n.Capability, n.Policies.Concurrency)
		}
	}
}

func (v *validator) checkDefaults() {
	d := v.def.Defaults
	switch d.FailurePolicy {
	case "", FailFast, Continue:
	default:
		v.add(CheckCapabilities, ErrInvalidPolicy, "", -1, "failure_policy %q (want fail_fast or continue)", d.FailurePolicy)
	}
	if d.QueueCapacity < 0 || d.BatchSize < 0 || d.Concurrency.MaxGlobal < 0 || d.Concurrency.MaxPerNode < 0 {
		v.add(CheckCapabilities, ErrInvalidPolicy, "", -1, "graph defaults must not be negative")
	}
	if d.Timeout.Graph < 0 || d.Timeout.Node < 0 {
		v.add(CheckCapabilities, ErrInvalidPolicy, "", -1, "timeouts must not be negative")
	}
	v.checkRetry("", &d.Retry)
}

func (v *validator) checkPolicies(node string, p Policies) {
	if p.Timeout < 0 || p.Concurrency < 0 || p.BatchSize < 0 || p.RateLimit < 0 {
		v.add(CheckCapabilities, ErrInvalidPolicy, node, -1, "policies must not be negative")
	}
	v.checkRetry(node, p.Retry)
}

func (v *validator) checkRetry(node string, r *RetryPolicy) {
	if r == nil {
		return
	}
	switch r.Backoff {
	case "", BackoffFixed, BackoffExponential, BackoffJitter:
	default:
		v.add(CheckCapabilities, ErrInvalidPolicy, node, -1, "backoff %q (want fixed, exponential, or jitter)", r.Backoff)
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		v.add(CheckCapabilities, ErrInvalidPolicy, node, -1, "max_retries %d must not be negative", *r.MaxRetries)
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		v.add(CheckCapabilities, ErrInvalidPolicy, node, -1, "retry delays must not be negative")
	}
}

// -----------------------------------------------------------------------------
// Check 4: cycles
// -----------------------------------------------------------------------------

// checkAcyclic runs Kahn's algorithm. The returned order is shorter than
// the node list exactly when a cycle exists.
func (v *validator) checkAcyclic() []int {
	order := topoOrder(len(v.def.Nodes), v.successors)
	if len(order) == len(v.def.Nodes) {
		return order
	}

	detail := fmt.Sprintf("%d of %d nodes could not be ordered", len(v.def.Nodes)-len(order), len(v.def.Nodes))
	if witness := findCycle(len(v.def.Nodes), v.successors); len(witness) > 0 {
		names := make([]string, len(witness))
		for k, i := range witness {
			names[k] = v.def.Nodes[i].ID
		}
		detail = strings.Join(names, " -> ")
	}
	v.add(CheckAcyclic, ErrCycle, "", -1, "%s", detail)
	return order
}

// successors lists the distinct target node indices of node i in edge order.
func (v *validator) successors(i int) []int {
	var out []int
	for _, j := range v.out[i] {
		t := v.index[v.def.Edges[j].To]
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Check 5: reachability
// -----------------------------------------------------------------------------

func (v *validator) checkReachability() {
	n := len(v.def.Nodes)
	fromSource := make([]bool, n)
	toSink := make([]bool, n)

	var queue []int
	for i, node := range v.def.Nodes {
		if node.Kind == KindSource {
			fromSource[i] = true
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, s := range v.successors(i) {
			if !fromSource[s] {
				fromSource[s] = true
				queue = append(queue, s)
			}
		}
	}

	queue = queue[:0]
	for i, node := range v.def.Nodes {
		if node.Kind == KindSink {
			toSink[i] = true
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, j := range v.in[i] {
			p := v.index[v.def.Edges[j].From]
			if !toSink[p] {
				toSink[p] = true
				queue = append(queue, p)
			}
		}
	}

	for i, node := range v.def.Nodes {
		if !v.unique[i] {
			continue
		}
		if !fromSource[i] {
			v.add(CheckReachability, ErrUnreachable, node.ID, -1, "")
		}
		if !toSink[i] {
			v.add(CheckReachability, ErrDeadEnd, node.ID, -1, "")
		}
	}
}
