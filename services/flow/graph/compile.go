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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

var tracer = otel.Tracer("aleutian.flow.graph")

var (
	compilationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_graph_compilations_total",
		Help: "Graph compilations by outcome",
	}, []string{"status"})

	compileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flow_graph_compile_duration_seconds",
		Help:    "Time spent validating and compiling a graph",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
)

// Compile validates def and binds every node to a capability instance.
//
// Description:
//
//	Runs Validate, then walks the nodes in deterministic topological order
//	(Kahn's algorithm, ties broken by definition order) and builds each
//	node's capability from the registry with its validated params. The
//	graph-level defaults are folded into per-node policies so the engine
//	never consults the definition.
//
// Inputs:
//
//	ctx - Used for tracing. Must not be nil.
//	def - Graph definition.
//	reg - Capability registry.
//
// Outputs:
//
//	*Plan - Immutable execution plan. Nil on any error.
//	error - ValidationErrors for definition problems, *CompileError when a
//	        capability factory fails.
func Compile(ctx context.Context, def *Definition, reg *registry.Registry) (*Plan, error) {
	if ctx == nil {
		return nil, pipeline.ErrNilContext
	}
	start := time.Now()

	name := ""
	if def != nil {
		name = def.Name
	}
	_, span := tracer.Start(ctx, "graph.Compile", trace.WithAttributes(attribute.String("graph.name", name)))
	defer span.End()

	plan, err := compile(def, reg)
	compileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		compilationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile failed")
		return nil, err
	}

	compilationsTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.nodes", len(plan.Order)),
		attribute.Int("plan.edges", len(plan.Edges)),
	)
	return plan, nil
}

func compile(def *Definition, reg *registry.Registry) (*Plan, error) {
	vg, err := Validate(def, reg)
	if err != nil {
		return nil, err
	}

	planID, err := definitionHash(def)
	if err != nil {
		return nil, fmt.Errorf("hash definition: %w", err)
	}

	d := def.Defaults
	plan := &Plan{
		ID:            planID,
		Name:          def.Name,
		Metadata:      maps.Clone(def.Metadata),
		Order:         make([]string, 0, len(vg.Order)),
		Nodes:         make(map[string]*ResolvedNode, len(def.Nodes)),
		Edges:         make([]PlannedEdge, len(def.Edges)),
		MaxGlobal:     d.Concurrency.MaxGlobal,
		GraphTimeout:  d.Timeout.Graph.Std(),
		FailurePolicy: firstNonEmpty(d.FailurePolicy, FailFast),
	}

	queueCap := firstPositive(d.QueueCapacity, DefaultQueueCapacity)
	for j, e := range def.Edges {
		plan.Edges[j] = PlannedEdge{
			Index:    j,
			From:     e.From,
			FromPort: e.SourcePort(),
			To:       e.To,
			ToPort:   e.TargetPort(),
			Capacity: firstPositive(e.Capacity, queueCap),
		}
	}

	for _, i := range vg.Order {
		n := def.Nodes[i]
		rn, err := bind(n, i, vg.Params[i], reg, d)
		if err != nil {
			return nil, err
		}
		rn.Outbound = make(map[string][]int)
		plan.Order = append(plan.Order, n.ID)
		plan.Nodes[n.ID] = rn
	}
	for _, e := range plan.Edges {
		from, to := plan.Nodes[e.From], plan.Nodes[e.To]
		from.Outbound[e.FromPort] = append(from.Outbound[e.FromPort], e.Index)
		to.Inbound = append(to.Inbound, e.Index)
	}
	return plan, nil
}

// bind builds the capability for one node. Kind dispatch is exhaustive.
func bind(n NodeDef, pos int, params registry.Params, reg *registry.Registry, d Defaults) (*ResolvedNode, error) {
	capKind, _ := n.Kind.CapabilityKind()
	entry, ok := reg.Lookup(capKind, n.Capability)
	if !ok {
		return nil, &CompileError{Node: n.ID, Capability: n.Capability, Err: ErrUnknownCapability}
	}

	inst, err := entry.Build(n.Params)
	if err != nil {
		return nil, &CompileError{Node: n.ID, Capability: n.Capability, Err: err}
	}

	rn := &ResolvedNode{
		ID:         n.ID,
		Kind:       n.Kind,
		Capability: n.Capability,
		Params:     params,
		Traits:     entry.Spec.Traits,
		Position:   pos,
	}

	mismatch := func() error {
		return &CompileError{Node: n.ID, Capability: n.Capability, Err: fmt.Errorf("%w: got %T", ErrCapabilityMismatch, inst)}
	}
	switch n.Kind {
	case KindSource:
		if rn.Source, ok = inst.(pipeline.Source); !ok {
			return nil, mismatch()
		}
	case KindTransform:
		if rn.Action, ok = inst.(pipeline.Action); !ok {
			return nil, mismatch()
		}
	case KindSink:
		if rn.Sink, ok = inst.(pipeline.Sink); !ok {
			return nil, mismatch()
		}
	case KindSwitch:
		if rn.Router, ok = inst.(pipeline.Router); !ok {
			return nil, mismatch()
		}
		for _, p := range rn.Router.Ports() {
			if !slices.Contains(n.Ports, p) && p != n.DefaultPort {
				return nil, &CompileError{Node: n.ID, Capability: n.Capability,
					Err: fmt.Errorf("%w: router can route to undeclared port %q", ErrInvalidPort, p)}
			}
		}
		rn.Switch = &SwitchRoute{
			Ports:         slices.Clone(n.Ports),
			DefaultPort:   n.DefaultPort,
			DropUnmatched: n.DropUnmatched,
		}
	default:
		return nil, &CompileError{Node: n.ID, Capability: n.Capability, Err: ErrUnknownKind}
	}

	rn.Policy = resolvePolicy(n, entry.Spec.Traits, d)
	return rn, nil
}

// resolvePolicy folds node overrides over graph defaults over built-ins.
func resolvePolicy(n NodeDef, traits registry.Traits, d Defaults) NodePolicy {
	p := NodePolicy{
		Timeout:         firstPositive(n.Policies.Timeout, d.Timeout.Node, Duration(DefaultNodeTimeout)).Std(),
		Workers:         firstPositive(n.Policies.Concurrency, d.Concurrency.MaxPerNode, DefaultMaxPerNode),
		BatchSize:       firstPositive(n.Policies.BatchSize, d.BatchSize, DefaultBatchSize),
		RateLimit:       n.Policies.RateLimit,
		OrderPreserving: n.Policies.OrderPreserving || traits.OrderPreserving,
	}
	if n.Kind == KindSource || p.OrderPreserving || traits.SingleThreaded {
		p.Workers = 1
	}

	retry := Retry{
		Backoff:      BackoffExponential,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
	for _, r := range []*RetryPolicy{&d.Retry, n.Policies.Retry} {
		if r == nil {
			continue
		}
		if r.MaxRetries != nil {
			retry.MaxRetries = *r.MaxRetries
		}
		if r.Backoff != "" {
			retry.Backoff = r.Backoff
		}
		if r.InitialDelay > 0 {
			retry.InitialDelay = r.InitialDelay.Std()
		}
		if r.MaxDelay > 0 {
			retry.MaxDelay = r.MaxDelay.Std()
		}
	}
	if retry.MaxDelay < retry.InitialDelay {
		retry.MaxDelay = retry.InitialDelay
	}
	p.Retry = retry
	return p
}

// definitionHash is a stable id for a definition: the same definition
// always compiles to the same plan id.
func definitionHash(def *Definition) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

func firstPositive[T int | Duration](vals ...T) T {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	var zero T
	return zero
}

func firstNonEmpty[T ~string](vals ...T) T {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	var zero T
	return zero
}
