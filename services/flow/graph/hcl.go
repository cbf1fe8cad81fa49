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

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// HCL layout:
//
//	pipeline "ingest" {
//	  failure_policy = "continue"
//	  graph_timeout  = "5m"
//
//	  node "read" {
//	    type       = "source"
//	    capability = "sql.table"
//	    params     = { table = "docs", key_column = "id" }
//	  }
//
//	  edge {
//	    from = "read"
//	    to   = "store"
//	  }
//	}

type hclFile struct {
	Pipeline hclPipeline `hcl:"pipeline,block"`
}

type hclPipeline struct {
	Name          string            `hcl:"name,label"`
	Metadata      map[string]string `hcl:"metadata,optional"`
	FailurePolicy string            `hcl:"failure_policy,optional"`
	QueueCapacity int               `hcl:"queue_capacity,optional"`
	BatchSize     int               `hcl:"batch_size,optional"`
	MaxGlobal     int               `hcl:"max_global,optional"`
	MaxPerNode    int               `hcl:"max_per_node,optional"`
	GraphTimeout  string            `hcl:"graph_timeout,optional"`
	NodeTimeout   string            `hcl:"node_timeout,optional"`
	Retry         *hclRetry         `hcl:"retry,block"`
	Nodes         []hclNode         `hcl:"node,block"`
	Edges         []hclEdge         `hcl:"edge,block"`
}

type hclRetry struct {
	MaxRetries   *int   `hcl:"max_retries,optional"`
	Backoff      string `hcl:"backoff,optional"`
	InitialDelay string `hcl:"initial_delay,optional"`
	MaxDelay     string `hcl:"max_delay,optional"`
}

type hclNode struct {
	ID              string    `hcl:"id,label"`
	Type            string    `hcl:"type"`
	Capability      string    `hcl:"capability"`
	Params          cty.Value `hcl:"params,optional"`
	Ports           []string  `hcl:"ports,optional"`
	DefaultPort     string    `hcl:"default_port,optional"`
	DropUnmatched   bool      `hcl:"drop_unmatched,optional"`
	Timeout         string    `hcl:"timeout,optional"`
	Concurrency     int       `hcl:"concurrency,optional"`
	BatchSize       int       `hcl:"batch_size,optional"`
	RateLimit       float64   `hcl:"rate_limit,optional"`
	OrderPreserving bool      `hcl:"order_preserving,optional"`
	Retry           *hclRetry `hcl:"retry,block"`
}

type hclEdge struct {
	From     string `hcl:"from"`
	To       string `hcl:"to"`
	FromPort string `hcl:"from_port,optional"`
	ToPort   string `hcl:"to_port,optional"`
	Capacity int    `hcl:"capacity,optional"`
}

func parseHCL(data []byte, filename string) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse hcl graph %s: %w", filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decode hcl graph %s: %w", filename, diags)
	}

	p := parsed.Pipeline
	def := &Definition{
		Name:     p.Name,
		Metadata: p.Metadata,
		Defaults: Defaults{
			Concurrency:   Concurrency{MaxGlobal: p.MaxGlobal, MaxPerNode: p.MaxPerNode},
			FailurePolicy: FailurePolicy(p.FailurePolicy),
			QueueCapacity: p.QueueCapacity,
			BatchSize:     p.BatchSize,
		},
	}

	var err error
	if def.Timeout.Graph, err = ParseDuration(p.GraphTimeout); err != nil {
		return nil, fmt.Errorf("pipeline %q graph_timeout: %w", p.Name, err)
	}
	if def.Timeout.Node, err = ParseDuration(p.NodeTimeout); err != nil {
		return nil, fmt.Errorf("pipeline %q node_timeout: %w", p.Name, err)
	}
	if p.Retry != nil {
		retry, err := p.Retry.policy()
		if err != nil {
			return nil, fmt.Errorf("pipeline %q retry: %w", p.Name, err)
		}
		def.Retry = *retry
	}

	for _, n := range p.Nodes {
		node, err := n.nodeDef()
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		def.Nodes = append(def.Nodes, node)
	}
	for _, e := range p.Edges {
		def.Edges = append(def.Edges, EdgeDef{
			From:     e.From,
			FromPort: e.FromPort,
			To:       e.To,
			ToPort:   e.ToPort,
			Capacity: e.Capacity,
		})
	}
	return def, nil
}

func (r *hclRetry) policy() (*RetryPolicy, error) {
	initial, err := ParseDuration(r.InitialDelay)
	if err != nil {
		return nil, err
	}
	maxDelay, err := ParseDuration(r.MaxDelay)
	if err != nil {
		return nil, err
	}
	return &RetryPolicy{
		MaxRetries:   r.MaxRetries,
		Backoff:      BackoffKind(r.Backoff),
		InitialDelay: initial,
		MaxDelay:     maxDelay,
	}, nil
}

func (n hclNode) nodeDef() (NodeDef, error) {
	def := NodeDef{
		ID:            n.ID,
		Kind:          Kind(n.Type),
		Capability:    n.Capability,
		Ports:         n.Ports,
		DefaultPort:   n.DefaultPort,
		DropUnmatched: n.DropUnmatched,
		Policies: Policies{
			Concurrency:     n.Concurrency,
			BatchSize:       n.BatchSize,
			RateLimit:       n.RateLimit,
			OrderPreserving: n.OrderPreserving,
		},
	}

	timeout, err := ParseDuration(n.Timeout)
	if err != nil {
		return NodeDef{}, fmt.Errorf("timeout: %w", err)
	}
	def.Policies.Timeout = timeout

	if n.Retry != nil {
		retry, err := n.Retry.policy()
		if err != nil {
			return NodeDef{}, fmt.Errorf("retry: %w", err)
		}
		def.Policies.Retry = retry
	}

	if !n.Params.IsNull() {
		raw, err := ctyToGo(n.Params)
		if err != nil {
			return NodeDef{}, fmt.Errorf("params: %w", err)
		}
		params, ok := raw.(map[string]any)
		if !ok {
			return NodeDef{}, fmt.Errorf("params must be an object, got %s", n.Params.Type().FriendlyName())
		}
		def.Params = params
	}
	return def, nil
}

// ctyToGo converts a cty value into plain Go values. Whole numbers become
// int so they pass integer parameter checks.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() || !val.IsKnown() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == 0 {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			converted, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = converted
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			converted, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}
