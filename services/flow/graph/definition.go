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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// DefaultPort is the name of the single unnamed port every node has.
const DefaultPort = "main"

// Graph-wide defaults applied when neither the graph nor the node sets a value.
const (
	DefaultQueueCapacity = 256
	DefaultBatchSize     = 32
	DefaultMaxPerNode    = 1
	DefaultNodeTimeout   = 30 * time.Second
	DefaultInitialDelay  = 100 * time.Millisecond
	DefaultMaxDelay      = 10 * time.Second
)

// =============================================================================
// Node kinds
// =============================================================================

// Kind is the node variant.
type Kind string

const (
	KindSource    Kind = "source"
	KindTransform Kind = "transform"
	KindSink      Kind = "sink"
	KindSwitch    Kind = "switch"
)

// Valid reports whether k is one of the four node kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSource, KindTransform, KindSink, KindSwitch:
		return true
	}
	return false
}

// CapabilityKind maps a node kind to the registry kind that implements it.
func (k Kind) CapabilityKind() (registry.Kind, bool) {
	switch k {
	case KindSource:
		return registry.KindSource, true
	case KindTransform:
		return registry.KindAction, true
	case KindSink:
		return registry.KindSink, true
	case KindSwitch:
		return registry.KindRouter, true
	}
	return "", false
}

// acceptsInput reports whether nodes of kind k consume from inbound edges.
func (k Kind) acceptsInput() bool {
	return k == KindTransform || k == KindSink || k == KindSwitch
}

// producesOutput reports whether nodes of kind k push to outbound edges.
func (k Kind) producesOutput() bool {
	return k == KindSource || k == KindTransform || k == KindSwitch
}

// =============================================================================
// Policies
// =============================================================================

// BackoffKind selects the retry delay function.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
	BackoffJitter      BackoffKind = "jitter"
)

// FailurePolicy decides what a permanently failed batch does to the run.
type FailurePolicy string

const (
	// FailFast aborts the run on the first permanent failure.
	FailFast FailurePolicy = "fail_fast"

	// Continue drops the failed batch and keeps going.
	Continue FailurePolicy = "continue"
)

// Duration is a time.Duration that decodes from "250ms"-style strings or
// from integer milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats the duration like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }

// ParseDuration parses a duration string or a bare millisecond count.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(ms * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(d), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	if s == "null" {
		return nil
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// RetryPolicy configures batch retries.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. A nil
	// value inherits the graph default.
	MaxRetries   *int        `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Backoff      BackoffKind `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	InitialDelay Duration    `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay     Duration    `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// Concurrency bounds node workers.
type Concurrency struct {
	MaxGlobal  int `yaml:"max_global,omitempty" json:"max_global,omitempty"`
	MaxPerNode int `yaml:"max_per_node,omitempty" json:"max_per_node,omitempty"`
}

// Timeouts bounds calls and whole runs.
type Timeouts struct {
	Graph Duration `yaml:"graph,omitempty" json:"graph,omitempty"`
	Node  Duration `yaml:"node,omitempty" json:"node,omitempty"`
}

// Policies are per-node overrides. Zero values inherit graph defaults.
type Policies struct {
	Retry           *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout         Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Concurrency     int          `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	BatchSize       int          `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	RateLimit       float64      `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	OrderPreserving bool         `yaml:"order_preserving,omitempty" json:"order_preserving,omitempty"`
}

// Defaults are graph-level policy values.
type Defaults struct {
	Concurrency   Concurrency   `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Timeout       Timeouts      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry         RetryPolicy   `yaml:"retry,omitempty" json:"retry,omitempty"`
	FailurePolicy FailurePolicy `yaml:"failure_policy,omitempty" json:"failure_policy,omitempty"`
	QueueCapacity int           `yaml:"queue_capacity,omitempty" json:"queue_capacity,omitempty"`
	BatchSize     int           `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

// =============================================================================
// Definition
// =============================================================================

// NodeDef is one node as written in a graph definition.
type NodeDef struct {
	ID         string         `yaml:"id,omitempty" json:"id,omitempty"`
	Kind       Kind           `yaml:"type" json:"type"`
	Capability string         `yaml:"capability" json:"capability"`
	Params     map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Policies   Policies       `yaml:"policies,omitempty" json:"policies,omitempty"`

	// Ports declares the named out ports of a switch node.
	Ports []string `yaml:"ports,omitempty" json:"ports,omitempty"`

	// DefaultPort receives switch items no condition matched.
	DefaultPort string `yaml:"default_port,omitempty" json:"default_port,omitempty"`

	// DropUnmatched discards switch items no condition matched.
	DropUnmatched bool `yaml:"drop_unmatched,omitempty" json:"drop_unmatched,omitempty"`
}

// EdgeDef connects an out port of one node to an in port of another.
type EdgeDef struct {
	From     string `yaml:"from" json:"from"`
	FromPort string `yaml:"from_port,omitempty" json:"from_port,omitempty"`
	To       string `yaml:"to" json:"to"`
	ToPort   string `yaml:"to_port,omitempty" json:"to_port,omitempty"`

	// Capacity overrides the queue capacity for this edge.
	Capacity int `yaml:"capacity,omitempty" json:"capacity,omitempty"`
}

// SourcePort returns FromPort, or DefaultPort when unset.
func (e EdgeDef) SourcePort() string {
	if e.FromPort == "" {
		return DefaultPort
	}
	return e.FromPort
}

// TargetPort returns ToPort, or DefaultPort when unset.
func (e EdgeDef) TargetPort() string {
	if e.ToPort == "" {
		return DefaultPort
	}
	return e.ToPort
}

// Definition is an uncompiled graph.
//
// Node order is significant: it is the tie-break order for compilation.
type Definition struct {
	Name     string            `yaml:"name" json:"name"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Defaults `yaml:",inline"`
	Nodes    NodeList  `yaml:"nodes" json:"nodes"`
	Edges    []EdgeDef `yaml:"edges" json:"edges"`
}

// NodeList is an ordered node list.
//
// It decodes from either a list of nodes carrying "id" fields or a mapping
// of id to node. Mapping order is preserved and repeated keys are kept, so
// the validator can report duplicate ids.
type NodeList []NodeDef

func (l *NodeList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var nodes []NodeDef
		if err := value.Decode(&nodes); err != nil {
			return err
		}
		*l = nodes
		return nil

	case yaml.MappingNode:
		nodes := make([]NodeDef, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			var n NodeDef
			if err := value.Content[i+1].Decode(&n); err != nil {
				return fmt.Errorf("node %q: %w", value.Content[i].Value, err)
			}
			n.ID = value.Content[i].Value
			nodes = append(nodes, n)
		}
		*l = nodes
		return nil
	}
	return fmt.Errorf("line %d: nodes must be a list or a mapping", value.Line)
}

func (l *NodeList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if trimmed[0] == '[' {
		var nodes []NodeDef
		if err := dec.Decode(&nodes); err != nil {
			return err
		}
		*l = nodes
		return nil
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	var nodes []NodeDef
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		id, ok := tok.(string)
		if !ok {
			return fmt.Errorf("nodes: expected string key, got %v", tok)
		}
		var n NodeDef
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("node %q: %w", id, err)
		}
		n.ID = id
		nodes = append(nodes, n)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*l = nodes
	return nil
}

// Node returns the first node with the given id.
func (d *Definition) Node(id string) (NodeDef, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDef{}, false
}
