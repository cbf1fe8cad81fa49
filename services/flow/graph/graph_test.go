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
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// =============================================================================
// Test capabilities
// =============================================================================

type emptySource struct{}

func (emptySource) Open(context.Context, pipeline.Cursor) (pipeline.Iterator, error) {
	return emptyIter{}, nil
}

type emptyIter struct{}

func (emptyIter) Next(context.Context) (pipeline.Item, pipeline.Cursor, error) {
	return pipeline.Item{}, nil, io.EOF
}
func (emptyIter) Close() error { return nil }

type discardSink struct{}

func (discardSink) Write(_ context.Context, b pipeline.Batch) (pipeline.Ack, error) {
	return pipeline.Ack{Written: len(b)}, nil
}

type portsRouter struct{ ports []string }

func (r portsRouter) Route(context.Context, pipeline.Item) (string, bool, error) {
	return r.ports[0], true, nil
}
func (r portsRouter) Ports() []string { return r.ports }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.MustRegisterSource("test.src", registry.Spec{}, func(registry.Params) (pipeline.Source, error) {
		return emptySource{}, nil
	})
	reg.MustRegisterSink("test.sink", registry.Spec{}, func(registry.Params) (pipeline.Sink, error) {
		return discardSink{}, nil
	})
	reg.MustRegisterAction("test.noop", registry.Spec{}, func(registry.Params) (pipeline.Action, error) {
		return pipeline.ActionFunc(func(_ context.Context, b pipeline.Batch) (pipeline.Batch, error) { return b, nil }), nil
	})
	reg.MustRegisterAction("test.ordered", registry.Spec{Traits: registry.Traits{OrderPreserving: true}},
		func(registry.Params) (pipeline.Action, error) {
			return pipeline.ActionFunc(func(_ context.Context, b pipeline.Batch) (pipeline.Batch, error) { return b, nil }), nil
		})
	reg.MustRegisterAction("test.strict", registry.Spec{Params: []registry.ParamSpec{
		{Name: "field", Type: registry.TypeString, Required: true},
	}}, func(registry.Params) (pipeline.Action, error) {
		return pipeline.ActionFunc(func(_ context.Context, b pipeline.Batch) (pipeline.Batch, error) { return b, nil }), nil
	})
	reg.MustRegisterAction("test.broken", registry.Spec{}, func(registry.Params) (pipeline.Action, error) {
		return nil, errors.New("no credentials")
	})
	reg.MustRegisterRouter("test.router", registry.Spec{Params: []registry.ParamSpec{
		{Name: "ports", Type: registry.TypeList, Required: true},
	}}, func(p registry.Params) (pipeline.Router, error) {
		return portsRouter{ports: p.Strings("ports")}, nil
	})
	reg.Seal()
	return reg
}

func node(id string, kind Kind, capability string) NodeDef {
	return NodeDef{ID: id, Kind: kind, Capability: capability}
}

func edge(from, to string) EdgeDef {
	return EdgeDef{From: from, To: to}
}

func linear() *Definition {
	return &Definition{
		Name: "linear",
		Nodes: NodeList{
			node("A", KindSource, "test.src"),
			node("B", KindTransform, "test.noop"),
			node("C", KindSink, "test.sink"),
		},
		Edges: []EdgeDef{edge("A", "B"), edge("B", "C")},
	}
}

func validationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %T: %v", err, err)
	return verrs
}

// =============================================================================
// Parsing
// =============================================================================

const yamlGraph = `
name: docs
failure_policy: continue
queue_capacity: 64
timeout:
  graph: 5s
  node: 250
retry:
  max_retries: 3
  backoff: jitter
nodes:
  read:
    type: source
    capability: test.src
  clean:
    type: transform
    capability: test.strict
    params:
      field: value
    policies:
      concurrency: 4
      timeout: 2s
  read:
    type: source
    capability: test.src
  store:
    type: sink
    capability: test.sink
edges:
  - {from: read, to: clean}
  - {from: clean, to: store, capacity: 8}
`

func TestParse_YAMLMappingKeepsOrderAndDuplicates(t *testing.T) {
	def, err := Parse([]byte(yamlGraph), FormatYAML)
	require.NoError(t, err)

	ids := make([]string, len(def.Nodes))
	for i, n := range def.Nodes {
		ids[i] = n.ID
	}
	if diff := cmp.Diff([]string{"read", "clean", "read", "store"}, ids); diff != "" {
		t.Errorf("node order mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, Continue, def.FailurePolicy)
	assert.Equal(t, 64, def.QueueCapacity)
	assert.Equal(t, 5*time.Second, def.Timeout.Graph.Std())
	assert.Equal(t, 250*time.Millisecond, def.Timeout.Node.Std())
	require.NotNil(t, def.Retry.MaxRetries)
	assert.Equal(t, 3, *def.Retry.MaxRetries)
	assert.Equal(t, BackoffJitter, def.Retry.Backoff)
	assert.Equal(t, 4, def.Nodes[1].Policies.Concurrency)
	assert.Equal(t, 8, def.Edges[1].Capacity)

	_, err = Validate(def, testRegistry(t))
	verrs := validationErrors(t, err)
	assert.ErrorIs(t, verrs, ErrDuplicateNode)
}

func TestParse_JSONMappingKeepsOrder(t *testing.T) {
	data := `{
	  "name": "j",
	  "nodes": {
	    "z": {"type": "source", "capability": "test.src"},
	    "a": {"type": "transform", "capability": "test.noop", "policies": {"timeout": 50}},
	    "m": {"type": "sink", "capability": "test.sink"}
	  },
	  "edges": [{"from": "z", "to": "a"}, {"from": "a", "to": "m"}]
	}`
	def, err := Parse([]byte(data), FormatJSON)
	require.NoError(t, err)
	require.Len(t, def.Nodes, 3)
	assert.Equal(t, "z", def.Nodes[0].ID)
	assert.Equal(t, "a", def.Nodes[1].ID)
	assert.Equal(t, 50*time.Millisecond, def.Nodes[1].Policies.Timeout.Std())

	plan, err := Compile(context.Background(), def, testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, plan.Order)
}

func TestParse_JSONList(t *testing.T) {
	data := `{"name":"l","nodes":[{"id":"s","type":"source","capability":"test.src"},{"id":"k","type":"sink","capability":"test.sink"}],"edges":[{"from":"s","to":"k"}]}`
	def, err := Parse([]byte(data), FormatJSON)
	require.NoError(t, err)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "k", def.Nodes[1].ID)
}

func TestParse_JSONRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"name":"x","nodez":{}}`), FormatJSON)
	assert.Error(t, err)
}

const hclGraph = `
pipeline "hcl-graph" {
  failure_policy = "fail_fast"
  graph_timeout  = "1m"
  max_global     = 4

  retry {
    max_retries = 2
    backoff     = "fixed"
  }

  node "read" {
    type       = "source"
    capability = "test.src"
  }

  node "route" {
    type           = "switch"
    capability     = "test.router"
    params         = { ports = ["left"] }
    ports          = ["left"]
    drop_unmatched = true
  }

  node "clean" {
    type       = "transform"
    capability = "test.strict"
    params     = { field = "value" }
    batch_size = 10
  }

  node "store" {
    type       = "sink"
    capability = "test.sink"
  }

  edge {
    from = "read"
    to   = "route"
  }
  edge {
    from      = "route"
    from_port = "left"
    to        = "clean"
  }
  edge {
    from = "clean"
    to   = "store"
  }
}
`

func TestParse_HCL(t *testing.T) {
	def, err := Parse([]byte(hclGraph), FormatHCL)
	require.NoError(t, err)

	assert.Equal(t, "hcl-graph", def.Name)
	assert.Equal(t, time.Minute, def.Timeout.Graph.Std())
	assert.Equal(t, 4, def.Concurrency.MaxGlobal)
	require.NotNil(t, def.Retry.MaxRetries)
	assert.Equal(t, 2, *def.Retry.MaxRetries)
	require.Len(t, def.Nodes, 4)
	assert.Equal(t, []any{"left"}, def.Nodes[1].Params["ports"])
	assert.True(t, def.Nodes[1].DropUnmatched)
	assert.Equal(t, 10, def.Nodes[2].Policies.BatchSize)
	assert.Equal(t, "left", def.Edges[1].FromPort)

	plan, err := Compile(context.Background(), def, testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "route", "clean", "store"}, plan.Order)
	assert.Equal(t, BackoffFixed, plan.Nodes["clean"].Policy.Retry.Backoff)
	assert.Equal(t, 2, plan.Nodes["clean"].Policy.Retry.MaxRetries)
}

func TestParse_HCLSyntaxError(t *testing.T) {
	_, err := Parse([]byte(`pipeline "x" { node {`), FormatHCL)
	assert.Error(t, err)
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "named-by-file.yaml")
	body := strings.Replace(yamlGraph, "name: docs\n", "", 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "named-by-file", def.Name)

	_, err = Load(filepath.Join(dir, "graph.toml"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate_CollectsAllErrorsInCheckOrder(t *testing.T) {
	def := &Definition{
		Name: "broken",
		Nodes: NodeList{
			node("A", KindSource, "test.src"),
			node("A", KindSource, "test.src"),
			node("B", KindTransform, "test.missing"),
			node("C", KindTransform, "test.strict"),
			node("D", KindSink, "test.sink"),
		},
		Edges: []EdgeDef{
			edge("A", "B"),
			edge("B", "C"),
			edge("C", "D"),
			edge("C", "ghost"),
		},
	}

	_, err := Validate(def, testRegistry(t))
	verrs := validationErrors(t, err)

	assert.ErrorIs(t, err, ErrDuplicateNode)
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.ErrorIs(t, err, ErrUnknownCapability)
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.NotErrorIs(t, err, ErrCycle)

	for i := 1; i < len(verrs); i++ {
		assert.LessOrEqual(t, verrs[i-1].Check, verrs[i].Check, "errors must be in check order")
	}
}

func TestValidate_ArityAndDeadEnd(t *testing.T) {
	def := &Definition{
		Nodes: NodeList{
			node("src", KindSource, "test.src"),
			node("T", KindTransform, "test.noop"),
			node("K", KindSink, "test.sink"),
		},
		Edges: []EdgeDef{edge("src", "T"), edge("src", "K")},
	}

	_, err := Validate(def, testRegistry(t))
	verrs := validationErrors(t, err)
	require.Len(t, verrs, 2)

	assert.ErrorIs(t, verrs[0], ErrArity)
	assert.Equal(t, "T", verrs[0].Node)
	assert.ErrorIs(t, verrs[1], ErrDeadEnd)
	assert.Equal(t, "T", verrs[1].Node)
	assert.Equal(t, CheckReachability, verrs[1].Check)
}

func TestValidate_SourceWithInboundAndSinkWithOutbound(t *testing.T) {
	def := &Definition{
		Nodes: NodeList{
			node("s1", KindSource, "test.src"),
			node("s2", KindSource, "test.src"),
			node("k", KindSink, "test.sink"),
		},
		Edges: []EdgeDef{edge("s1", "s2"), edge("s2", "k"), edge("k", "s2")},
	}
	_, err := Validate(def, testRegistry(t))
	assert.ErrorIs(t, err, ErrArity)
	assert.ErrorIs(t, err, ErrCycle)
	assert.NotErrorIs(t, err, ErrDeadEnd, "reachability is skipped for cyclic graphs")
}

func TestValidate_Switch(t *testing.T) {
	base := func() *Definition {
		sw := node("sw", KindSwitch, "test.router")
		sw.Params = map[string]any{"ports": []any{"pdf"}}
		sw.Ports = []string{"pdf"}
		sw.DefaultPort = "other"
		return &Definition{
			Nodes: NodeList{
				node("src", KindSource, "test.src"),
				sw,
				node("pdf", KindSink, "test.sink"),
				node("rest", KindSink, "test.sink"),
			},
			Edges: []EdgeDef{
				edge("src", "sw"),
				{From: "sw", FromPort: "pdf", To: "pdf"},
				{From: "sw", FromPort: "other", To: "rest"},
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		_, err := Validate(base(), testRegistry(t))
		require.NoError(t, err)
	})

	t.Run("unmatched handling must be explicit", func(t *testing.T) {
		def := base()
		def.Nodes[1].DefaultPort = ""
		def.Edges = def.Edges[:2]
		_, err := Validate(def, testRegistry(t))
		assert.ErrorIs(t, err, ErrSwitchUnmatched)
	})

	t.Run("default and drop together", func(t *testing.T) {
		def := base()
		def.Nodes[1].DropUnmatched = true
		_, err := Validate(def, testRegistry(t))
		assert.ErrorIs(t, err, ErrSwitchUnmatched)
	})

	t.Run("undeclared out port", func(t *testing.T) {
		def := base()
		def.Edges[1].FromPort = "html"
		_, err := Validate(def, testRegistry(t))
		assert.ErrorIs(t, err, ErrInvalidPort)
		assert.ErrorIs(t, err, ErrUnusedPort)
	})

	t.Run("named port on transform", func(t *testing.T) {
		def := linear()
		def.Edges[1].FromPort = "side"
		_, err := Validate(def, testRegistry(t))
		assert.ErrorIs(t, err, ErrInvalidPort)
	})
}

func TestValidate_Policies(t *testing.T) {
	def := linear()
	neg := -1
	def.FailurePolicy = "sometimes"
	def.Nodes[1].Policies.Retry = &RetryPolicy{Backoff: "linear", MaxRetries: &neg}

	_, err := Validate(def, testRegistry(t))
	verrs := validationErrors(t, err)
	assert.Len(t, verrs, 3)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestValidate_Empty(t *testing.T) {
	_, err := Validate(&Definition{}, testRegistry(t))
	assert.ErrorIs(t, err, ErrNoNodes)

	_, err = Validate(nil, nil)
	assert.Error(t, err)
}

// =============================================================================
// Cycles and ordering
// =============================================================================

func TestCompile_CycleFails(t *testing.T) {
	def := &Definition{
		Nodes: NodeList{
			node("A", KindTransform, "test.noop"),
			node("B", KindTransform, "test.noop"),
		},
		Edges: []EdgeDef{edge("A", "B"), edge("B", "A")},
	}

	plan, err := Compile(context.Background(), def, testRegistry(t))
	require.Error(t, err)
	assert.Nil(t, plan)
	assert.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestCompile_CycleBehindSource(t *testing.T) {
	def := &Definition{
		Nodes: NodeList{
			node("S", KindSource, "test.src"),
			node("A", KindTransform, "test.noop"),
			node("B", KindTransform, "test.noop"),
			node("C", KindTransform, "test.noop"),
			node("K", KindSink, "test.sink"),
		},
		Edges: []EdgeDef{edge("S", "A"), edge("A", "B"), edge("B", "C"), edge("C", "A"), edge("C", "K")},
	}
	_, err := Compile(context.Background(), def, testRegistry(t))
	verrs := validationErrors(t, err)
	require.Len(t, verrs, 1)
	assert.Equal(t, CheckAcyclic, verrs[0].Check)
	assert.Equal(t, "A -> B -> C -> A", verrs[0].Detail)
}

func TestCompile_DeterministicOrder(t *testing.T) {
	// Two sources become ready together; definition order breaks the tie,
	// not id order.
	def := &Definition{
		Nodes: NodeList{
			node("zeta", KindSource, "test.src"),
			node("alpha", KindSource, "test.src"),
			node("mid2", KindTransform, "test.noop"),
			node("mid1", KindTransform, "test.noop"),
			node("out", KindSink, "test.sink"),
		},
		Edges: []EdgeDef{
			edge("alpha", "mid1"),
			edge("zeta", "mid2"),
			edge("mid1", "out"),
			edge("mid2", "out"),
		},
	}
	reg := testRegistry(t)

	first, err := Compile(context.Background(), def, reg)
	require.NoError(t, err)
	second, err := Compile(context.Background(), def, reg)
	require.NoError(t, err)

	want := []string{"zeta", "alpha", "mid2", "mid1", "out"}
	if diff := cmp.Diff(want, first.Order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, first.Order, second.Order)
	assert.Equal(t, first.ID, second.ID)
}

func TestTopoOrder_RandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		n := 2 + rng.Intn(12)
		perm := rng.Perm(n)
		succ := make([][]int, n)
		type pair struct{ from, to int }
		var edges []pair
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				if rng.Intn(3) == 0 {
					// Edges follow the permutation rank, so the graph is acyclic.
					from, to := perm[a], perm[b]
					succ[from] = append(succ[from], to)
					edges = append(edges, pair{from, to})
				}
			}
		}

		order := topoOrder(n, func(i int) []int { return succ[i] })
		require.Len(t, order, n)

		pos := make([]int, n)
		for k, i := range order {
			pos[i] = k
		}
		for _, e := range edges {
			assert.Less(t, pos[e.from], pos[e.to])
		}
		assert.Equal(t, order, topoOrder(n, func(i int) []int { return succ[i] }))
	}
}

func TestTopoOrder_Cycles(t *testing.T) {
	succ := [][]int{{1}, {2}, {0}, {}}
	order := topoOrder(4, func(i int) []int { return succ[i] })
	assert.Less(t, len(order), 4)
	assert.Equal(t, []int{0, 1, 2, 0}, findCycle(4, func(i int) []int { return succ[i] }))

	self := [][]int{{0}}
	assert.Equal(t, []int{0, 0}, findCycle(1, func(i int) []int { return self[i] }))
	assert.Nil(t, findCycle(2, func(int) []int { return nil }))
}

// =============================================================================
// Compilation
// =============================================================================

func TestCompile_ResolvesPolicies(t *testing.T) {
	def := linear()
	three := 3
	def.QueueCapacity = 16
	def.Concurrency = Concurrency{MaxGlobal: 2, MaxPerNode: 4}
	def.Timeout = Timeouts{Graph: Duration(time.Second), Node: Duration(200 * time.Millisecond)}
	def.Retry = RetryPolicy{MaxRetries: &three, InitialDelay: Duration(time.Millisecond)}
	def.Edges[1].Capacity = 2
	def.Nodes[1].Policies.Timeout = Duration(50 * time.Millisecond)
	def.Nodes[1].Policies.Retry = &RetryPolicy{Backoff: BackoffFixed}

	plan, err := Compile(context.Background(), def, testRegistry(t))
	require.NoError(t, err)

	assert.Equal(t, 2, plan.MaxGlobal)
	assert.Equal(t, time.Second, plan.GraphTimeout)
	assert.Equal(t, FailFast, plan.FailurePolicy)
	assert.Equal(t, 16, plan.Edges[0].Capacity)
	assert.Equal(t, 2, plan.Edges[1].Capacity)

	src := plan.Nodes["A"]
	assert.Equal(t, 1, src.Policy.Workers, "sources run one worker")
	assert.Equal(t, 200*time.Millisecond, src.Policy.Timeout)
	assert.Equal(t, DefaultBatchSize, src.Policy.BatchSize)

	b := plan.Nodes["B"]
	assert.Equal(t, 4, b.Policy.Workers)
	assert.Equal(t, 50*time.Millisecond, b.Policy.Timeout)
	assert.Equal(t, Retry{MaxRetries: 3, Backoff: BackoffFixed, InitialDelay: time.Millisecond, MaxDelay: DefaultMaxDelay}, b.Policy.Retry)

	assert.Equal(t, []int{0}, b.Inbound)
	assert.Equal(t, map[string][]int{DefaultPort: {1}}, b.Outbound)
	assert.Equal(t, []string{"A"}, plan.Upstream("B"))
	assert.NoError(t, plan.Close())
}

func TestCompile_DefaultCapacity(t *testing.T) {
	plan, err := Compile(context.Background(), linear(), testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueCapacity, plan.Edges[0].Capacity)
}

func TestCompile_OrderPreservingRunsOneWorker(t *testing.T) {
	def := linear()
	def.Concurrency.MaxPerNode = 8
	def.Nodes[1].Capability = "test.ordered"

	plan, err := Compile(context.Background(), def, testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Nodes["B"].Policy.Workers)
	assert.True(t, plan.Nodes["B"].Policy.OrderPreserving)
}

func TestCompile_CallLockPerNode(t *testing.T) {
	reg := testRegistry(t)
	first, err := Compile(context.Background(), linear(), reg)
	require.NoError(t, err)
	second, err := Compile(context.Background(), linear(), reg)
	require.NoError(t, err)

	assert.Same(t, first.Nodes["B"].CallLock(), first.Nodes["B"].CallLock())
	assert.NotSame(t, first.Nodes["B"].CallLock(), first.Nodes["C"].CallLock())
	assert.NotSame(t, first.Nodes["B"].CallLock(), second.Nodes["B"].CallLock())
}

func TestCompile_FactoryFailure(t *testing.T) {
	def := linear()
	def.Nodes[1].Capability = "test.broken"

	_, err := Compile(context.Background(), def, testRegistry(t))
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "B", cerr.Node)
	assert.Equal(t, "test.broken", cerr.Capability)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestCompile_RouterPortsMustBeDeclared(t *testing.T) {
	sw := node("sw", KindSwitch, "test.router")
	sw.Params = map[string]any{"ports": []any{"pdf", "html"}}
	sw.Ports = []string{"pdf"}
	sw.DropUnmatched = true
	def := &Definition{
		Nodes: NodeList{node("src", KindSource, "test.src"), sw, node("k", KindSink, "test.sink")},
		Edges: []EdgeDef{edge("src", "sw"), {From: "sw", FromPort: "pdf", To: "k"}},
	}

	_, err := Compile(context.Background(), def, testRegistry(t))
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestCompile_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Compile(nil, linear(), testRegistry(t))
	assert.ErrorIs(t, err, pipeline.ErrNilContext)
}

func TestDuration_Parse(t *testing.T) {
	d, err := ParseDuration("75")
	require.NoError(t, err)
	assert.Equal(t, 75*time.Millisecond, d.Std())

	d, err = ParseDuration("1.5s")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	_, err = ParseDuration("soon")
	assert.Error(t, err)
}
