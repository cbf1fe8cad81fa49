// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package actions holds the built-in item transforms and routers that need
// no external service.
package actions

import (
	"context"
	"fmt"
	"slices"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// =============================================================================
// filter.equals
// =============================================================================

// FilterSpec describes filter.equals.
var FilterSpec = registry.Spec{
	Description: "Keeps items whose field equals value (or differs from it when negate is set).",
	Params: []registry.ParamSpec{
		{Name: "field", Type: registry.TypeString, Required: true, Rule: "min=1"},
		{Name: "value", Type: registry.TypeAny, Required: true},
		{Name: "negate", Type: registry.TypeBool, Default: false},
	},
}

// Filter keeps items by field equality. Values are compared by their
// string form so 3, 3.0 from JSON, and "3" match.
type Filter struct {
	field  string
	value  string
	negate bool
}

// NewFilter builds filter.equals from params.
func NewFilter(p registry.Params) (*Filter, error) {
	return &Filter{
		field:  p.String("field"),
		value:  fmt.Sprint(p["value"]),
		negate: p.Bool("negate"),
	}, nil
}

// Execute implements pipeline.Action.
func (f *Filter) Execute(_ context.Context, items pipeline.Batch) (pipeline.Batch, error) {
	out := make(pipeline.Batch, 0, len(items))
	for _, item := range items {
		v, ok := item.Field(f.field)
		match := ok && fmt.Sprint(v) == f.value
		if match != f.negate {
			out = append(out, item)
		}
	}
	return out, nil
}

// =============================================================================
// route.match
// =============================================================================

// MatchSpec describes route.match.
var MatchSpec = registry.Spec{
	Description: "Routes each item to the port mapped from its field value.",
	Params: []registry.ParamSpec{
		{Name: "field", Type: registry.TypeString, Required: true, Rule: "min=1"},
		{Name: "routes", Type: registry.TypeMap, Required: true, Description: "Field value to port name."},
	},
}

// Match routes items by a field value lookup.
type Match struct {
	field  string
	routes map[string]string
	ports  []string
}

// NewMatch builds route.match from params.
func NewMatch(p registry.Params) (*Match, error) {
	routes := p.StringMap("routes")
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: routes must not be empty", registry.ErrInvalidParams)
	}
	var ports []string
	for _, port := range routes {
		if port == "" {
			return nil, fmt.Errorf("%w: empty port name in routes", registry.ErrInvalidParams)
		}
		if !slices.Contains(ports, port) {
			ports = append(ports, port)
		}
	}
	slices.Sort(ports)
	return &Match{field: p.String("field"), routes: routes, ports: ports}, nil
}

// Route implements pipeline.Router.
func (m *Match) Route(_ context.Context, item pipeline.Item) (string, bool, error) {
	v, ok := item.Field(m.field)
	if !ok {
		return "", false, nil
	}
	port, ok := m.routes[fmt.Sprint(v)]
	return port, ok, nil
}

// Ports implements pipeline.Router.
func (m *Match) Ports() []string { return m.ports }

// =============================================================================
// text.chunk
// =============================================================================

// ChunkSpec describes text.chunk.
var ChunkSpec = registry.Spec{
	Description: "Splits item text into overlapping chunks with a recursive character splitter.",
	Params: []registry.ParamSpec{
		{Name: "chunk_size", Type: registry.TypeInt, Default: 1000, Rule: "min=1"},
		{Name: "chunk_overlap", Type: registry.TypeInt, Default: 100, Rule: "min=0"},
		{Name: "separators", Type: registry.TypeList},
	},
}

var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// Chunker splits text items into Chunk items. Items without text pass
// through unchanged.
type Chunker struct {
	splitter textsplitter.TextSplitter
}

// NewChunker builds text.chunk from params.
func NewChunker(p registry.Params) (*Chunker, error) {
	size, overlap := p.Int("chunk_size"), p.Int("chunk_overlap")
	if overlap >= size {
		return nil, fmt.Errorf("%w: chunk_overlap %d must be smaller than chunk_size %d", registry.ErrInvalidParams, overlap, size)
	}
	seps := p.Strings("separators")
	if len(seps) == 0 {
		seps = defaultSeparators
	}
	return &Chunker{splitter: textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(seps),
	)}, nil
}

// Execute implements pipeline.Action.
func (c *Chunker) Execute(_ context.Context, items pipeline.Batch) (pipeline.Batch, error) {
	out := make(pipeline.Batch, 0, len(items))
	for _, item := range items {
		text, ok := item.Text()
		if !ok {
			out = append(out, item)
			continue
		}
		parts, err := c.splitter.SplitText(text)
		if err != nil {
			return nil, pipeline.Permanent(fmt.Errorf("split item %s: %w", item.ID, err))
		}
		for i, part := range parts {
			chunk := pipeline.Item{
				ID:       fmt.Sprintf("%s#%d", item.ID, i),
				Metadata: item.Metadata,
				Payload:  pipeline.Chunk{Text: part, ParentID: item.ID, Index: i},
			}
			out = append(out, chunk.WithMetadata("parent_id", item.ID))
		}
	}
	return out, nil
}

// Register adds filter.equals, route.match, and text.chunk to reg.
func Register(reg *registry.Registry) error {
	if err := reg.RegisterAction("filter.equals", FilterSpec, func(p registry.Params) (pipeline.Action, error) {
		return NewFilter(p)
	}); err != nil {
		return err
	}
	if err := reg.RegisterAction("text.chunk", ChunkSpec, func(p registry.Params) (pipeline.Action, error) {
		return NewChunker(p)
	}); err != nil {
		return err
	}
	return reg.RegisterRouter("route.match", MatchSpec, func(p registry.Params) (pipeline.Router, error) {
		return NewMatch(p)
	})
}
