// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides in-process sources and sinks backed by named
// item collections. They are used by tests and CLI demos, and to hand data
// between runs in the same process.
package memory

import (
	"context"
	"fmt"
	"io"
	"maps"
	"strconv"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/cursor"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// Store holds named item collections.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	items map[string][]pipeline.Item
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{items: make(map[string][]pipeline.Item)}
}

// Put replaces the named collection.
func (s *Store) Put(name string, items []pipeline.Item) {
	s.mu.Lock()
	s.items[name] = append([]pipeline.Item(nil), items...)
	s.mu.Unlock()
}

// Items returns a copy of the named collection.
func (s *Store) Items(name string) []pipeline.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]pipeline.Item(nil), s.items[name]...)
}

// Names returns every collection name.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for name := range s.items {
		out = append(out, name)
	}
	return out
}

// Reset removes the named collection.
func (s *Store) Reset(name string) {
	s.mu.Lock()
	delete(s.items, name)
	s.mu.Unlock()
}

func (s *Store) append(name string, items pipeline.Batch) {
	s.mu.Lock()
	s.items[name] = append(s.items[name], items...)
	s.mu.Unlock()
}

// =============================================================================
// memory.items
// =============================================================================

// ItemsSpec describes the memory.items source.
var ItemsSpec = registry.Spec{
	Description: "Reads a named in-process collection, or inline records, in order.",
	Params: []registry.ParamSpec{
		{Name: "dataset", Type: registry.TypeString, Description: "Name of a collection in the memory store."},
		{Name: "items", Type: registry.TypeList, Description: "Inline records; an \"id\" field sets the item id."},
	},
}

// Source reads a fixed list of items. The cursor is the position of the
// last item read.
type Source struct {
	store   *Store
	dataset string
	inline  []pipeline.Item
}

// NewSource builds a memory.items source from params.
func NewSource(store *Store, p registry.Params) (*Source, error) {
	s := &Source{store: store, dataset: p.String("dataset")}
	if s.dataset == "" && !p.Has("items") {
		return nil, fmt.Errorf("%w: one of dataset or items is required", registry.ErrInvalidParams)
	}
	if s.dataset != "" && store == nil {
		return nil, fmt.Errorf("dataset %q needs a memory store", s.dataset)
	}
	for i, raw := range p.List("items") {
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: items[%d] is %T, want a mapping", registry.ErrInvalidParams, i, raw)
		}
		s.inline = append(s.inline, recordItem(i, fields))
	}
	return s, nil
}

func recordItem(i int, fields map[string]any) pipeline.Item {
	id := strconv.Itoa(i + 1)
	if v, ok := fields["id"]; ok {
		id = fmt.Sprint(v)
	}
	return pipeline.NewItem(id, pipeline.Record{Fields: maps.Clone(fields)})
}

// Open implements pipeline.Source.
func (s *Source) Open(_ context.Context, from pipeline.Cursor) (pipeline.Iterator, error) {
	items := s.inline
	if s.dataset != "" {
		items = s.store.Items(s.dataset)
	}

	pos := 0
	k, ok, err := cursor.DecodeKeyset(from)
	if err != nil {
		return nil, pipeline.Permanent(err)
	}
	if ok {
		n, err := cursor.Int64(k.Primary)
		if err != nil {
			return nil, pipeline.Permanent(err)
		}
		pos = int(n)
	}
	return &sliceIterator{items: items, pos: pos}, nil
}

type sliceIterator struct {
	items []pipeline.Item
	pos   int
}

func (it *sliceIterator) Next(ctx context.Context) (pipeline.Item, pipeline.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Item{}, nil, err
	}
	if it.pos >= len(it.items) {
		return pipeline.Item{}, nil, io.EOF
	}
	item := it.items[it.pos]
	it.pos++
	c, err := cursor.EncodeKeyset(cursor.Keyset{Primary: it.pos})
	if err != nil {
		return pipeline.Item{}, nil, err
	}
	return item, c, nil
}

func (it *sliceIterator) Close() error { return nil }

// =============================================================================
// memory.collect
// =============================================================================

// CollectSpec describes the memory.collect sink.
var CollectSpec = registry.Spec{
	Description: "Appends items to a named in-process collection.",
	Params: []registry.ParamSpec{
		{Name: "name", Type: registry.TypeString, Required: true, Rule: "min=1"},
	},
}

// Sink appends every written batch to a collection.
type Sink struct {
	store *Store
	name  string
}

// NewSink builds a memory.collect sink from params.
func NewSink(store *Store, p registry.Params) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("memory.collect needs a memory store")
	}
	return &Sink{store: store, name: p.String("name")}, nil
}

// Write implements pipeline.Sink.
func (s *Sink) Write(ctx context.Context, batch pipeline.Batch) (pipeline.Ack, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Ack{}, err
	}
	s.store.append(s.name, batch)
	return pipeline.Ack{Written: len(batch)}, nil
}

// Register adds memory.items and memory.collect to reg.
func Register(reg *registry.Registry, store *Store) error {
	if err := reg.RegisterSource("memory.items", ItemsSpec, func(p registry.Params) (pipeline.Source, error) {
		return NewSource(store, p)
	}); err != nil {
		return err
	}
	return reg.RegisterSink("memory.collect", CollectSpec, func(p registry.Params) (pipeline.Sink, error) {
		return NewSink(store, p)
	})
}
