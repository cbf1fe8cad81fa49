// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"maps"
)

// =============================================================================
// Payload Variants
// =============================================================================

// PayloadKind names one of the closed set of payload variants.
type PayloadKind string

const (
	KindDocument  PayloadKind = "document"
	KindRecord    PayloadKind = "record"
	KindEmbedding PayloadKind = "embedding"
	KindBinary    PayloadKind = "binary"
	KindChunk     PayloadKind = "chunk"
)

// Payload is the typed body of an Item.
//
// The set of implementations is closed: the unexported payload method means
// only the variants declared in this file satisfy it. Code that switches on
// a Payload can therefore cover every case.
type Payload interface {
	Kind() PayloadKind
	payload()
}

// Document is a whole text document, usually straight from a source.
type Document struct {
	Text     string
	MimeType string
	Source   string
}

// Record is a row of named fields.
type Record struct {
	Fields map[string]any
}

// Embedding is a vector produced by an embedding model.
type Embedding struct {
	Vector []float32
	Model  string
	Text   string
}

// Binary is an opaque object body.
type Binary struct {
	Data        []byte
	ContentType string
}

// Chunk is a slice of a larger document.
type Chunk struct {
	Text     string
	ParentID string
	Index    int
}

func (Document) Kind() PayloadKind  { return KindDocument }
func (Record) Kind() PayloadKind    { return KindRecord }
func (Embedding) Kind() PayloadKind { return KindEmbedding }
func (Binary) Kind() PayloadKind    { return KindBinary }
func (Chunk) Kind() PayloadKind     { return KindChunk }

func (Document) payload()  {}
func (Record) payload()    {}
func (Embedding) payload() {}
func (Binary) payload()    {}
func (Chunk) payload()     {}

// =============================================================================
// Item
// =============================================================================

// Item is the unit of data flowing along an edge.
//
// Items are treated as immutable once produced. Fan-out hands the same Item
// value to every consumer, so transforms must build new items with
// WithPayload or WithMetadata instead of editing maps in place.
type Item struct {
	ID       string
	Metadata map[string]string
	Payload  Payload
}

// Batch is an ordered group of items processed by one capability call.
type Batch []Item

// NewItem creates an item with the given id and payload.
func NewItem(id string, p Payload) Item {
	return Item{ID: id, Payload: p}
}

// Kind returns the payload kind, or "" for an empty item.
func (i Item) Kind() PayloadKind {
	if i.Payload == nil {
		return ""
	}
	return i.Payload.Kind()
}

// WithPayload returns a copy of the item carrying p.
func (i Item) WithPayload(p Payload) Item {
	i.Payload = p
	return i
}

// WithMetadata returns a copy of the item with key set to value. The
// receiver's metadata map is not modified.
func (i Item) WithMetadata(key, value string) Item {
	md := make(map[string]string, len(i.Metadata)+1)
	maps.Copy(md, i.Metadata)
	md[key] = value
	i.Metadata = md
	return i
}

// Field looks a named value up on the item.
//
// Records resolve against their fields first. Every kind falls back to
// metadata, then to the pseudo-fields "id" and "kind".
func (i Item) Field(name string) (any, bool) {
	if rec, ok := i.Payload.(Record); ok {
		if v, ok := rec.Fields[name]; ok {
			return v, true
		}
	}
	if v, ok := i.Metadata[name]; ok {
		return v, true
	}
	switch name {
	case "id":
		return i.ID, true
	case "kind":
		return string(i.Kind()), true
	}
	return nil, false
}

// Text returns the textual body for text-bearing kinds.
func (i Item) Text() (string, bool) {
	switch p := i.Payload.(type) {
	case Document:
		return p.Text, true
	case Chunk:
		return p.Text, true
	case Embedding:
		return p.Text, p.Text != ""
	case Record:
		if v, ok := p.Fields["text"].(string); ok {
			return v, true
		}
	}
	return "", false
}

// String renders a short description for logs.
func (i Item) String() string {
	return fmt.Sprintf("%s(%s)", i.Kind(), i.ID)
}

// =============================================================================
// Cursor
// =============================================================================

// Cursor is the opaque resumption token a source returns with every item.
//
// Only the source that produced a cursor may interpret it. The engine stores
// and replays the bytes verbatim. A nil or empty Cursor is the initial state.
type Cursor []byte

// IsInitial reports whether c is the distinguished initial-state cursor.
func (c Cursor) IsInitial() bool {
	return len(c) == 0
}

// Clone returns an independent copy of the cursor bytes.
func (c Cursor) Clone() Cursor {
	if c == nil {
		return nil
	}
	out := make(Cursor, len(c))
	copy(out, c)
	return out
}
