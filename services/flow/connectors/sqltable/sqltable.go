// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqltable reads a SQL table in key order with keyset pagination.
package sqltable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianFlow/services/flow/cursor"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// Spec describes the sql.table source.
var Spec = registry.Spec{
	Description: "Reads rows ordered by (key, tiebreaker); resumes strictly after the last row read.",
	Params: []registry.ParamSpec{
		{Name: "driver", Type: registry.TypeString, Default: "sqlite", Rule: "oneof=sqlite"},
		{Name: "dsn", Type: registry.TypeString, Required: true, Rule: "min=1"},
		{Name: "table", Type: registry.TypeString, Required: true},
		{Name: "key", Type: registry.TypeString, Required: true},
		{Name: "tiebreaker", Type: registry.TypeString},
		{Name: "columns", Type: registry.TypeList},
		{Name: "page_size", Type: registry.TypeInt, Default: 500, Rule: "min=1,max=100000"},
	},
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Table is the sql.table source. It owns its *sql.DB; close it with Close.
//
// Thread Safety: Open may be called concurrently; each iterator is used by
// one goroutine.
type Table struct {
	db         *sql.DB
	table      string
	key        string
	tiebreaker string
	columns    []string
	pageSize   int
}

// New builds a sql.table source from params.
func New(p registry.Params) (*Table, error) {
	t := &Table{
		table:      p.String("table"),
		key:        p.String("key"),
		tiebreaker: p.String("tiebreaker"),
		columns:    p.Strings("columns"),
		pageSize:   p.Int("page_size"),
	}
	idents := append([]string{t.table, t.key}, t.columns...)
	if t.tiebreaker != "" {
		idents = append(idents, t.tiebreaker)
	}
	for _, id := range idents {
		if !identRe.MatchString(id) {
			return nil, fmt.Errorf("%w: %q is not a plain SQL identifier", registry.ErrInvalidParams, id)
		}
	}
	if len(t.columns) > 0 {
		for _, c := range []string{t.key, t.tiebreaker} {
			if c != "" && !slices.Contains(t.columns, c) {
				t.columns = append(t.columns, c)
			}
		}
	}

	db, err := sql.Open(p.String("driver"), p.String("dsn"))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.String("driver"), err)
	}
	t.db = db
	return t, nil
}

// Close releases the database handle.
func (t *Table) Close() error {
	return t.db.Close()
}

// Open implements pipeline.Source.
func (t *Table) Open(_ context.Context, from pipeline.Cursor) (pipeline.Iterator, error) {
	k, ok, err := cursor.DecodeKeyset(from)
	if err != nil {
		return nil, pipeline.Permanent(err)
	}
	it := &iterator{t: t}
	if ok {
		it.after = &k
	}
	return it, nil
}

// query returns the page query and its arguments.
func (t *Table) query(after *cursor.Keyset) (string, []any) {
	cols := "*"
	if len(t.columns) > 0 {
		cols = strings.Join(t.columns, ", ")
	}
	order := t.key
	if t.tiebreaker != "" {
		order += ", " + t.tiebreaker
	}

	var (
		where string
		args  []any
	)
	switch {
	case after == nil:
	case t.tiebreaker == "":
		where = fmt.Sprintf(" WHERE %s > ?", t.key)
		args = append(args, sqlArg(after.Primary))
	default:
		where = fmt.Sprintf(" WHERE (%s > ? OR (%s = ? AND %s > ?))", t.key, t.key, t.tiebreaker)
		args = append(args, sqlArg(after.Primary), sqlArg(after.Primary), sqlArg(after.Tiebreaker))
	}
	args = append(args, t.pageSize)
	return fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT ?", cols, t.table, where, order), args
}

// sqlArg turns a decoded keyset value back into a value the driver
// compares correctly.
func sqlArg(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

type row struct {
	fields map[string]any
	keyset cursor.Keyset
}

type iterator struct {
	t     *Table
	after *cursor.Keyset
	buf   []row
	done  bool
}

// Next implements pipeline.Iterator.
func (it *iterator) Next(ctx context.Context) (pipeline.Item, pipeline.Cursor, error) {
	if len(it.buf) == 0 {
		if it.done {
			return pipeline.Item{}, nil, io.EOF
		}
		if err := it.fetch(ctx); err != nil {
			return pipeline.Item{}, nil, err
		}
		if len(it.buf) == 0 {
			return pipeline.Item{}, nil, io.EOF
		}
	}

	r := it.buf[0]
	it.buf = it.buf[1:]
	it.after = &r.keyset

	c, err := cursor.EncodeKeyset(r.keyset)
	if err != nil {
		return pipeline.Item{}, nil, pipeline.Permanent(err)
	}
	id := fmt.Sprint(r.keyset.Primary)
	if it.t.tiebreaker != "" {
		id += "/" + fmt.Sprint(r.keyset.Tiebreaker)
	}
	return pipeline.NewItem(id, pipeline.Record{Fields: r.fields}), c, nil
}

func (it *iterator) fetch(ctx context.Context) error {
	q, args := it.t.query(it.after)
	rows, err := it.t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return pipeline.NewConnectionError("query "+it.t.table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return pipeline.NewConnectionError("columns "+it.t.table, err)
	}
	if !slices.Contains(names, it.t.key) || (it.t.tiebreaker != "" && !slices.Contains(names, it.t.tiebreaker)) {
		return pipeline.Permanent(fmt.Errorf("table %s has no column %q or %q", it.t.table, it.t.key, it.t.tiebreaker))
	}

	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return pipeline.NewConnectionError("scan "+it.t.table, err)
		}
		fields := make(map[string]any, len(names))
		for i, name := range names {
			fields[name] = vals[i]
		}
		r := row{fields: fields, keyset: cursor.Keyset{Primary: fields[it.t.key]}}
		if it.t.tiebreaker != "" {
			r.keyset.Tiebreaker = fields[it.t.tiebreaker]
		}
		it.buf = append(it.buf, r)
	}
	if err := rows.Err(); err != nil {
		return pipeline.NewConnectionError("read "+it.t.table, err)
	}
	if len(it.buf) < it.t.pageSize {
		it.done = true
	}
	return nil
}

// Close implements pipeline.Iterator.
func (it *iterator) Close() error {
	it.buf = nil
	return nil
}

// Register adds sql.table to reg.
func Register(reg *registry.Registry) error {
	return reg.RegisterSource("sql.table", Spec, func(p registry.Params) (pipeline.Source, error) {
		return New(p)
	})
}
