// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cursor persists source cursors so a run can resume after the last
// fully delivered item.
//
// Cursors are scoped: a scope is usually a graph name or an operator-chosen
// label, and within a scope each source node owns one cursor.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

// ErrInvalidScope is returned for empty scopes or ids containing '/'.
var ErrInvalidScope = errors.New("invalid cursor scope")

// Store persists committed source cursors.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the committed cursor for node in scope. ok is false when
	// nothing has been committed yet.
	Load(ctx context.Context, scope, node string) (c pipeline.Cursor, ok bool, err error)

	// Save commits c as the cursor for node in scope.
	Save(ctx context.Context, scope, node string, c pipeline.Cursor) error

	// Clear removes every cursor in scope.
	Clear(ctx context.Context, scope string) error
}

func checkScope(scope, node string) error {
	if scope == "" || strings.Contains(scope, "/") {
		return fmt.Errorf("%w: scope %q", ErrInvalidScope, scope)
	}
	if strings.Contains(node, "/") {
		return fmt.Errorf("%w: node %q", ErrInvalidScope, node)
	}
	return nil
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore keeps cursors in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]map[string]pipeline.Cursor
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]map[string]pipeline.Cursor)}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, scope, node string) (pipeline.Cursor, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := checkScope(scope, node); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[scope][node]
	return c.Clone(), ok, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, scope, node string, c pipeline.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkScope(scope, node); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.cursors[scope]
	if !ok {
		m = make(map[string]pipeline.Cursor)
		s.cursors[scope] = m
	}
	m[node] = c.Clone()
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context, scope string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkScope(scope, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, scope)
	return nil
}

// =============================================================================
// BadgerStore
// =============================================================================

// BadgerStore persists cursors under keys "cursor/<scope>/<node>".
type BadgerStore struct {
	db *flowbadger.DB
}

// NewBadgerStore returns a Store backed by db. The caller owns db.
func NewBadgerStore(db *flowbadger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func scopePrefix(scope string) []byte {
	return []byte("cursor/" + scope + "/")
}

func cursorKey(scope, node string) []byte {
	return append(scopePrefix(scope), node...)
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, scope, node string) (pipeline.Cursor, bool, error) {
	if err := checkScope(scope, node); err != nil {
		return nil, false, err
	}
	data, err := s.db.Get(ctx, cursorKey(scope, node))
	if errors.Is(err, flowbadger.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cursor %s/%s: %w", scope, node, err)
	}
	return pipeline.Cursor(data), true, nil
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, scope, node string, c pipeline.Cursor) error {
	if err := checkScope(scope, node); err != nil {
		return err
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(cursorKey(scope, node), []byte(c.Clone()))
	})
	if err != nil {
		return fmt.Errorf("save cursor %s/%s: %w", scope, node, err)
	}
	return nil
}

// Clear implements Store.
func (s *BadgerStore) Clear(ctx context.Context, scope string) error {
	if err := checkScope(scope, ""); err != nil {
		return err
	}
	var keys [][]byte
	err := s.db.Scan(ctx, scopePrefix(scope), func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan cursors %s: %w", scope, err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
