// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

// RunStore keeps the history of finished runs.
type RunStore interface {
	Save(ctx context.Context, run Run) error
	Get(ctx context.Context, id string) (Run, bool, error)
	List(ctx context.Context) ([]Run, error)
}

// BadgerRunStore stores finished runs as JSON under "run/<id>".
type BadgerRunStore struct {
	db *flowbadger.DB
}

// NewBadgerRunStore returns a RunStore backed by db. The caller owns db.
func NewBadgerRunStore(db *flowbadger.DB) *BadgerRunStore {
	return &BadgerRunStore{db: db}
}

const runPrefix = "run/"

// Save implements RunStore.
func (s *BadgerRunStore) Save(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if err := s.db.PutJSON(ctx, []byte(runPrefix+run.ID), run); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// Get implements RunStore.
func (s *BadgerRunStore) Get(ctx context.Context, id string) (Run, bool, error) {
	var run Run
	err := s.db.GetJSON(ctx, []byte(runPrefix+id), &run)
	if errors.Is(err, flowbadger.ErrNotFound) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, true, nil
}

// List implements RunStore. Runs are returned in key order.
func (s *BadgerRunStore) List(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := s.db.Scan(ctx, []byte(runPrefix), func(_, value []byte) error {
		var run Run
		if err := json.Unmarshal(value, &run); err != nil {
			return err
		}
		runs = append(runs, run)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
