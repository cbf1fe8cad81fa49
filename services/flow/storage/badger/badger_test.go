// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetPutDelete(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	_, err := db.Get(ctx, []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put(ctx, []byte("k"), []byte("v")))
	got, err := db.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, db.Delete(ctx, []byte("k")))
	_, err = db.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	type summary struct {
		ID    string `json:"id"`
		Items int    `json:"items"`
	}
	require.NoError(t, db.PutJSON(ctx, []byte("run/1"), summary{ID: "1", Items: 5}))

	var got summary
	require.NoError(t, db.GetJSON(ctx, []byte("run/1"), &got))
	assert.Equal(t, summary{ID: "1", Items: 5}, got)
}

func TestScanAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	for _, k := range []string{"cursor/a/x", "cursor/a/y", "cursor/b/x", "run/1"} {
		require.NoError(t, db.Put(ctx, []byte(k), []byte(k)))
	}

	var keys []string
	require.NoError(t, db.Scan(ctx, []byte("cursor/a/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"cursor/a/x", "cursor/a/y"}, keys)

	require.NoError(t, db.DeletePrefix(ctx, []byte("cursor/")))
	keys = nil
	require.NoError(t, db.Scan(ctx, nil, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"run/1"}, keys)
}

func TestCancelledContext(t *testing.T) {
	db := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, db.Put(ctx, []byte("k"), []byte("v")), context.Canceled)
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, []byte("cursor/s/n"), []byte("42")))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, []byte("cursor/s/n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), got)
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	_, err = Open(Config{InMemory: true, GCDiscardRatio: 2})
	assert.Error(t, err)
}
