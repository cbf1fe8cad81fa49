// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cursor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := flowbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": NewBadgerStore(db),
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.Load(ctx, "graph", "src")
			require.NoError(t, err)
			assert.False(t, ok)

			c := pipeline.Cursor(`{"k":3}`)
			require.NoError(t, s.Save(ctx, "graph", "src", c))
			require.NoError(t, s.Save(ctx, "graph", "other", pipeline.Cursor("x")))
			require.NoError(t, s.Save(ctx, "graph2", "src", pipeline.Cursor("y")))

			// Mutating the saved slice must not affect the stored cursor.
			c[0] = '['
			got, ok, err := s.Load(ctx, "graph", "src")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, pipeline.Cursor(`{"k":3}`), got)

			require.NoError(t, s.Clear(ctx, "graph"))
			_, ok, err = s.Load(ctx, "graph", "other")
			require.NoError(t, err)
			assert.False(t, ok)

			got, ok, err = s.Load(ctx, "graph2", "src")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, pipeline.Cursor("y"), got)
		})
	}
}

func TestStore_InvalidScope(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.ErrorIs(t, s.Save(ctx, "", "n", nil), ErrInvalidScope)
			assert.ErrorIs(t, s.Save(ctx, "a/b", "n", nil), ErrInvalidScope)
			_, _, err := s.Load(ctx, "a", "x/y")
			assert.ErrorIs(t, err, ErrInvalidScope)
		})
	}
}

func TestKeyset_RoundTrip(t *testing.T) {
	c, err := EncodeKeyset(Keyset{Primary: int64(9007199254740993), Tiebreaker: "b"})
	require.NoError(t, err)

	k, ok, err := DecodeKeyset(c)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), k.Primary)
	assert.Equal(t, "b", k.Tiebreaker)

	n, err := Int64(k.Primary)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), n)
}

func TestKeyset_Initial(t *testing.T) {
	_, ok, err := DecodeKeyset(nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = DecodeKeyset(pipeline.Cursor("not json"))
	assert.Error(t, err)

	_, err = Int64("x")
	assert.Error(t, err)
}
