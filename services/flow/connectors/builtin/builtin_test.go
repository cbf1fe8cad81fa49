// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/memory"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

func TestNewRegistry(t *testing.T) {
	store := memory.NewStore()
	reg, got, err := NewRegistry(Deps{Memory: store})
	require.NoError(t, err)
	assert.Same(t, store, got)
	assert.True(t, reg.Sealed())

	for _, c := range []struct {
		kind registry.Kind
		id   string
	}{
		{registry.KindSource, "memory.items"},
		{registry.KindSource, "sql.table"},
		{registry.KindSource, "gcs.objects"},
		{registry.KindSink, "memory.collect"},
		{registry.KindSink, "weaviate.objects"},
		{registry.KindSink, "influx.points"},
		{registry.KindAction, "filter.equals"},
		{registry.KindAction, "text.chunk"},
		{registry.KindAction, "openai.embed"},
		{registry.KindAction, "openai.enrich"},
		{registry.KindAction, "policy.classify"},
		{registry.KindRouter, "route.match"},
		{registry.KindRouter, "policy.route"},
	} {
		_, ok := reg.Lookup(c.kind, c.id)
		assert.True(t, ok, "%s %s", c.kind, c.id)
	}
	assert.Equal(t, 13, reg.Len())
}

func TestRegister_Twice(t *testing.T) {
	reg := registry.New()
	_, err := Register(reg, Deps{})
	require.NoError(t, err)
	_, err = Register(reg, Deps{})
	assert.ErrorIs(t, err, registry.ErrDuplicateCapability)
}
