// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builtin registers every bundled capability.
package builtin

import (
	"fmt"

	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/actions"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/gcs"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/influx"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/llm"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/memory"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/policy"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/sqltable"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/weaviate"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// Deps carries process-level settings that capabilities fall back to when
// a node does not set them.
type Deps struct {
	// Memory backs memory.items datasets and memory.collect. Nil creates a
	// fresh store.
	Memory *memory.Store

	OpenAI             llm.ClientConfig
	InfluxToken        string
	WeaviateURL        string
	GCSCredentialsFile string
}

// Register adds every bundled capability to reg and returns the memory
// store in use.
func Register(reg *registry.Registry, deps Deps) (*memory.Store, error) {
	store := deps.Memory
	if store == nil {
		store = memory.NewStore()
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"memory", func() error { return memory.Register(reg, store) }},
		{"actions", func() error { return actions.Register(reg) }},
		{"policy", func() error { return policy.Register(reg) }},
		{"sqltable", func() error { return sqltable.Register(reg) }},
		{"gcs", func() error { return gcs.Register(reg, deps.GCSCredentialsFile) }},
		{"weaviate", func() error { return weaviate.Register(reg, deps.WeaviateURL) }},
		{"influx", func() error { return influx.Register(reg, deps.InfluxToken) }},
		{"llm", func() error { return llm.Register(reg, deps.OpenAI) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return nil, fmt.Errorf("register %s capabilities: %w", s.name, err)
		}
	}
	return store, nil
}

// NewRegistry returns a sealed registry with every bundled capability.
func NewRegistry(deps Deps) (*registry.Registry, *memory.Store, error) {
	reg := registry.New()
	store, err := Register(reg, deps)
	if err != nil {
		return nil, nil, err
	}
	reg.Seal()
	return reg, store, nil
}
