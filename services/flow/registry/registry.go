// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry binds capability identifiers to factories and parameter
// schemas.
//
// The registry is populated once at process start and then sealed. After
// Seal it is a read-only lookup table, safe for concurrent use by the
// compiler and by every run.
//
//	reg := registry.New()
//	reg.MustRegisterAction("filter.equals", registry.Spec{...}, newFilter)
//	reg.Seal()
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

var (
	// ErrDuplicateCapability is returned when an id is registered twice for
	// the same kind.
	ErrDuplicateCapability = errors.New("capability already registered")

	// ErrUnknownCapability is returned when a lookup misses.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrRegistrySealed is returned when registering after Seal.
	ErrRegistrySealed = errors.New("registry is sealed")

	// ErrInvalidParams wraps parameter validation failures.
	ErrInvalidParams = errors.New("invalid parameters")
)

// Kind is the capability kind.
type Kind string

const (
	KindSource Kind = "source"
	KindSink   Kind = "sink"
	KindAction Kind = "action"
	KindRouter Kind = "router"
)

// Traits describe how the engine may invoke a capability instance.
type Traits struct {
	// SingleThreaded makes the engine serialize calls into the instance.
	SingleThreaded bool `json:"single_threaded,omitempty"`

	// OrderPreserving keeps a node's output in input order by running one
	// worker for it.
	OrderPreserving bool `json:"order_preserving,omitempty"`
}

// Spec is the static description of a capability.
type Spec struct {
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
	Traits      Traits      `json:"traits"`
}

// Factories build capability instances from validated params.
type (
	SourceFactory func(Params) (pipeline.Source, error)
	SinkFactory   func(Params) (pipeline.Sink, error)
	ActionFactory func(Params) (pipeline.Action, error)
	RouterFactory func(Params) (pipeline.Router, error)
)

// Entry is one registered capability.
type Entry struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
	Spec Spec   `json:"spec"`

	build func(Params) (any, error)
}

// Build validates raw params and constructs a new instance.
//
// The returned value implements the pipeline interface matching e.Kind.
func (e *Entry) Build(raw map[string]any) (any, error) {
	params, errs := checkParams(e.Spec.Params, raw)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w for %s %q: %w", ErrInvalidParams, e.Kind, e.ID, errors.Join(errs...))
	}
	inst, err := e.build(params)
	if err != nil {
		return nil, fmt.Errorf("build %s %q: %w", e.Kind, e.ID, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("build %s %q: factory returned nil", e.Kind, e.ID)
	}
	return inst, nil
}

type key struct {
	kind Kind
	id   string
}

// Registry is the capability lookup table.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*Entry
	sealed  bool
}

// New returns an empty, unsealed registry.
func New() *Registry {
	return &Registry{entries: make(map[key]*Entry)}
}

func (r *Registry) register(kind Kind, id string, spec Spec, build func(Params) (any, error)) error {
	if id == "" {
		return fmt.Errorf("%w: empty capability id", pipeline.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(spec.Params))
	for _, p := range spec.Params {
		if p.Name == "" || seen[p.Name] {
			return fmt.Errorf("%w: %s %q has an empty or repeated parameter name", pipeline.ErrInvalidInput, kind, id)
		}
		seen[p.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %s %q", ErrRegistrySealed, kind, id)
	}
	k := key{kind: kind, id: id}
	if _, exists := r.entries[k]; exists {
		return fmt.Errorf("%w: %s %q", ErrDuplicateCapability, kind, id)
	}
	r.entries[k] = &Entry{Kind: kind, ID: id, Spec: spec, build: build}
	return nil
}

// RegisterSource adds a source capability.
func (r *Registry) RegisterSource(id string, spec Spec, f SourceFactory) error {
	return r.register(KindSource, id, spec, func(p Params) (any, error) { return nonNil(f(p)) })
}

// RegisterSink adds a sink capability.
func (r *Registry) RegisterSink(id string, spec Spec, f SinkFactory) error {
	return r.register(KindSink, id, spec, func(p Params) (any, error) { return nonNil(f(p)) })
}

// RegisterAction adds an action capability.
func (r *Registry) RegisterAction(id string, spec Spec, f ActionFactory) error {
	return r.register(KindAction, id, spec, func(p Params) (any, error) { return nonNil(f(p)) })
}

// RegisterRouter adds a router capability for switch nodes.
func (r *Registry) RegisterRouter(id string, spec Spec, f RouterFactory) error {
	return r.register(KindRouter, id, spec, func(p Params) (any, error) { return nonNil(f(p)) })
}

// MustRegisterSource is RegisterSource that panics on error.
func (r *Registry) MustRegisterSource(id string, spec Spec, f SourceFactory) {
	must(r.RegisterSource(id, spec, f))
}

// MustRegisterSink is RegisterSink that panics on error.
func (r *Registry) MustRegisterSink(id string, spec Spec, f SinkFactory) {
	must(r.RegisterSink(id, spec, f))
}

// MustRegisterAction is RegisterAction that panics on error.
func (r *Registry) MustRegisterAction(id string, spec Spec, f ActionFactory) {
	must(r.RegisterAction(id, spec, f))
}

// MustRegisterRouter is RegisterRouter that panics on error.
func (r *Registry) MustRegisterRouter(id string, spec Spec, f RouterFactory) {
	must(r.RegisterRouter(id, spec, f))
}

// Seal freezes the registry. Further registration fails.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the entry for (kind, id).
func (r *Registry) Lookup(kind Kind, id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key{kind: kind, id: id}]
	return e, ok
}

// ValidateParams checks raw against the schema of (kind, id).
//
// Outputs:
//
//	Params - Coerced params with defaults applied. Nil when the capability
//	         is unknown.
//	[]error - Every problem found; empty when valid.
func (r *Registry) ValidateParams(kind Kind, id string, raw map[string]any) (Params, []error) {
	e, ok := r.Lookup(kind, id)
	if !ok {
		return nil, []error{fmt.Errorf("%w: %s %q", ErrUnknownCapability, kind, id)}
	}
	return checkParams(e.Spec.Params, raw)
}

// List returns every entry sorted by kind then id.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func nonNil[T any](v T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
