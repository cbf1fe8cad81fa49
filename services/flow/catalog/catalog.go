// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog keeps a directory of graph definitions compiled and
// indexed by graph name.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// ErrDuplicateName is recorded for a file whose graph name is already
// served by another file.
var ErrDuplicateName = errors.New("graph name already defined by another file")

// Entry is the state of one graph file.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	PlanID   string    `json:"plan_id,omitempty"`
	Nodes    int       `json:"nodes"`
	LoadedAt time.Time `json:"loaded_at"`

	// Error is the last load failure. When set, the previous good plan (if
	// any) is still served.
	Error string `json:"error,omitempty"`

	plan *graph.Plan
}

// Catalog compiles every graph file in a directory.
//
// Description:
//
//	Files with a .yaml, .yml, .json or .hcl extension are loaded. Each
//	file's graph is served under its definition name, or the file name
//	without extension when the definition has none. A file that fails to
//	parse or compile keeps serving its last good plan.
//
// Thread Safety: Safe for concurrent use.
type Catalog struct {
	dir    string
	reg    *registry.Registry
	logger *slog.Logger

	mu     sync.RWMutex
	byPath map[string]*Entry
	byName map[string]string // name -> path

	// Replaced or removed plans stay open while runs hold a lease on them.
	leases  map[*graph.Plan]int
	retired map[*graph.Plan]bool
}

// New creates an empty catalog over dir. Call Load to populate it.
func New(dir string, reg *registry.Registry, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		dir:    dir,
		reg:    reg,
		logger: logger.With(slog.String("component", "catalog")),
		byPath:  make(map[string]*Entry),
		byName:  make(map[string]string),
		leases:  make(map[*graph.Plan]int),
		retired: make(map[*graph.Plan]bool),
	}
}

// Dir returns the watched directory.
func (c *Catalog) Dir() string { return c.dir }

// Load compiles every graph file in the directory.
//
// Outputs:
//
//	error - Non-nil if the directory cannot be read, or joins the failure
//	        of every file that did not load. Files that loaded are served
//	        either way.
func (c *Catalog) Load(ctx context.Context) error {
	if ctx == nil {
		return pipeline.ErrNilContext
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read graph directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isGraphFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(c.dir, e.Name()))
	}
	sort.Strings(paths)

	var errs []error
	for _, p := range paths {
		if err := c.Reload(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload recompiles one file. A missing file is removed from the catalog.
func (c *Catalog) Reload(ctx context.Context, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c.remove(path)
		return nil
	}

	def, err := graph.Load(path)
	var plan *graph.Plan
	if err == nil {
		plan, err = graph.Compile(ctx, def, c.reg)
	}
	if err != nil {
		c.fail(path, err)
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, taken := c.byName[def.Name]; taken && owner != path {
		_ = plan.Close()
		c.failLocked(path, fmt.Errorf("%w: %q is defined in %s", ErrDuplicateName, def.Name, filepath.Base(owner)))
		return fmt.Errorf("%s: %w", filepath.Base(path), ErrDuplicateName)
	}

	prev := c.byPath[path]
	if prev != nil {
		if prev.plan != nil {
			c.retireLocked(prev.plan)
		}
		if prev.Name != def.Name && c.byName[prev.Name] == path {
			delete(c.byName, prev.Name)
		}
	}
	c.byPath[path] = &Entry{
		Name:     def.Name,
		Path:     path,
		PlanID:   plan.ID,
		Nodes:    len(plan.Order),
		LoadedAt: time.Now(),
		plan:     plan,
	}
	c.byName[def.Name] = path
	c.logger.Info("Graph loaded",
		slog.String("graph", def.Name),
		slog.String("path", path),
		slog.String("plan_id", plan.ID))
	return nil
}

func (c *Catalog) fail(path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(path, err)
}

func (c *Catalog) failLocked(path string, err error) {
	c.logger.Warn("Graph failed to load", slog.String("path", path), slog.String("error", err.Error()))
	if e, ok := c.byPath[path]; ok {
		e.Error = err.Error()
		return
	}
	name := filepath.Base(path)
	c.byPath[path] = &Entry{Name: name[:len(name)-len(filepath.Ext(name))], Path: path, Error: err.Error()}
}

func (c *Catalog) remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byPath[path]
	if !ok {
		return
	}
	delete(c.byPath, path)
	if c.byName[e.Name] == path {
		delete(c.byName, e.Name)
	}
	if e.plan != nil {
		c.retireLocked(e.plan)
	}
	c.logger.Info("Graph removed", slog.String("graph", e.Name), slog.String("path", path))
}

// retireLocked closes a plan that is no longer served, or marks it to be
// closed when its last lease is released.
func (c *Catalog) retireLocked(plan *graph.Plan) {
	if c.leases[plan] > 0 {
		c.retired[plan] = true
		return
	}
	c.closePlan(plan)
}

func (c *Catalog) closePlan(plan *graph.Plan) {
	if err := plan.Close(); err != nil {
		c.logger.Warn("Failed to close replaced plan",
			slog.String("plan_id", plan.ID),
			slog.String("error", err.Error()))
	}
}

// Acquire returns the current plan for a graph name together with a lease.
//
// Description:
//
//	The plan stays open until release is called, even if the file is
//	reloaded or removed meanwhile; a plan retired while leased is closed
//	by its last release. release is safe to call more than once.
//
// Thread Safety: Safe for concurrent use.
func (c *Catalog) Acquire(name string) (plan *graph.Plan, release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path, found := c.byName[name]
	if !found || c.byPath[path].plan == nil {
		return nil, nil, false
	}
	plan = c.byPath[path].plan
	c.leases[plan]++

	var once sync.Once
	return plan, func() { once.Do(func() { c.release(plan) }) }, true
}

func (c *Catalog) release(plan *graph.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.leases[plan]
	if !ok {
		return
	}
	if n > 1 {
		c.leases[plan] = n - 1
		return
	}
	delete(c.leases, plan)
	if c.retired[plan] {
		delete(c.retired, plan)
		c.closePlan(plan)
	}
}

// Get returns the current plan for a graph name. Callers that execute the
// plan should use Acquire so a reload cannot close it mid-run.
func (c *Catalog) Get(name string) (*graph.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	e := c.byPath[path]
	return e.plan, e.plan != nil
}

// List returns every file's state, sorted by name then path.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.byPath))
	for _, e := range c.byPath {
		out = append(out, *e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Close releases every plan the catalog compiled, current and replaced,
// leased or not.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, e := range c.byPath {
		if e.plan != nil {
			errs = append(errs, e.plan.Close())
		}
	}
	for p := range c.retired {
		errs = append(errs, p.Close())
	}
	c.byPath = make(map[string]*Entry)
	c.byName = make(map[string]string)
	c.leases = make(map[*graph.Plan]int)
	c.retired = make(map[*graph.Plan]bool)
	return errors.Join(errs...)
}

func isGraphFile(name string) bool {
	_, err := graph.FormatFromPath(name)
	return err == nil
}
