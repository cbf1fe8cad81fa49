// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/catalog"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/memory"
	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const inlineGraph = `{
  "name": "inline",
  "nodes": [
    {"id": "src", "type": "source", "capability": "memory.items", "params": {"items": [{"id": "a"}, {"id": "b"}]}},
    {"id": "out", "type": "sink", "capability": "memory.collect", "params": {"name": "inline-out"}}
  ],
  "edges": [{"from": "src", "to": "out"}]
}`

const catalogGraph = `
name: nightly
nodes:
  src:
    type: source
    capability: memory.items
    params:
      dataset: input
  out:
    type: sink
    capability: memory.collect
    params:
      name: nightly-out
edges:
  - {from: src, to: out}
`

type fixture struct {
	router  *gin.Engine
	store   *memory.Store
	manager *engine.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.NewStore()
	reg := registry.New()
	require.NoError(t, memory.Register(reg, store))
	reg.Seal()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nightly.yaml"), []byte(catalogGraph), 0o644))
	cat := catalog.New(dir, reg, logger)
	require.NoError(t, cat.Load(context.Background()))
	t.Cleanup(func() { _ = cat.Close() })

	mgr := engine.NewManager(nil, nil, logger)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	return &fixture{router: NewServer(mgr, reg, cat, logger).Router(), store: store, manager: mgr}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListCapabilities(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/capabilities", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[struct {
		Capabilities []struct {
			Kind string `json:"kind"`
			ID   string `json:"id"`
		} `json:"capabilities"`
	}](t, w)
	require.Len(t, resp.Capabilities, 2)
	ids := []string{resp.Capabilities[0].ID, resp.Capabilities[1].ID}
	assert.ElementsMatch(t, []string{"memory.items", "memory.collect"}, ids)
}

func TestListGraphs(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/graphs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Graphs []catalog.Entry `json:"graphs"`
	}](t, w)
	require.Len(t, resp.Graphs, 1)
	assert.Equal(t, "nightly", resp.Graphs[0].Name)
	assert.Equal(t, 2, resp.Graphs[0].Nodes)
}

func TestValidateGraph(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/graphs/validate", map[string]any{"definition": json.RawMessage(inlineGraph)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ok := decode[ValidateResponse](t, w)
	assert.True(t, ok.Valid)
	assert.Equal(t, []string{"src", "out"}, ok.Order)

	w = f.do(t, http.MethodPost, "/v1/graphs/validate", map[string]any{"definition": catalogGraph, "format": "yaml"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	bad := `{"name":"bad","nodes":[{"id":"src","type":"source","capability":"nope"}],"edges":[]}`
	w = f.do(t, http.MethodPost, "/v1/graphs/validate", map[string]any{"definition": json.RawMessage(bad)})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decode[ValidateResponse](t, w)
	assert.False(t, resp.Valid)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, "src", resp.Errors[0].Node)

	w = f.do(t, http.MethodPost, "/v1/graphs/validate", map[string]any{"definition": inlineGraph, "format": "toml"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitInlineAndWait(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/runs", map[string]any{"definition": json.RawMessage(inlineGraph)})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sub := decode[SubmitResponse](t, w)
	require.NotEmpty(t, sub.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := f.manager.Wait(ctx, sub.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSuccess, run.Status)
	assert.Len(t, f.store.Items("inline-out"), 2)

	w = f.do(t, http.MethodGet, "/v1/runs/"+sub.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[engine.Run](t, w)
	assert.Equal(t, engine.StatusSuccess, got.Status)
	assert.Equal(t, "inline", got.PlanName)

	w = f.do(t, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Runs []engine.Run `json:"runs"`
	}](t, w)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, sub.RunID, list.Runs[0].ID)
}

func TestSubmitCatalogGraph(t *testing.T) {
	f := newFixture(t)
	f.store.Put("input", nil)

	w := f.do(t, http.MethodPost, "/v1/runs", map[string]any{"graph": "nightly", "cursor_scope": "api-test"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sub := decode[SubmitResponse](t, w)

	run, err := f.manager.Wait(context.Background(), sub.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSuccess, run.Status)
	assert.Equal(t, "api-test", run.CursorScope)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"neither graph nor definition", map[string]any{"resume": true}, http.StatusBadRequest},
		{"both", map[string]any{"graph": "nightly", "definition": json.RawMessage(inlineGraph)}, http.StatusBadRequest},
		{"unknown graph", map[string]any{"graph": "missing"}, http.StatusNotFound},
		{"invalid graph", map[string]any{"definition": json.RawMessage(`{"name":"x","nodes":[],"edges":[]}`)}, http.StatusUnprocessableEntity},
		{"bad json", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/runs", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestRunNotFound(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/runs/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/runs/nope/cancel", nil).Code)
}

func TestCancelFinishedRunIsNoop(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/runs", map[string]any{"definition": json.RawMessage(inlineGraph)})
	require.Equal(t, http.StatusAccepted, w.Code)
	sub := decode[SubmitResponse](t, w)
	_, err := f.manager.Wait(context.Background(), sub.RunID)
	require.NoError(t, err)

	w = f.do(t, http.MethodPost, "/v1/runs/"+sub.RunID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, engine.StatusSuccess, decode[engine.Run](t, w).Status)
}
