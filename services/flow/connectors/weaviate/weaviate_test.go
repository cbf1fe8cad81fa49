// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

type batchRequest struct {
	Objects []struct {
		Class      string         `json:"class"`
		ID         string         `json:"id"`
		Vector     []float32      `json:"vector"`
		Properties map[string]any `json:"properties"`
	} `json:"objects"`
}

// fakeWeaviate answers batch imports, rejecting objects whose item_id is in
// reject.
type fakeWeaviate struct {
	mu       sync.Mutex
	requests []batchRequest
	reject   map[string]bool
	status   int
}

func (f *fakeWeaviate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/meta":
		_ = json.NewEncoder(w).Encode(map[string]any{"version": "1.28.0"})
		return
	case "/v1/batch/objects":
	default:
		http.NotFound(w, r)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":[{"message":"nope"}]}`))
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	resp := make([]map[string]any, 0, len(req.Objects))
	for _, o := range req.Objects {
		result := map[string]any{"status": "SUCCESS"}
		if f.reject[o.Properties["item_id"].(string)] {
			result = map[string]any{
				"status": "FAILED",
				"errors": map[string]any{"error": []map[string]any{{"message": "invalid property"}}},
			}
		}
		resp = append(resp, map[string]any{"class": o.Class, "id": o.ID, "result": result})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newSink(t *testing.T, f *fakeWeaviate) *Sink {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	s, err := NewSink(Config{URL: srv.URL, Class: "Document"})
	require.NoError(t, err)
	s.now = func() time.Time { return time.UnixMilli(42) }
	return s
}

func TestSink_WritesObjects(t *testing.T) {
	f := &fakeWeaviate{}
	s := newSink(t, f)

	batch := pipeline.Batch{
		pipeline.NewItem("d1", pipeline.Document{Text: "hello", Source: "a.txt"}).WithMetadata("lang", "en"),
		pipeline.NewItem("e1", pipeline.Embedding{Vector: []float32{0.5, 1}, Model: "m", Text: "vec"}),
		pipeline.NewItem("r1", pipeline.Record{Fields: map[string]any{"title": "T"}}),
	}
	ack, err := s.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, ack.Written)
	assert.Empty(t, ack.Failed)

	require.Len(t, f.requests, 1)
	objs := f.requests[0].Objects
	require.Len(t, objs, 3)
	assert.Equal(t, "Document", objs[0].Class)
	assert.Equal(t, string(s.ObjectID("d1")), objs[0].ID)
	assert.Equal(t, "hello", objs[0].Properties["content"])
	assert.Equal(t, "en", objs[0].Properties["lang"])
	assert.Equal(t, "a.txt", objs[0].Properties["source"])
	assert.EqualValues(t, 42, objs[0].Properties["ingested_at"])
	assert.Equal(t, []float32{0.5, 1}, objs[1].Vector)
	assert.Equal(t, "T", objs[2].Properties["title"])
}

func TestSink_ObjectIDIsStable(t *testing.T) {
	s := newSink(t, &fakeWeaviate{})
	assert.Equal(t, s.ObjectID("x"), s.ObjectID("x"))
	assert.NotEqual(t, s.ObjectID("x"), s.ObjectID("y"))
}

func TestSink_PerObjectFailures(t *testing.T) {
	f := &fakeWeaviate{reject: map[string]bool{"2": true}}
	s := newSink(t, f)

	batch := pipeline.Batch{
		pipeline.NewItem("1", pipeline.Document{Text: "a"}),
		pipeline.NewItem("2", pipeline.Document{Text: "b"}),
		pipeline.NewItem("3", pipeline.Binary{Data: []byte{1}}),
	}
	ack, err := s.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Written)
	require.Len(t, ack.Failed, 2)

	failed := map[string]error{}
	for _, f := range ack.Failed {
		failed[f.ItemID] = f.Err
	}
	assert.Contains(t, failed["2"].Error(), "invalid property")
	assert.False(t, pipeline.IsRetryable(failed["3"]), "binary payloads never succeed")
	assert.Len(t, f.requests[0].Objects, 2)
}

func TestSink_RequestErrors(t *testing.T) {
	batch := pipeline.Batch{pipeline.NewItem("1", pipeline.Document{Text: "a"})}

	_, err := newSink(t, &fakeWeaviate{status: http.StatusUnprocessableEntity}).Write(context.Background(), batch)
	require.Error(t, err)
	assert.False(t, pipeline.IsRetryable(err))

	_, err = newSink(t, &fakeWeaviate{status: http.StatusServiceUnavailable}).Write(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, pipeline.IsRetryable(err))
}

func TestRegister(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg, ""))
	entry, ok := reg.Lookup(registry.KindSink, "weaviate.objects")
	require.True(t, ok)

	_, err := entry.Build(map[string]any{"class": "Document"})
	assert.ErrorIs(t, err, registry.ErrInvalidParams, "no url anywhere")

	_, err = entry.Build(map[string]any{"url": "not a url", "class": "Document"})
	assert.ErrorIs(t, err, registry.ErrInvalidParams)

	inst, err := entry.Build(map[string]any{"url": "http://localhost:8080", "class": "Document"})
	require.NoError(t, err)
	assert.Equal(t, "content", inst.(*Sink).textProp)

	reg = registry.New()
	require.NoError(t, Register(reg, "http://weaviate:8080"))
	entry, _ = reg.Lookup(registry.KindSink, "weaviate.objects")
	_, err = entry.Build(map[string]any{"class": "Document"})
	assert.NoError(t, err)
}
