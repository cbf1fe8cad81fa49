// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

type lineCapture struct {
	mu     sync.Mutex
	lines  []string
	query  string
	auth   string
	status int
}

func (c *lineCapture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		http.NotFound(w, r)
		return
	}
	if c.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(c.status)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"bad point"}`))
		return
	}
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.query = r.URL.RawQuery
	c.auth = r.Header.Get("Authorization")
	for _, l := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if l != "" {
			c.lines = append(c.lines, l)
		}
	}
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func newSink(t *testing.T, c *lineCapture, cfg Config) *Sink {
	t.Helper()
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	cfg.URL = srv.URL
	s := NewSink(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSink_WritesPoints(t *testing.T) {
	c := &lineCapture{}
	s := newSink(t, c, Config{
		Token: "secret", Org: "acme", Bucket: "runs", Measurement: "events",
		TagFields: []string{"host"}, TimeField: "ts",
	})

	batch := pipeline.Batch{
		pipeline.NewItem("1", pipeline.Record{Fields: map[string]any{"host": "a", "n": 3, "ts": int64(1700000000)}}),
		pipeline.NewItem("2", pipeline.Record{Fields: map[string]any{"host": "b", "ok": true, "ts": "2023-11-14T22:13:21Z"}}),
	}
	ack, err := s.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Written)
	assert.Empty(t, ack.Failed)

	require.Len(t, c.lines, 2)
	assert.Equal(t, "events,host=a n=3i 1700000000000000000", c.lines[0])
	assert.Equal(t, "events,host=b ok=true 1700000001000000000", c.lines[1])
	assert.Contains(t, c.query, "org=acme")
	assert.Contains(t, c.query, "bucket=runs")
	assert.Equal(t, "Token secret", c.auth)
}

func TestSink_UnconvertibleItemsFail(t *testing.T) {
	c := &lineCapture{}
	s := newSink(t, c, Config{Org: "o", Bucket: "b", Measurement: "m", TagFields: []string{"host"}})
	s.now = func() time.Time { return time.Unix(10, 0) }

	batch := pipeline.Batch{
		pipeline.NewItem("doc", pipeline.Document{Text: "x"}),
		pipeline.NewItem("tags-only", pipeline.Record{Fields: map[string]any{"host": "a"}}),
		pipeline.NewItem("ok", pipeline.Record{Fields: map[string]any{"v": 1.5}}),
	}
	ack, err := s.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Written)
	require.Len(t, ack.Failed, 2)
	for _, f := range ack.Failed {
		assert.False(t, pipeline.IsRetryable(f.Err))
	}
	assert.Equal(t, []string{"m v=1.5 10000000000"}, c.lines)
}

func TestSink_BadTimestamp(t *testing.T) {
	s := newSink(t, &lineCapture{}, Config{Org: "o", Bucket: "b", Measurement: "m", TimeField: "ts"})
	ack, err := s.Write(context.Background(), pipeline.Batch{
		pipeline.NewItem("1", pipeline.Record{Fields: map[string]any{"v": 1, "ts": "yesterday"}}),
	})
	require.NoError(t, err)
	require.Len(t, ack.Failed, 1)
	assert.Equal(t, "1", ack.Failed[0].ItemID)
}

func TestSink_RequestErrors(t *testing.T) {
	batch := pipeline.Batch{pipeline.NewItem("1", pipeline.Record{Fields: map[string]any{"v": 1}})}

	_, err := newSink(t, &lineCapture{status: http.StatusBadRequest}, Config{Org: "o", Bucket: "b", Measurement: "m"}).
		Write(context.Background(), batch)
	require.Error(t, err)
	assert.False(t, pipeline.IsRetryable(err))

	_, err = newSink(t, &lineCapture{status: http.StatusServiceUnavailable}, Config{Org: "o", Bucket: "b", Measurement: "m"}).
		Write(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, pipeline.IsRetryable(err))
}

func TestRegister_TokenFallback(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg, "env-token"))
	entry, ok := reg.Lookup(registry.KindSink, "influx.points")
	require.True(t, ok)

	inst, err := entry.Build(map[string]any{
		"url": "http://localhost:8086", "org": "o", "bucket": "b", "measurement": "m",
	})
	require.NoError(t, err)
	s := inst.(*Sink)
	defer s.Close()
	assert.Equal(t, "env-token", s.cfg.Token)

	_, err = entry.Build(map[string]any{"url": "http://localhost:8086", "org": "o", "bucket": "b"})
	assert.ErrorIs(t, err, registry.ErrInvalidParams)
}
