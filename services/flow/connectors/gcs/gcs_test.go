// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gcs

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

type fakeObject struct {
	Object
	data []byte
}

type fakeBucket struct {
	objects map[string]fakeObject
	listErr error
}

func newFakeBucket(objs ...fakeObject) *fakeBucket {
	b := &fakeBucket{objects: make(map[string]fakeObject)}
	for _, o := range objs {
		b.objects[o.Name] = o
	}
	return b
}

type sliceIter struct {
	objs []Object
	err  error
}

func (s *sliceIter) Next() (Object, error) {
	if s.err != nil {
		return Object{}, s.err
	}
	if len(s.objs) == 0 {
		return Object{}, iterator.Done
	}
	o := s.objs[0]
	s.objs = s.objs[1:]
	return o, nil
}

func (b *fakeBucket) Objects(_ context.Context, prefix, startOffset string) ObjectIterator {
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, prefix) && name >= startOffset {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	it := &sliceIter{err: b.listErr}
	for _, n := range names {
		it.objs = append(it.objs, b.objects[n].Object)
	}
	return it
}

func (b *fakeBucket) Read(_ context.Context, name string, maxBytes int64) ([]byte, error) {
	o, ok := b.objects[name]
	if !ok {
		return nil, errors.New("object not found")
	}
	return o.data[:min(int64(len(o.data)), maxBytes)], nil
}

func obj(name, contentType, data string) fakeObject {
	return fakeObject{
		Object: Object{Name: name, ContentType: contentType, Size: int64(len(data)), Updated: time.Unix(1700000000, 0)},
		data:   []byte(data),
	}
}

func readAll(t *testing.T, s *Source, from pipeline.Cursor) ([]pipeline.Item, []pipeline.Cursor) {
	t.Helper()
	it, err := s.Open(context.Background(), from)
	require.NoError(t, err)
	defer it.Close()

	var (
		items   []pipeline.Item
		cursors []pipeline.Cursor
	)
	for {
		item, c, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return items, cursors
		}
		require.NoError(t, err)
		items = append(items, item)
		cursors = append(cursors, c)
	}
}

func TestSource_ReadsInNameOrderAndResumes(t *testing.T) {
	b := newFakeBucket(
		obj("docs/b.md", "text/markdown", "# B"),
		obj("docs/a.txt", "text/plain", "alpha"),
		obj("docs/a.txt.bak", "", "backup"),
		obj("img/logo.png", "image/png", "\x89PNG"),
	)
	s := NewSource(b, "corpus", "docs/", 1024)

	items, cursors := readAll(t, s, nil)
	require.Len(t, items, 3)
	assert.Equal(t, "docs/a.txt", items[0].ID)
	assert.Equal(t, "docs/a.txt.bak", items[1].ID)
	assert.Equal(t, "docs/b.md", items[2].ID)

	doc, ok := items[0].Payload.(pipeline.Document)
	require.True(t, ok)
	assert.Equal(t, "alpha", doc.Text)
	assert.Equal(t, "gs://corpus/docs/a.txt", doc.Source)
	assert.Equal(t, "gs://corpus/docs/a.txt", items[0].Metadata["source"])
	assert.Equal(t, "2023-11-14T22:13:20Z", items[0].Metadata["updated"])

	resumed, _ := readAll(t, s, cursors[0])
	require.Len(t, resumed, 2)
	assert.Equal(t, "docs/a.txt.bak", resumed[0].ID, "resume is strictly after the last name, not after its prefix")

	none, _ := readAll(t, s, cursors[2])
	assert.Empty(t, none)
}

func TestSource_BinaryObjects(t *testing.T) {
	b := newFakeBucket(obj("logo.png", "image/png", "\x89PNG"))
	items, _ := readAll(t, NewSource(b, "assets", "", 1024), nil)
	require.Len(t, items, 1)
	bin, ok := items[0].Payload.(pipeline.Binary)
	require.True(t, ok)
	assert.Equal(t, "image/png", bin.ContentType)
}

func TestSource_MaxBytes(t *testing.T) {
	b := newFakeBucket(obj("big.txt", "text/plain", "0123456789"))
	items, _ := readAll(t, NewSource(b, "b", "", 4), nil)
	require.Len(t, items, 1)
	text, _ := items[0].Text()
	assert.Equal(t, "0123", text)
}

func TestSource_ListErrorIsRetryable(t *testing.T) {
	b := newFakeBucket(obj("a", "text/plain", "a"))
	b.listErr = errors.New("503 backend unavailable")
	it, err := NewSource(b, "b", "", 10).Open(context.Background(), nil)
	require.NoError(t, err)
	_, _, err = it.Next(context.Background())
	var ce *pipeline.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, pipeline.IsRetryable(err))
}

func TestSource_NonStringCursor(t *testing.T) {
	_, err := NewSource(newFakeBucket(), "b", "", 10).Open(context.Background(), pipeline.Cursor(`{"k":5}`))
	require.Error(t, err)
	assert.False(t, pipeline.IsRetryable(err))
}

func TestIsText(t *testing.T) {
	assert.True(t, isText("text/plain", nil))
	assert.True(t, isText("application/json", nil))
	assert.True(t, isText("", []byte("plain")))
	assert.False(t, isText("", []byte{0xff, 0xfe}))
	assert.False(t, isText("image/png", []byte("png")))
}
