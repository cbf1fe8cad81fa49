// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs reads Google Cloud Storage objects as items.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianFlow/services/flow/cursor"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// Spec describes the gcs.objects source.
var Spec = registry.Spec{
	Description: "Reads objects under a prefix in name order; resumes after the last object name.",
	Params: []registry.ParamSpec{
		{Name: "bucket", Type: registry.TypeString, Required: true, Rule: "min=3,max=222"},
		{Name: "prefix", Type: registry.TypeString},
		{Name: "max_bytes", Type: registry.TypeInt, Default: 10 << 20, Rule: "min=1"},
		{Name: "credentials_file", Type: registry.TypeString},
		{Name: "endpoint", Type: registry.TypeString},
	},
}

// Object is the metadata of one stored object.
type Object struct {
	Name        string
	ContentType string
	Size        int64
	Updated     time.Time
}

// ObjectIterator yields objects in name order. Next returns iterator.Done
// when exhausted.
type ObjectIterator interface {
	Next() (Object, error)
}

// Bucket is the part of a storage bucket the source needs.
type Bucket interface {
	// Objects lists objects with the prefix whose names are >= startOffset.
	Objects(ctx context.Context, prefix, startOffset string) ObjectIterator
	Read(ctx context.Context, name string, maxBytes int64) ([]byte, error)
}

// =============================================================================
// Cloud Storage bucket
// =============================================================================

type storageBucket struct {
	client *storage.Client
	handle *storage.BucketHandle
}

// NewStorageBucket opens a Bucket on Cloud Storage. credentialsFile and
// endpoint are optional.
func NewStorageBucket(ctx context.Context, bucket, credentialsFile, endpoint string) (Bucket, io.Closer, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &storageBucket{client: client, handle: client.Bucket(bucket)}, client, nil
}

type storageIterator struct {
	it *storage.ObjectIterator
}

func (s storageIterator) Next() (Object, error) {
	attrs, err := s.it.Next()
	if err != nil {
		return Object{}, err
	}
	return Object{Name: attrs.Name, ContentType: attrs.ContentType, Size: attrs.Size, Updated: attrs.Updated}, nil
}

func (b *storageBucket) Objects(ctx context.Context, prefix, startOffset string) ObjectIterator {
	q := &storage.Query{Prefix: prefix, StartOffset: startOffset}
	return storageIterator{it: b.handle.Objects(ctx, q)}
}

func (b *storageBucket) Read(ctx context.Context, name string, maxBytes int64) ([]byte, error) {
	r, err := b.handle.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// =============================================================================
// Source
// =============================================================================

// Source is the gcs.objects source.
type Source struct {
	bucket   Bucket
	name     string
	prefix   string
	maxBytes int64
	closer   io.Closer
}

// NewSource builds a source over an existing Bucket.
func NewSource(b Bucket, bucketName, prefix string, maxBytes int64) *Source {
	return &Source{bucket: b, name: bucketName, prefix: prefix, maxBytes: maxBytes}
}

// New builds a gcs.objects source from params, connecting to Cloud Storage.
// defaultCredentials is used when credentials_file is unset.
func New(p registry.Params, defaultCredentials string) (*Source, error) {
	creds := p.String("credentials_file")
	if creds == "" {
		creds = defaultCredentials
	}
	b, closer, err := NewStorageBucket(context.Background(), p.String("bucket"), creds, p.String("endpoint"))
	if err != nil {
		return nil, err
	}
	s := NewSource(b, p.String("bucket"), p.String("prefix"), int64(p.Int("max_bytes")))
	s.closer = closer
	return s, nil
}

// Close releases the storage client.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Open implements pipeline.Source. The cursor is the name of the last
// object read; listing resumes strictly after it.
func (s *Source) Open(ctx context.Context, from pipeline.Cursor) (pipeline.Iterator, error) {
	k, ok, err := cursor.DecodeKeyset(from)
	if err != nil {
		return nil, pipeline.Permanent(err)
	}
	start := ""
	if ok {
		last, isString := k.Primary.(string)
		if !isString {
			return nil, pipeline.Permanent(fmt.Errorf("gcs cursor holds %T, want an object name", k.Primary))
		}
		// The smallest name greater than last.
		start = last + "\x00"
	}
	listCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &objectIterator{
		src:    s,
		list:   s.bucket.Objects(listCtx, s.prefix, start),
		cancel: cancel,
	}, nil
}

type objectIterator struct {
	src    *Source
	list   ObjectIterator
	cancel context.CancelFunc
}

// Next implements pipeline.Iterator.
func (it *objectIterator) Next(ctx context.Context) (pipeline.Item, pipeline.Cursor, error) {
	obj, err := it.list.Next()
	if errors.Is(err, iterator.Done) {
		return pipeline.Item{}, nil, io.EOF
	}
	if err != nil {
		return pipeline.Item{}, nil, pipeline.NewConnectionError("list gs://"+it.src.name, err)
	}

	data, err := it.src.bucket.Read(ctx, obj.Name, it.src.maxBytes)
	if err != nil {
		return pipeline.Item{}, nil, pipeline.NewConnectionError("read gs://"+it.src.name+"/"+obj.Name, err)
	}
	c, err := cursor.EncodeKeyset(cursor.Keyset{Primary: obj.Name})
	if err != nil {
		return pipeline.Item{}, nil, pipeline.Permanent(err)
	}

	uri := fmt.Sprintf("gs://%s/%s", it.src.name, obj.Name)
	var payload pipeline.Payload
	if isText(obj.ContentType, data) {
		payload = pipeline.Document{Text: string(data), MimeType: obj.ContentType, Source: uri}
	} else {
		payload = pipeline.Binary{Data: data, ContentType: obj.ContentType}
	}
	item := pipeline.NewItem(obj.Name, payload).
		WithMetadata("source", uri).
		WithMetadata("updated", obj.Updated.UTC().Format(time.RFC3339))
	return item, c, nil
}

// Close implements pipeline.Iterator.
func (it *objectIterator) Close() error {
	it.cancel()
	return nil
}

func isText(contentType string, data []byte) bool {
	switch {
	case strings.HasPrefix(contentType, "text/"),
		strings.HasSuffix(contentType, "json"),
		strings.HasSuffix(contentType, "yaml"),
		strings.HasSuffix(contentType, "xml"):
		return true
	case contentType == "" || contentType == "application/octet-stream":
		return utf8.Valid(data)
	}
	return false
}

// Register adds gcs.objects to reg. defaultCredentials names a service
// account key file used when a node does not set credentials_file; empty
// falls back to application default credentials.
func Register(reg *registry.Registry, defaultCredentials string) error {
	return reg.RegisterSource("gcs.objects", Spec, func(p registry.Params) (pipeline.Source, error) {
		return New(p, defaultCredentials)
	})
}
