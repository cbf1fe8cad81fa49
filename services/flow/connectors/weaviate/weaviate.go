// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate writes items into a Weaviate class with batch imports.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// Spec describes the weaviate.objects sink.
var Spec = registry.Spec{
	Description: "Batch-imports items as objects of one class. Object ids derive from item ids, so replays overwrite.",
	Params: []registry.ParamSpec{
		{Name: "url", Type: registry.TypeString, Rule: "omitempty,url", Description: "Defaults to the service-wide Weaviate URL."},
		{Name: "class", Type: registry.TypeString, Required: true, Rule: "min=1"},
		{Name: "api_key", Type: registry.TypeString},
		{Name: "text_property", Type: registry.TypeString, Default: "content"},
	},
}

// Sink is the weaviate.objects sink.
//
// Thread Safety: Safe for concurrent use.
type Sink struct {
	client   *weaviate.Client
	class    string
	textProp string
	now      func() time.Time
}

// Config configures a Sink.
type Config struct {
	URL          string
	Class        string
	APIKey       string
	TextProperty string
}

// NewSink creates a weaviate.objects sink.
//
// Description:
//
//	Accepts a URL with or without a scheme; a bare host is treated as http.
//
// Inputs:
//
//	cfg - Connection and class settings. URL and Class are required.
//
// Outputs:
//
//	*Sink - Ready sink.
//	error - Non-nil if the client cannot be created.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.URL == "" || cfg.Class == "" {
		return nil, fmt.Errorf("%w: url and class are required", registry.ErrInvalidParams)
	}
	wc := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	switch {
	case strings.HasPrefix(cfg.URL, "https://"):
		wc.Scheme = "https"
		wc.Host = strings.TrimPrefix(cfg.URL, "https://")
	case strings.HasPrefix(cfg.URL, "http://"):
		wc.Host = strings.TrimPrefix(cfg.URL, "http://")
	}
	wc.Host = strings.TrimSuffix(wc.Host, "/")
	if cfg.APIKey != "" {
		wc.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}

	client, err := weaviate.NewClient(wc)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	textProp := cfg.TextProperty
	if textProp == "" {
		textProp = "content"
	}
	return &Sink{client: client, class: cfg.Class, textProp: textProp, now: time.Now}, nil
}

// ObjectID returns the deterministic object id for an item id.
func (s *Sink) ObjectID(itemID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.class+"/"+itemID)).String())
}

// Write implements pipeline.Sink.
//
// Description:
//
//	Items that cannot become objects (binary payloads) are reported as
//	failures without being sent. Per-object errors returned by Weaviate map
//	back to their items. A request-level failure fails the whole batch:
//	4xx responses other than 429 are permanent, anything else is a
//	retryable connection error.
func (s *Sink) Write(ctx context.Context, batch pipeline.Batch) (pipeline.Ack, error) {
	var (
		ack     pipeline.Ack
		objects []*models.Object
		byUUID  = make(map[strfmt.UUID]string, len(batch))
	)
	ingestedAt := s.now().UnixMilli()
	for _, item := range batch {
		obj, err := s.toObject(item, ingestedAt)
		if err != nil {
			ack.Failed = append(ack.Failed, pipeline.ItemFailure{ItemID: item.ID, Err: pipeline.Permanent(err)})
			continue
		}
		byUUID[obj.ID] = item.ID
		objects = append(objects, obj)
	}
	if len(objects) == 0 {
		return ack, nil
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return pipeline.Ack{}, classify(err)
	}

	reported := make(map[strfmt.UUID]bool, len(resp))
	for _, r := range resp {
		itemID, known := byUUID[r.ID]
		if !known {
			continue
		}
		reported[r.ID] = true
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			msgs := make([]string, 0, len(r.Result.Errors.Error))
			for _, e := range r.Result.Errors.Error {
				if e != nil {
					msgs = append(msgs, e.Message)
				}
			}
			slog.Warn("Error in Weaviate batch item", "class", s.class, "item", itemID, "error", strings.Join(msgs, "; "))
			ack.Failed = append(ack.Failed, pipeline.ItemFailure{ItemID: itemID, Err: errors.New(strings.Join(msgs, "; "))})
			continue
		}
		if r.Result != nil && r.Result.Status != nil && *r.Result.Status != "SUCCESS" {
			ack.Failed = append(ack.Failed, pipeline.ItemFailure{ItemID: itemID, Err: fmt.Errorf("import status %s", *r.Result.Status)})
			continue
		}
		ack.Written++
	}
	// Objects missing from the response were not confirmed.
	for id, itemID := range byUUID {
		if !reported[id] {
			ack.Failed = append(ack.Failed, pipeline.ItemFailure{ItemID: itemID, Err: errors.New("object missing from batch response")})
		}
	}
	return ack, nil
}

func (s *Sink) toObject(item pipeline.Item, ingestedAt int64) (*models.Object, error) {
	props := make(map[string]interface{}, len(item.Metadata)+4)
	for k, v := range item.Metadata {
		props[k] = v
	}
	var vector []float32

	switch p := item.Payload.(type) {
	case pipeline.Document:
		props[s.textProp] = p.Text
		if p.Source != "" {
			props["source"] = p.Source
		}
	case pipeline.Chunk:
		props[s.textProp] = p.Text
		props["parent_id"] = p.ParentID
		props["chunk_index"] = p.Index
	case pipeline.Embedding:
		vector = p.Vector
		if p.Text != "" {
			props[s.textProp] = p.Text
		}
		if p.Model != "" {
			props["model"] = p.Model
		}
	case pipeline.Record:
		for k, v := range p.Fields {
			props[k] = v
		}
	default:
		return nil, fmt.Errorf("item %s: %s payloads cannot be stored as objects", item.ID, item.Kind())
	}
	props["item_id"] = item.ID
	props["ingested_at"] = ingestedAt

	return &models.Object{
		Class:      s.class,
		ID:         s.ObjectID(item.ID),
		Vector:     vector,
		Properties: props,
	}, nil
}

func classify(err error) error {
	var wErr *fault.WeaviateClientError
	if errors.As(err, &wErr) && wErr.IsUnexpectedStatusCode &&
		wErr.StatusCode >= 400 && wErr.StatusCode < 500 && wErr.StatusCode != http.StatusTooManyRequests {
		return pipeline.Permanent(fmt.Errorf("weaviate batch import: %w", err))
	}
	return pipeline.NewConnectionError("weaviate batch import", err)
}

// Register adds weaviate.objects to reg. defaultURL is used when a node
// does not set url.
func Register(reg *registry.Registry, defaultURL string) error {
	return reg.RegisterSink("weaviate.objects", Spec, func(p registry.Params) (pipeline.Sink, error) {
		url := p.String("url")
		if url == "" {
			url = defaultURL
		}
		return NewSink(Config{
			URL:          url,
			Class:        p.String("class"),
			APIKey:       p.String("api_key"),
			TextProperty: p.String("text_property"),
		})
	})
}
