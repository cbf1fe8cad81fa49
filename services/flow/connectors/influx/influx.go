// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package influx writes record items to InfluxDB as points.
package influx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// Spec describes the influx.points sink.
var Spec = registry.Spec{
	Description: "Writes record items as points; tag_fields become tags, the rest become fields.",
	Params: []registry.ParamSpec{
		{Name: "url", Type: registry.TypeString, Required: true, Rule: "url"},
		{Name: "token", Type: registry.TypeString},
		{Name: "org", Type: registry.TypeString, Required: true},
		{Name: "bucket", Type: registry.TypeString, Required: true},
		{Name: "measurement", Type: registry.TypeString, Required: true, Rule: "min=1"},
		{Name: "tag_fields", Type: registry.TypeList},
		{Name: "time_field", Type: registry.TypeString},
	},
}

// Config configures a Sink.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	TagFields   []string
	TimeField   string
}

// Sink is the influx.points sink.
//
// Thread Safety: Safe for concurrent use.
type Sink struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
	cfg    Config
	now    func() time.Time
}

// NewSink creates an influx.points sink. Close releases the client.
func NewSink(cfg Config) *Sink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Sink{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Close releases the HTTP client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

// Write implements pipeline.Sink.
//
// Description:
//
//	Items that cannot be turned into points are reported as permanent item
//	failures and the rest are written in one request. A failed request
//	fails the batch: 4xx responses other than 429 are permanent, anything
//	else is a retryable connection error.
func (s *Sink) Write(ctx context.Context, batch pipeline.Batch) (pipeline.Ack, error) {
	var (
		ack    pipeline.Ack
		points = make([]*write.Point, 0, len(batch))
	)
	for _, item := range batch {
		p, err := s.toPoint(item)
		if err != nil {
			ack.Failed = append(ack.Failed, pipeline.ItemFailure{ItemID: item.ID, Err: pipeline.Permanent(err)})
			continue
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return ack, nil
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return pipeline.Ack{}, classify(err)
	}
	ack.Written = len(points)
	return ack, nil
}

func (s *Sink) toPoint(item pipeline.Item) (*write.Point, error) {
	rec, ok := item.Payload.(pipeline.Record)
	if !ok {
		return nil, fmt.Errorf("item %s: influx points need record payloads, got %s", item.ID, item.Kind())
	}

	ts := s.now()
	tags := make(map[string]string, len(s.cfg.TagFields))
	fields := make(map[string]interface{}, len(rec.Fields))
	for name, v := range rec.Fields {
		switch {
		case name == s.cfg.TimeField:
			t, err := toTime(v)
			if err != nil {
				return nil, fmt.Errorf("item %s: field %q: %w", item.ID, name, err)
			}
			ts = t
		case slices.Contains(s.cfg.TagFields, name):
			tags[name] = fmt.Sprint(v)
		case v != nil:
			fields[name] = fieldValue(v)
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("item %s: no field values left after tags", item.ID)
	}
	return influxdb2.NewPoint(s.cfg.Measurement, tags, fields, ts), nil
}

func fieldValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, bool, string, time.Time:
		return x
	}
	return fmt.Sprint(v)
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return time.Parse(time.RFC3339Nano, x)
	case int:
		return time.Unix(int64(x), 0), nil
	case int64:
		return time.Unix(x, 0), nil
	case float64:
		return time.UnixMilli(int64(x * 1000)), nil
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(i, 0), nil
	}
	return time.Time{}, fmt.Errorf("cannot use %T as a timestamp", v)
}

func classify(err error) error {
	var hErr *ihttp.Error
	if errors.As(err, &hErr) && hErr.StatusCode >= 400 && hErr.StatusCode < 500 &&
		hErr.StatusCode != http.StatusTooManyRequests {
		return pipeline.Permanent(fmt.Errorf("influx write: %w", err))
	}
	return pipeline.NewConnectionError("influx write", err)
}

// Register adds influx.points to reg. token is used when the node does not
// set one.
func Register(reg *registry.Registry, token string) error {
	return reg.RegisterSink("influx.points", Spec, func(p registry.Params) (pipeline.Sink, error) {
		cfg := Config{
			URL:         p.String("url"),
			Token:       p.String("token"),
			Org:         p.String("org"),
			Bucket:      p.String("bucket"),
			Measurement: p.String("measurement"),
			TagFields:   p.Strings("tag_fields"),
			TimeField:   p.String("time_field"),
		}
		if cfg.Token == "" {
			cfg.Token = token
		}
		return NewSink(cfg), nil
	})
}
