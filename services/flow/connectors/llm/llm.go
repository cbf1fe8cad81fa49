// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides actions backed by an OpenAI-compatible API:
// openai.embed turns text items into embeddings and openai.enrich annotates
// items with a chat completion.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/template"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// ClientConfig holds the connection settings shared by both actions.
// Node params override these when set.
type ClientConfig struct {
	APIKey  string
	BaseURL string
}

// NewClient builds an OpenAI client. An empty BaseURL uses the public API.
func NewClient(cfg ClientConfig) (*openai.Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: an OpenAI API key is required (api_key param or OPENAI_API_KEY)", registry.ErrInvalidParams)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return openai.NewClientWithConfig(oc), nil
}

func clientFromParams(defaults ClientConfig, p registry.Params) (*openai.Client, error) {
	cfg := defaults
	if k := p.String("api_key"); k != "" {
		cfg.APIKey = k
	}
	if u := p.String("base_url"); u != "" {
		cfg.BaseURL = u
	}
	return NewClient(cfg)
}

// =============================================================================
// openai.embed
// =============================================================================

// EmbedSpec describes the openai.embed action.
var EmbedSpec = registry.Spec{
	Description: "Embeds the text of each item; items without text pass through.",
	Params: []registry.ParamSpec{
		{Name: "model", Type: registry.TypeString, Default: string(openai.SmallEmbedding3)},
		{Name: "api_key", Type: registry.TypeString},
		{Name: "base_url", Type: registry.TypeString},
	},
}

// Embedder is the openai.embed action.
type Embedder struct {
	client *openai.Client
	model  string
}

// NewEmbedder creates an Embedder.
func NewEmbedder(client *openai.Client, model string) *Embedder {
	return &Embedder{client: client, model: model}
}

// Execute implements pipeline.Action. All texts in the batch go in one
// embeddings request.
func (e *Embedder) Execute(ctx context.Context, items pipeline.Batch) (pipeline.Batch, error) {
	var (
		texts []string
		idx   []int
	)
	for i, item := range items {
		if text, ok := item.Text(); ok && text != "" {
			texts = append(texts, text)
			idx = append(idx, i)
		}
	}
	out := make(pipeline.Batch, len(items))
	copy(out, items)
	if len(texts) == 0 {
		return out, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, classify("create embeddings", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(resp.Data), len(texts))
	}
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		i := idx[d.Index]
		out[i] = items[i].WithPayload(pipeline.Embedding{
			Vector: d.Embedding,
			Model:  e.model,
			Text:   texts[d.Index],
		})
	}
	return out, nil
}

// =============================================================================
// openai.enrich
// =============================================================================

// EnrichSpec describes the openai.enrich action.
var EnrichSpec = registry.Spec{
	Description: "Runs a chat completion per item and stores the answer in metadata.",
	Params: []registry.ParamSpec{
		{Name: "model", Type: registry.TypeString, Default: openai.GPT4oMini},
		{Name: "prompt", Type: registry.TypeString, Default: "{{.Text}}", Description: "text/template over .ID, .Text, .Metadata and .Fields."},
		{Name: "system_prompt", Type: registry.TypeString, Default: "You are a helpful assistant."},
		{Name: "output_field", Type: registry.TypeString, Default: "enrichment", Rule: "min=1"},
		{Name: "max_tokens", Type: registry.TypeInt, Rule: "min=0"},
		{Name: "api_key", Type: registry.TypeString},
		{Name: "base_url", Type: registry.TypeString},
	},
}

// Enricher is the openai.enrich action.
type Enricher struct {
	client      *openai.Client
	model       string
	system      string
	prompt      *template.Template
	outputField string
	maxTokens   int
}

// promptData is what the prompt template sees.
type promptData struct {
	ID       string
	Text     string
	Metadata map[string]string
	Fields   map[string]any
}

// NewEnricher creates an Enricher from params using client.
func NewEnricher(client *openai.Client, p registry.Params) (*Enricher, error) {
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(p.String("prompt"))
	if err != nil {
		return nil, fmt.Errorf("%w: prompt: %w", registry.ErrInvalidParams, err)
	}
	return &Enricher{
		client:      client,
		model:       p.String("model"),
		system:      p.String("system_prompt"),
		prompt:      tmpl,
		outputField: p.String("output_field"),
		maxTokens:   p.Int("max_tokens"),
	}, nil
}

// Execute implements pipeline.Action.
func (e *Enricher) Execute(ctx context.Context, items pipeline.Batch) (pipeline.Batch, error) {
	out := make(pipeline.Batch, 0, len(items))
	for _, item := range items {
		prompt, err := e.render(item)
		if err != nil {
			return nil, pipeline.Permanent(fmt.Errorf("item %s: render prompt: %w", item.ID, err))
		}
		req := openai.ChatCompletionRequest{
			Model: e.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: e.system},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		}
		if e.maxTokens > 0 {
			req.MaxCompletionTokens = e.maxTokens
		}
		resp, err := e.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, classify("chat completion", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("item %s: OpenAI returned no choices", item.ID)
		}
		slog.Debug("Received response from OpenAI", "item", item.ID, "finish_reason", resp.Choices[0].FinishReason)
		out = append(out, item.WithMetadata(e.outputField, strings.TrimSpace(resp.Choices[0].Message.Content)))
	}
	return out, nil
}

func (e *Enricher) render(item pipeline.Item) (string, error) {
	data := promptData{ID: item.ID, Metadata: item.Metadata}
	data.Text, _ = item.Text()
	if rec, ok := item.Payload.(pipeline.Record); ok {
		data.Fields = rec.Fields
	}
	var buf bytes.Buffer
	if err := e.prompt.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// classify maps client errors: 4xx other than 429 are permanent.
func classify(op string, err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return pipeline.Permanent(fmt.Errorf("%s: %w", op, err))
	}
	return pipeline.NewConnectionError(op, err)
}

// Register adds openai.embed and openai.enrich to reg.
func Register(reg *registry.Registry, defaults ClientConfig) error {
	if err := reg.RegisterAction("openai.embed", EmbedSpec, func(p registry.Params) (pipeline.Action, error) {
		client, err := clientFromParams(defaults, p)
		if err != nil {
			return nil, err
		}
		return NewEmbedder(client, p.String("model")), nil
	}); err != nil {
		return err
	}
	return reg.RegisterAction("openai.enrich", EnrichSpec, func(p registry.Params) (pipeline.Action, error) {
		client, err := clientFromParams(defaults, p)
		if err != nil {
			return nil, err
		}
		return NewEnricher(client, p)
	})
}
