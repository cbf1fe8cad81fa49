// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

var ruleParams = []registry.ParamSpec{
	{Name: "patterns_file", Type: registry.TypeString, Description: "YAML rule file; the embedded rules are used when unset."},
	{Name: "min_confidence", Type: registry.TypeString, Default: string(Low), Rule: "oneof=low medium high"},
}

func loadRules(p registry.Params) (*Rules, Confidence, error) {
	rules, err := LoadRules(p.String("patterns_file"))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", registry.ErrInvalidParams, err)
	}
	return rules, Confidence(p.String("min_confidence")), nil
}

// =============================================================================
// policy.classify
// =============================================================================

// ClassifySpec describes policy.classify.
var ClassifySpec = registry.Spec{
	Description: "Tags text items with their data classification and optionally redacts or drops them.",
	Params: append(slices.Clone(ruleParams),
		registry.ParamSpec{Name: "field", Type: registry.TypeString, Default: "classification", Rule: "min=1"},
		registry.ParamSpec{Name: "redact", Type: registry.TypeList, Description: "Classifications whose matches are replaced in the text."},
		registry.ParamSpec{Name: "drop", Type: registry.TypeList, Description: "Classifications whose items are removed."},
	),
}

// Classifier is the policy.classify action.
//
// Each text-bearing item gets metadata <field> set to its classification
// and <field>_patterns set to the sorted, comma-separated ids of the
// matching patterns. Items without text pass through untouched.
type Classifier struct {
	rules  *Rules
	min    Confidence
	field  string
	redact map[string]bool
	drop   map[string]bool
}

// NewClassifier builds policy.classify from params.
func NewClassifier(p registry.Params) (*Classifier, error) {
	rules, minConf, err := loadRules(p)
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		rules:  rules,
		min:    minConf,
		field:  p.String("field"),
		redact: make(map[string]bool),
		drop:   make(map[string]bool),
	}
	for name, dst := range map[string]map[string]bool{"redact": c.redact, "drop": c.drop} {
		for _, class := range p.Strings(name) {
			if !rules.Has(class) {
				return nil, fmt.Errorf("%w: %s names unknown classification %q", registry.ErrInvalidParams, name, class)
			}
			dst[class] = true
		}
	}
	return c, nil
}

// Execute implements pipeline.Action.
func (c *Classifier) Execute(_ context.Context, items pipeline.Batch) (pipeline.Batch, error) {
	out := make(pipeline.Batch, 0, len(items))
	for _, item := range items {
		text, ok := item.Text()
		if !ok {
			out = append(out, item)
			continue
		}
		findings := c.rules.Scan(text, c.min)
		class := Public
		if len(findings) > 0 {
			class = findings[0].Class
		}
		if c.drop[class] {
			continue
		}

		var redacted []Finding
		ids := make(map[string]bool, len(findings))
		for _, f := range findings {
			ids[f.PatternID] = true
			if c.redact[f.Class] {
				redacted = append(redacted, f)
			}
		}
		if len(redacted) > 0 {
			item = withText(item, Redact(text, redacted))
		}
		item = item.WithMetadata(c.field, class)
		if len(ids) > 0 {
			item = item.WithMetadata(c.field+"_patterns", strings.Join(slices.Sorted(maps.Keys(ids)), ","))
		}
		out = append(out, item)
	}
	return out, nil
}

// Redact replaces each finding's span with "[REDACTED:<pattern id>]".
// Overlapping spans are merged and keep the id of the earliest one.
func Redact(text string, findings []Finding) string {
	spans := slices.Clone(findings)
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	var b strings.Builder
	pos := 0
	for i := 0; i < len(spans); {
		start, end, id := spans[i].Start, spans[i].End, spans[i].PatternID
		i++
		for i < len(spans) && spans[i].Start < end {
			end = max(end, spans[i].End)
			i++
		}
		b.WriteString(text[pos:start])
		b.WriteString("[REDACTED:" + id + "]")
		pos = end
	}
	b.WriteString(text[pos:])
	return b.String()
}

// withText returns item with its text body replaced.
func withText(item pipeline.Item, text string) pipeline.Item {
	switch p := item.Payload.(type) {
	case pipeline.Document:
		p.Text = text
		return item.WithPayload(p)
	case pipeline.Chunk:
		p.Text = text
		return item.WithPayload(p)
	case pipeline.Embedding:
		p.Text = text
		return item.WithPayload(p)
	case pipeline.Record:
		fields := maps.Clone(p.Fields)
		fields["text"] = text
		return item.WithPayload(pipeline.Record{Fields: fields})
	}
	return item
}

// =============================================================================
// policy.route
// =============================================================================

// RouteSpec describes policy.route.
var RouteSpec = registry.Spec{
	Description: "Routes text items to a port named after their classification; non-text items go to \"public\".",
	Params:      slices.Clone(ruleParams),
}

// Router is the policy.route router.
type Router struct {
	rules *Rules
	min   Confidence
	ports []string
}

// NewRouter builds policy.route from params.
func NewRouter(p registry.Params) (*Router, error) {
	rules, minConf, err := loadRules(p)
	if err != nil {
		return nil, err
	}
	return &Router{rules: rules, min: minConf, ports: append(rules.Names(), Public)}, nil
}

// Route implements pipeline.Router.
func (r *Router) Route(_ context.Context, item pipeline.Item) (string, bool, error) {
	text, ok := item.Text()
	if !ok {
		return Public, true, nil
	}
	return r.rules.Classify(text, r.min), true, nil
}

// Ports implements pipeline.Router.
func (r *Router) Ports() []string { return r.ports }

// Register adds policy.classify and policy.route to reg.
func Register(reg *registry.Registry) error {
	if err := reg.RegisterAction("policy.classify", ClassifySpec, func(p registry.Params) (pipeline.Action, error) {
		return NewClassifier(p)
	}); err != nil {
		return err
	}
	return reg.RegisterRouter("policy.route", RouteSpec, func(p registry.Params) (pipeline.Router, error) {
		return NewRouter(p)
	})
}
