// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy classifies item text against regex data-classification
// rules so pipelines can tag, redact, drop, or route sensitive content
// before it reaches an embedding model or an external store.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Public is the classification of text that matches no rule.
const Public = "public"

//go:embed patterns.yaml
var defaultPatterns []byte

// Confidence grades how reliable a pattern match is.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

func (c Confidence) rank() int {
	switch c {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	}
	return 0
}

func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Confidence(s) {
	case High, Medium, Low:
		*c = Confidence(s)
		return nil
	}
	return fmt.Errorf("line %d: invalid confidence %q", value.Line, s)
}

// Pattern is one regex rule inside a classification.
type Pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`

	re *regexp.Regexp
}

// Classification is a named group of patterns. Higher priority wins when
// text matches more than one classification.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

type rulesFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Rules is a compiled, priority-ordered rule set. It is read-only after
// construction and safe for concurrent use.
type Rules struct {
	classes []Classification
}

// Finding is one pattern match in a text.
type Finding struct {
	Class      string
	PatternID  string
	Confidence Confidence
	Start, End int
}

// DefaultRules returns the embedded rule set.
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultPatterns)
}

// LoadRules reads a rule file, or returns DefaultRules for an empty path.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules compiles a YAML rule document.
func ParseRules(data []byte) (*Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(f.Classifications) == 0 {
		return nil, fmt.Errorf("parse rules: no classifications")
	}
	seen := make(map[string]bool, len(f.Classifications))
	for i := range f.Classifications {
		c := &f.Classifications[i]
		if c.Name == "" || c.Name == Public || seen[c.Name] {
			return nil, fmt.Errorf("parse rules: classification %d has an empty, reserved, or repeated name %q", i, c.Name)
		}
		seen[c.Name] = true
		for j := range c.Patterns {
			p := &c.Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("parse rules: %s/%s: %w", c.Name, p.ID, err)
			}
			if p.Confidence == "" {
				p.Confidence = Medium
			}
			p.re = re
		}
	}
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
	return &Rules{classes: f.Classifications}, nil
}

// Names returns the classification names in priority order.
func (r *Rules) Names() []string {
	out := make([]string, len(r.classes))
	for i, c := range r.classes {
		out[i] = c.Name
	}
	return out
}

// Has reports whether name is a classification of r or Public.
func (r *Rules) Has(name string) bool {
	if name == Public {
		return true
	}
	for _, c := range r.classes {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Scan returns every match at or above minConf, grouped by
// classification in priority order and by position within a pattern.
func (r *Rules) Scan(text string, minConf Confidence) []Finding {
	var out []Finding
	for _, c := range r.classes {
		for _, p := range c.Patterns {
			if p.Confidence.rank() < minConf.rank() {
				continue
			}
			for _, loc := range p.re.FindAllStringIndex(text, -1) {
				out = append(out, Finding{
					Class:      c.Name,
					PatternID:  p.ID,
					Confidence: p.Confidence,
					Start:      loc[0],
					End:        loc[1],
				})
			}
		}
	}
	return out
}

// Classify returns the highest-priority matching classification, or
// Public.
func (r *Rules) Classify(text string, minConf Confidence) string {
	for _, c := range r.classes {
		for _, p := range c.Patterns {
			if p.Confidence.rank() >= minConf.rank() && p.re.MatchString(text) {
				return c.Name
			}
		}
	}
	return Public
}
