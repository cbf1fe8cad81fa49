// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate evaluates ParamSpec.Rule tags. validator.Validate caches parsed
// tags and is safe for concurrent use.
var validate = validator.New()

// ParamType is the declared type of a capability parameter.
type ParamType string

const (
	TypeString   ParamType = "string"
	TypeInt      ParamType = "int"
	TypeFloat    ParamType = "float"
	TypeBool     ParamType = "bool"
	TypeDuration ParamType = "duration"
	TypeList     ParamType = "list"
	TypeMap      ParamType = "map"
	TypeAny      ParamType = "any"
)

// ParamSpec declares one parameter of a capability.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`

	// Rule is a go-playground/validator tag checked against the coerced
	// value, e.g. "min=1,max=4096" or "oneof=cosine dot".
	Rule string `json:"rule,omitempty"`
}

// Params holds validated, type-coerced parameter values.
//
// After ValidateParams, every declared parameter with a default is present
// and holds the Go type matching its ParamType: string, int, float64, bool,
// time.Duration, []any, or map[string]any.
type Params map[string]any

// String returns the named string parameter or "".
func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Int returns the named int parameter or 0.
func (p Params) Int(name string) int {
	n, _ := p[name].(int)
	return n
}

// Float returns the named float parameter or 0.
func (p Params) Float(name string) float64 {
	f, _ := p[name].(float64)
	return f
}

// Bool returns the named bool parameter or false.
func (p Params) Bool(name string) bool {
	b, _ := p[name].(bool)
	return b
}

// Duration returns the named duration parameter or 0.
func (p Params) Duration(name string) time.Duration {
	d, _ := p[name].(time.Duration)
	return d
}

// List returns the named list parameter or nil.
func (p Params) List(name string) []any {
	l, _ := p[name].([]any)
	return l
}

// Map returns the named map parameter or nil.
func (p Params) Map(name string) map[string]any {
	m, _ := p[name].(map[string]any)
	return m
}

// Strings returns the named list parameter rendered as strings.
func (p Params) Strings(name string) []string {
	list := p.List(name)
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// StringMap returns the named map parameter with values rendered as strings.
func (p Params) StringMap(name string) map[string]string {
	m := p.Map(name)
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Has reports whether the parameter is set.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// checkParams validates raw against schema, returning the coerced params and
// every problem found.
func checkParams(schema []ParamSpec, raw map[string]any) (Params, []error) {
	var errs []error
	out := make(Params, len(schema))

	known := make(map[string]ParamSpec, len(schema))
	for _, spec := range schema {
		known[spec.Name] = spec
	}

	unknown := make([]string, 0)
	for name := range raw {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, fmt.Errorf("unknown parameter %q", name))
	}

	for _, spec := range schema {
		value, present := raw[spec.Name]
		if !present || value == nil {
			if spec.Required {
				errs = append(errs, fmt.Errorf("missing required parameter %q", spec.Name))
				continue
			}
			if spec.Default == nil {
				continue
			}
			value = spec.Default
		}

		coerced, err := coerce(spec.Type, value)
		if err != nil {
			errs = append(errs, fmt.Errorf("parameter %q: %w", spec.Name, err))
			continue
		}
		if spec.Rule != "" {
			if err := validate.Var(coerced, spec.Rule); err != nil {
				errs = append(errs, fmt.Errorf("parameter %q fails rule %q: %w", spec.Name, spec.Rule, err))
				continue
			}
		}
		out[spec.Name] = coerced
	}

	return out, errs
}

// coerce converts decoder output (YAML, JSON, HCL) into the canonical Go type
// for t.
func coerce(t ParamType, v any) (any, error) {
	switch t {
	case TypeAny, "":
		return v, nil

	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", v)

	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("expected bool, got %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected bool, got %T", v)

	case TypeInt:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		return int(f), nil

	case TypeFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return f, nil

	case TypeDuration:
		switch d := v.(type) {
		case time.Duration:
			return d, nil
		case string:
			parsed, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("expected duration: %w", err)
			}
			return parsed, nil
		}
		if ms, ok := toFloat(v); ok {
			return time.Duration(ms * float64(time.Millisecond)), nil
		}
		return nil, fmt.Errorf("expected duration, got %T", v)

	case TypeList:
		switch l := v.(type) {
		case []any:
			return l, nil
		case []string:
			out := make([]any, len(l))
			for i, s := range l {
				out[i] = s
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected list, got %T", v)

	case TypeMap:
		switch m := v.(type) {
		case map[string]any:
			return m, nil
		case map[string]string:
			out := make(map[string]any, len(m))
			for k, s := range m {
				out[k] = s
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected map, got %T", v)
	}
	return nil, fmt.Errorf("unknown parameter type %q", t)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
