// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"strings"
)

// BodyExpr is a serializable predicate over a parsed JSON request
// body. Unlike an arbitrary Go function, an expression tree survives
// the trip through a durable config store, so multi-tenant
// deployments keep body-level enforcement instead of degrading to
// method+path matching.
//
// The body passed to Match is the result of decoding the request body
// as JSON (maps are map[string]any), or nil when the body is absent
// or not valid JSON. Field lookups on nil fail, so predicates decide
// for themselves whether a missing body is acceptable (wrap in "not"
// to accept it).
type BodyExpr struct {
	// Kind selects the predicate: "exists", "equals", "contains",
	// "prefix", "not", "all", or "any".
	Kind string `json:"kind" yaml:"kind" cbor:"1,keyasint"`

	// Field is a dotted path into the JSON object, e.g.
	// "message.role". Used by exists, equals, contains, and prefix.
	Field string `json:"field,omitempty" yaml:"field,omitempty" cbor:"2,keyasint,omitempty"`

	// Value is the comparison operand for equals, contains, and
	// prefix. Comparisons apply to string-valued fields only.
	Value string `json:"value,omitempty" yaml:"value,omitempty" cbor:"3,keyasint,omitempty"`

	// Expr is the operand of "not".
	Expr *BodyExpr `json:"expr,omitempty" yaml:"expr,omitempty" cbor:"4,keyasint,omitempty"`

	// Exprs are the operands of "all" and "any".
	Exprs []BodyExpr `json:"exprs,omitempty" yaml:"exprs,omitempty" cbor:"5,keyasint,omitempty"`
}

// Match evaluates the expression against a parsed JSON body.
func (e *BodyExpr) Match(body any) bool {
	switch e.Kind {
	case "exists":
		_, ok := lookupField(body, e.Field)
		return ok
	case "equals":
		s, ok := lookupString(body, e.Field)
		return ok && s == e.Value
	case "contains":
		s, ok := lookupString(body, e.Field)
		return ok && strings.Contains(s, e.Value)
	case "prefix":
		s, ok := lookupString(body, e.Field)
		return ok && strings.HasPrefix(s, e.Value)
	case "not":
		return e.Expr != nil && !e.Expr.Match(body)
	case "all":
		for i := range e.Exprs {
			if !e.Exprs[i].Match(body) {
				return false
			}
		}
		return true
	case "any":
		for i := range e.Exprs {
			if e.Exprs[i].Match(body) {
				return true
			}
		}
		return false
	}
	// Unknown kind — never grant access on a predicate we cannot
	// interpret.
	return false
}

func (e *BodyExpr) validate() error {
	switch e.Kind {
	case "exists":
		if e.Field == "" {
			return fmt.Errorf("body predicate %q requires a field", e.Kind)
		}
	case "equals", "contains", "prefix":
		if e.Field == "" {
			return fmt.Errorf("body predicate %q requires a field", e.Kind)
		}
	case "not":
		if e.Expr == nil {
			return fmt.Errorf(`body predicate "not" requires an expr`)
		}
		return e.Expr.validate()
	case "all", "any":
		for i := range e.Exprs {
			if err := e.Exprs[i].validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown body predicate kind %q", e.Kind)
	}
	return nil
}

// lookupField walks a dotted path through nested JSON objects.
func lookupField(body any, field string) (any, bool) {
	current := body
	for _, part := range strings.Split(field, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// lookupString is lookupField restricted to string values.
func lookupString(body any, field string) (string, bool) {
	value, ok := lookupField(body, field)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}
