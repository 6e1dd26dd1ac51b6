// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// BaseLevel is the fallback decision applied when no explicit rule
// matches a request.
type BaseLevel string

const (
	// BaseAllowAll permits every request that no deny rule blocked.
	BaseAllowAll BaseLevel = "allow-all"

	// BaseDenyAll blocks every request that no allow rule permitted.
	BaseDenyAll BaseLevel = "deny-all"

	// BaseAllowRead permits GET, HEAD, and OPTIONS and blocks
	// everything else. This is the default when Base is empty.
	BaseAllowRead BaseLevel = "allow-read"
)

// AccessPolicy is the declarative access contract for one upstream.
//
// Deny rules are evaluated before allow rules and a deny match always
// terminates evaluation. If neither list produces a decision, Base
// decides (empty Base means allow-read).
type AccessPolicy struct {
	Base  BaseLevel `json:"base,omitempty" yaml:"base,omitempty" cbor:"1,keyasint,omitempty"`
	Allow []Rule    `json:"allow,omitempty" yaml:"allow,omitempty" cbor:"2,keyasint,omitempty"`
	Deny  []Rule    `json:"deny,omitempty" yaml:"deny,omitempty" cbor:"3,keyasint,omitempty"`
}

// Validate checks that the policy's base level and rules are
// well-formed. Policies are validated at registration time so a
// malformed policy is rejected before it can gate live traffic.
func (p *AccessPolicy) Validate() error {
	switch p.Base {
	case "", BaseAllowAll, BaseDenyAll, BaseAllowRead:
	default:
		return fmt.Errorf("policy: unknown base level %q", p.Base)
	}
	for i := range p.Allow {
		if err := p.Allow[i].validate(); err != nil {
			return fmt.Errorf("policy: allow rule %d: %w", i, err)
		}
	}
	for i := range p.Deny {
		if err := p.Deny[i].validate(); err != nil {
			return fmt.Errorf("policy: deny rule %d: %w", i, err)
		}
	}
	return nil
}

// Rule matches requests by method set and glob path pattern. An allow
// rule may additionally carry a call limit and a body predicate; a
// deny rule's body predicate gates whether the rule matches at all.
type Rule struct {
	// Methods lists the HTTP methods this rule covers. Accepts a
	// single string, a sequence, or "*" in YAML/JSON. Empty or "*"
	// matches any method. Matching is case-insensitive.
	Methods MethodList `json:"method,omitempty" yaml:"method,omitempty" cbor:"1,keyasint,omitempty"`

	// Path is a glob pattern over /-delimited segments: a literal
	// segment matches itself, "*" matches exactly one segment, and
	// "**" matches zero or more segments.
	Path string `json:"path" yaml:"path" cbor:"2,keyasint"`

	// Limit caps the number of approvals through this exact rule
	// across the proxy's lifetime. Zero means unlimited. Only
	// requests that reach the approved branch of this rule count;
	// denied or non-matching requests never increment the counter.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty" cbor:"3,keyasint,omitempty"`

	// Body is a serializable predicate over the parsed JSON request
	// body. The predicate receives nil when the body is absent or
	// not valid JSON.
	Body *BodyExpr `json:"body,omitempty" yaml:"body,omitempty" cbor:"4,keyasint,omitempty"`

	// BodyFunc is an arbitrary predicate for single-process
	// deployments. It takes precedence over Body when both are set
	// and is dropped on serialization.
	BodyFunc func(body any) bool `json:"-" yaml:"-" cbor:"-"`
}

func (r *Rule) validate() error {
	if r.Path == "" {
		return fmt.Errorf("path pattern is required")
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must be non-negative")
	}
	if r.Body != nil {
		if err := r.Body.validate(); err != nil {
			return err
		}
	}
	return nil
}

// hasBodyPredicate reports whether the rule constrains the request
// body at all.
func (r *Rule) hasBodyPredicate() bool {
	return r.BodyFunc != nil || r.Body != nil
}

// bodyMatches applies the rule's body predicate. Rules without a
// predicate match any body.
func (r *Rule) bodyMatches(body any) bool {
	if r.BodyFunc != nil {
		return r.BodyFunc(body)
	}
	if r.Body != nil {
		return r.Body.Match(body)
	}
	return true
}

// MethodList is a set of HTTP methods that unmarshals from either a
// single scalar or a sequence:
//
//	method: POST
//	method: [GET, POST]
//	method: "*"
type MethodList []string

// UnmarshalYAML accepts both the scalar and sequence forms.
func (m *MethodList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*m = MethodList{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*m = MethodList(list)
	return nil
}

// UnmarshalJSON accepts both the scalar and sequence forms.
func (m *MethodList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*m = MethodList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*m = MethodList(list)
	return nil
}
