// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/credgate/credgate/lib/policy"
)

// ErrNotFound is returned by Get when no config exists for the
// session+upstream pair, either because it was never registered or
// because its TTL expired.
var ErrNotFound = errors.New("store: upstream config not found")

// UpstreamConfig describes one proxied destination for one session.
type UpstreamConfig struct {
	// Name identifies the upstream within its session, e.g.
	// "anthropic" or "github-api".
	Name string `json:"name" yaml:"name" cbor:"1,keyasint"`

	// Target is the absolute base URL of the real upstream.
	Target string `json:"target" yaml:"target" cbor:"2,keyasint"`

	// Headers maps header names to literal values applied last on
	// forwarding, overriding any caller-supplied value with the same
	// name. This is where real credentials are injected.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" cbor:"3,keyasint,omitempty"`

	// Policy gates requests to this upstream. Nil means the default
	// allow-read policy (idempotent read methods only).
	Policy *policy.AccessPolicy `json:"policy,omitempty" yaml:"policy,omitempty" cbor:"4,keyasint,omitempty"`

	// IsModelProvider marks upstreams that serve an LLM API. It is a
	// hint for the collaborator that wires provider base URLs into
	// the sandbox; proxy semantics ignore it.
	IsModelProvider bool `json:"is_model_provider,omitempty" yaml:"is_model_provider,omitempty" cbor:"5,keyasint,omitempty"`

	// ProviderConfig carries provider-specific settings for the same
	// collaborator. Opaque to the proxy.
	ProviderConfig map[string]string `json:"provider_config,omitempty" yaml:"provider_config,omitempty" cbor:"6,keyasint,omitempty"`

	// DenyResponse overrides the default 403 policy-denial response,
	// letting an upstream mimic its own API's error conventions.
	DenyResponse *DenyResponse `json:"deny_response,omitempty" yaml:"deny_response,omitempty" cbor:"7,keyasint,omitempty"`

	// ResponseTransform, when set, is applied to the upstream
	// response before it is streamed back. Single-process only: it
	// is dropped when the config crosses a process boundary.
	ResponseTransform func(*http.Response) error `json:"-" yaml:"-" cbor:"-"`
}

// Validate checks the config before registration.
func (c *UpstreamConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("store: upstream name is required")
	}
	if c.Target == "" {
		return fmt.Errorf("store: upstream %q: target URL is required", c.Name)
	}
	if c.Policy != nil {
		if err := c.Policy.Validate(); err != nil {
			return fmt.Errorf("store: upstream %q: %w", c.Name, err)
		}
	}
	return nil
}

// Degrades reports whether serializing this config loses enforcement
// fidelity: function-valued body predicates and response transforms
// cannot cross a process boundary, so the affected rules fall back to
// method+path matching in a shared backend.
func (c *UpstreamConfig) Degrades() bool {
	if c.ResponseTransform != nil {
		return true
	}
	if c.Policy == nil {
		return false
	}
	for i := range c.Policy.Allow {
		if c.Policy.Allow[i].BodyFunc != nil {
			return true
		}
	}
	for i := range c.Policy.Deny {
		if c.Policy.Deny[i].BodyFunc != nil {
			return true
		}
	}
	return false
}

// DenyResponse is an upstream-specific override of the policy-denial
// response shape. Zero-valued fields fall back to the defaults (403,
// application/json, the standard proxy_policy_denied body).
type DenyResponse struct {
	// Status is the HTTP status code to return. Zero means 403.
	Status int `json:"status,omitempty" yaml:"status,omitempty" cbor:"1,keyasint,omitempty"`

	// Headers are set on the denial response.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" cbor:"2,keyasint,omitempty"`

	// Body is the literal response body. The placeholder "{reason}"
	// is replaced with the denial reason.
	Body string `json:"body,omitempty" yaml:"body,omitempty" cbor:"3,keyasint,omitempty"`
}

// Store is the association from (session, upstream name) to an
// upstream configuration. Implementations must be safe for concurrent
// use by in-flight requests within a session and, for shared
// backends, across sessions.
type Store interface {
	// Get returns the config for a session+upstream pair, or
	// ErrNotFound.
	Get(ctx context.Context, sessionID, upstream string) (*UpstreamConfig, error)

	// Put stores a config with a bounded TTL. The TTL must be
	// positive: every stored config expires.
	Put(ctx context.Context, sessionID, upstream string, cfg *UpstreamConfig, ttl time.Duration) error

	// Delete removes a single upstream config. Deleting an absent
	// entry is not an error.
	Delete(ctx context.Context, sessionID, upstream string) error

	// DeleteSession removes all of a session's upstream configs.
	// Best-effort teardown; TTL expiry is the guaranteed fallback.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}
