// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/credgate/credgate/lib/policy"
	"github.com/credgate/credgate/lib/store"
)

// maxEvalBodyBytes caps how much of a JSON request body the pipeline
// buffers for policy evaluation. Larger bodies stream through without
// evaluation, so body predicates on them do not match.
const maxEvalBodyBytes = 10 << 20

// Registration is what a collaborator gets back from registering an
// upstream: the endpoint the sandboxed caller should talk to and, on
// the multi-tenant adapter, the session token to present.
type Registration struct {
	Endpoint string
	Token    string
}

// Gateway is the transport-independent proxy pipeline shared by both
// adapters: body buffering, policy evaluation, denial writing, and
// forwarding. Adapters own authentication and routing only.
type Gateway struct {
	store     store.Store
	counters  policy.CounterStore
	forwarder *Forwarder
	metrics   *Metrics
	logger    *slog.Logger
}

// Options configures a Gateway. Store is required; nil Counters
// default to an in-process counter store, nil Metrics disables
// metrics, nil Logger falls back to slog.Default.
type Options struct {
	Store    store.Store
	Counters policy.CounterStore
	Metrics  *Metrics
	Logger   *slog.Logger
}

func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: no config store", ErrConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	counters := opts.Counters
	if counters == nil {
		counters = policy.NewMemoryCounters()
	}
	return &Gateway{
		store:     opts.Store,
		counters:  counters,
		forwarder: NewForwarder(logger),
		metrics:   opts.Metrics,
		logger:    logger,
	}, nil
}

// Register stores the upstream config under the session for ttl.
// Configs carrying Go-function fields that cannot survive a shared
// store are flagged here, at registration time, not at evaluation
// time; the store logs the degradation.
func (g *Gateway) Register(ctx context.Context, sessionID string, cfg *store.UpstreamConfig, ttl time.Duration) error {
	if err := g.store.Put(ctx, sessionID, cfg.Name, cfg, ttl); err != nil {
		return fmt.Errorf("registering upstream %q: %w", cfg.Name, err)
	}
	g.logger.Info("upstream registered",
		"session", sessionID,
		"upstream", cfg.Name,
		"ttl", ttl,
	)
	return nil
}

// Deregister removes every upstream config for the session and drops
// its in-process rule counters. Counters in a shared store expire on
// their own TTL.
func (g *Gateway) Deregister(ctx context.Context, sessionID string) error {
	if err := g.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deregistering session: %w", err)
	}
	if c, ok := g.counters.(interface{ DeleteSession(sessionID string) }); ok {
		c.DeleteSession(sessionID)
	}
	g.logger.Info("session deregistered", "session", sessionID)
	return nil
}

// proxyRequest runs the shared pipeline for a request that has
// already been authenticated and resolved to an upstream config.
// forwardPath is the upstream-relative path; the policy evaluates
// against it, not against the adapter's outer URL.
func (g *Gateway) proxyRequest(w http.ResponseWriter, r *http.Request, scope policy.Scope, cfg *store.UpstreamConfig, forwardPath string) {
	var evalBody any
	var buffered []byte

	if shouldParseBody(r) {
		buf, err := io.ReadAll(io.LimitReader(r.Body, maxEvalBodyBytes+1))
		if err != nil {
			g.logger.Warn("reading request body",
				"upstream", scope.Upstream,
				"error", err,
			)
			writeError(w, g.logger, http.StatusBadRequest, "bad_request", "failed to read request body")
			return
		}
		if len(buf) > maxEvalBodyBytes {
			// Too large to evaluate; stitch the buffered prefix back
			// onto the stream and forward without a parsed body.
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
		} else {
			buffered = buf
			var parsed any
			if err := json.Unmarshal(buf, &parsed); err == nil {
				evalBody = parsed
			}
		}
	}

	verdict, err := policy.Evaluate(r.Context(), r.Method, forwardPath, evalBody, cfg.Policy, g.counters, scope)
	if err != nil {
		// Counter store failure. Evaluate already returned a denying
		// verdict; log the cause and fall through to the denial path.
		g.logger.Error("policy evaluation error",
			"session", scope.SessionID,
			"upstream", scope.Upstream,
			"error", err,
		)
	}
	if !verdict.Allowed {
		g.logger.Warn("request blocked by policy",
			"session", scope.SessionID,
			"upstream", scope.Upstream,
			"method", r.Method,
			"path", forwardPath,
			"reason", verdict.Reason,
		)
		g.metrics.recordRequest(scope.Upstream, "deny")
		g.metrics.recordDenial(scope.Upstream)
		writeDeny(w, g.logger, cfg.DenyResponse, verdict.Reason)
		return
	}

	g.metrics.recordRequest(scope.Upstream, "allow")
	if err := g.forwarder.Forward(w, r, cfg, forwardPath, buffered); err != nil {
		if errors.Is(err, ErrUpstream) {
			g.metrics.recordUpstreamError(scope.Upstream)
			writeError(w, g.logger, http.StatusBadGateway, "bad_gateway", "upstream request failed")
			return
		}
		g.logger.Error("forwarding request",
			"upstream", scope.Upstream,
			"error", err,
		)
		writeError(w, g.logger, http.StatusInternalServerError, "internal", "proxy error")
	}
}

// shouldParseBody reports whether the request body is worth buffering
// for policy evaluation: a JSON content type on a method that carries
// a body. Binary uploads and git packfiles stream through untouched.
func shouldParseBody(r *http.Request) bool {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	ct := r.Header.Get("Content-Type")
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}
