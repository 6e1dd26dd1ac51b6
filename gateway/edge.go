// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/credgate/credgate/lib/policy"
	"github.com/credgate/credgate/lib/sessiontoken"
	"github.com/credgate/credgate/lib/store"
)

// legacyUpstream is the upstream name the legacy /api/v3 and
// /api/graphql routes resolve to. Tooling that expects a GitHub
// Enterprise host shape talks to these routes with a compound
// sessionId:token credential instead of path-embedded routing.
const legacyUpstream = "github-api"

// EdgeServer is the multi-tenant transport adapter: one listener
// serving every session, demultiplexing by the session and upstream
// embedded in the URL path and authenticating each request with a
// per-session HMAC token.
type EdgeServer struct {
	gateway *Gateway
	secret  string
	baseURL string
	logger  *slog.Logger
	mux     *http.ServeMux
}

// EdgeOptions configures an EdgeServer. Secret is the HMAC key
// session tokens are derived from and must be non-empty. BaseURL is
// the externally reachable base used to compose registration
// endpoints. MetricsHandler, when set, is served at GET /metrics.
type EdgeOptions struct {
	Gateway        *Gateway
	Secret         string
	BaseURL        string
	Logger         *slog.Logger
	MetricsHandler http.Handler
}

func NewEdgeServer(opts EdgeOptions) (*EdgeServer, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("%w: no gateway pipeline", ErrConfig)
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("%w: empty token secret", ErrConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &EdgeServer{
		gateway: opts.Gateway,
		secret:  opts.Secret,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", handleHealth)
	if opts.MetricsHandler != nil {
		s.mux.Handle("GET /metrics", opts.MetricsHandler)
	}
	s.mux.HandleFunc("/proxy/", s.handleProxy)
	s.mux.HandleFunc("/api/", s.handleLegacy)
	return s, nil
}

func (s *EdgeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Register stores the config and returns the session-scoped endpoint
// and token for the upstream.
func (s *EdgeServer) Register(ctx context.Context, sessionID string, cfg *store.UpstreamConfig, ttl time.Duration) (Registration, error) {
	if err := s.gateway.Register(ctx, sessionID, cfg, ttl); err != nil {
		return Registration{}, err
	}
	return Registration{
		Endpoint: s.baseURL + "/proxy/" + sessionID + "/" + cfg.Name,
		Token:    sessiontoken.Issue(s.secret, sessionID),
	}, nil
}

// Deregister removes every upstream for the session.
func (s *EdgeServer) Deregister(ctx context.Context, sessionID string) error {
	return s.gateway.Deregister(ctx, sessionID)
}

// handleProxy serves /proxy/{sessionId}/{upstreamName}/{path...}.
// Authentication runs before any store lookup so an invalid token
// gets the same 401 whether or not the session exists.
func (s *EdgeServer) handleProxy(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/proxy/")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, s.logger, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	sessionID, upstream := parts[0], parts[1]
	forwardPath := "/"
	if len(parts) == 3 {
		forwardPath += parts[2]
	}

	if !s.authenticate(r, sessionID) {
		s.gateway.metrics.recordAuthFailure()
		writeError(w, s.logger, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	s.resolveAndProxy(w, r, sessionID, upstream, forwardPath)
}

// handleLegacy serves the GitHub-host-shaped routes. The caller
// carries a compound sessionId:token credential because these paths
// have no room for routing segments.
func (s *EdgeServer) handleLegacy(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	sessionID, secretPart, ok := sessiontoken.SplitCompound(token)
	if !ok || !sessiontoken.Validate(s.secret, sessionID, secretPart) {
		s.gateway.metrics.recordAuthFailure()
		writeError(w, s.logger, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	var forwardPath string
	switch {
	case r.URL.Path == "/api/graphql":
		forwardPath = "/graphql"
	case r.URL.Path == "/api/v3" || r.URL.Path == "/api/v3/":
		forwardPath = "/"
	case strings.HasPrefix(r.URL.Path, "/api/v3/"):
		forwardPath = strings.TrimPrefix(r.URL.Path, "/api/v3")
	default:
		writeError(w, s.logger, http.StatusNotFound, "not_found", "unknown route")
		return
	}

	s.resolveAndProxy(w, r, sessionID, legacyUpstream, forwardPath)
}

func (s *EdgeServer) resolveAndProxy(w http.ResponseWriter, r *http.Request, sessionID, upstream, forwardPath string) {
	cfg, err := s.gateway.store.Get(r.Context(), sessionID, upstream)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, s.logger, http.StatusNotFound, "not_found", "unknown session or upstream")
			return
		}
		s.logger.Error("config store lookup failed",
			"session", sessionID,
			"upstream", upstream,
			"error", err,
		)
		writeError(w, s.logger, http.StatusInternalServerError, "internal", "config store unavailable")
		return
	}

	scope := policy.Scope{SessionID: sessionID, Upstream: upstream}
	s.gateway.proxyRequest(w, r, scope, cfg, forwardPath)
}

// authenticate checks the caller's token against the path session.
// A compound sessionId:token credential is accepted too, as long as
// its session part matches the path.
func (s *EdgeServer) authenticate(r *http.Request, sessionID string) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	if compoundSession, secretPart, ok := sessiontoken.SplitCompound(token); ok {
		return compoundSession == sessionID && sessiontoken.Validate(s.secret, sessionID, secretPart)
	}
	return sessiontoken.Validate(s.secret, sessionID, token)
}

// bearerToken extracts the credential from the Authorization header,
// accepting both "Bearer {token}" and "token {token}" schemes.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	scheme, value, found := strings.Cut(auth, " ")
	if !found {
		return ""
	}
	if !strings.EqualFold(scheme, "Bearer") && !strings.EqualFold(scheme, "token") {
		return ""
	}
	return strings.TrimSpace(value)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
