// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/credgate/credgate/lib/policy"
	"github.com/credgate/credgate/lib/sessiontoken"
	"github.com/credgate/credgate/lib/store"
)

const testSecret = "test-hmac-secret"

// recordedRequest captures what the upstream actually received.
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

// newTestUpstream returns a server that records requests into the
// returned channel (capacity 16) and answers 200 with a small body.
func newTestUpstream(t *testing.T) (*httptest.Server, chan recordedRequest) {
	t.Helper()
	recorded := make(chan recordedRequest, 16)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		recorded <- recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(ts.Close)
	return ts, recorded
}

func newTestEdge(t *testing.T) (*EdgeServer, *Gateway) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := New(Options{Store: store.NewMemoryStore(), Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	edge, err := NewEdgeServer(EdgeOptions{
		Gateway: g,
		Secret:  testSecret,
		BaseURL: "https://gateway.example.com",
		Logger:  logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return edge, g
}

func mustRegister(t *testing.T, edge *EdgeServer, sessionID string, cfg *store.UpstreamConfig) Registration {
	t.Helper()
	reg, err := edge.Register(context.Background(), sessionID, cfg, time.Hour)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestEdgeProxyInjectsCredentials(t *testing.T) {
	upstream, recorded := newTestUpstream(t)
	edge, _ := newTestEdge(t)

	reg := mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:    "api",
		Target:  upstream.URL,
		Headers: map[string]string{"Authorization": "Bearer sk-real-credential"},
		Policy:  &policy.AccessPolicy{Base: policy.BaseAllowAll},
	})
	if reg.Endpoint != "https://gateway.example.com/proxy/s1/api" {
		t.Errorf("Endpoint = %q", reg.Endpoint)
	}
	if reg.Token != sessiontoken.Issue(testSecret, "s1") {
		t.Errorf("Token mismatch")
	}

	r := httptest.NewRequest("GET", "/proxy/s1/api/v1/models?page=2", nil)
	r.Header.Set("Authorization", "Bearer "+reg.Token)
	r.Header.Set("X-Custom", "preserved")
	w := httptest.NewRecorder()
	edge.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream response headers not relayed")
	}

	got := <-recorded
	if got.Path != "/v1/models" {
		t.Errorf("upstream path = %q, want /v1/models", got.Path)
	}
	if got.Query != "page=2" {
		t.Errorf("upstream query = %q", got.Query)
	}
	if got.Header.Get("Authorization") != "Bearer sk-real-credential" {
		t.Errorf("injected credential not present: %q", got.Header.Get("Authorization"))
	}
	if got.Header.Get("X-Custom") != "preserved" {
		t.Error("caller header dropped")
	}
}

func TestEdgeAuth(t *testing.T) {
	upstream, _ := newTestUpstream(t)
	edge, _ := newTestEdge(t)
	reg := mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:   "api",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseAllowAll},
	})

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
	}{
		{"missing token", "/proxy/s1/api/x", "", http.StatusUnauthorized},
		{"wrong token", "/proxy/s1/api/x", "Bearer deadbeef", http.StatusUnauthorized},
		{"token for other session", "/proxy/s1/api/x", "Bearer " + sessiontoken.Issue(testSecret, "s2"), http.StatusUnauthorized},
		{"bearer scheme", "/proxy/s1/api/x", "Bearer " + reg.Token, http.StatusOK},
		{"token scheme", "/proxy/s1/api/x", "token " + reg.Token, http.StatusOK},
		{"compound credential", "/proxy/s1/api/x", "token s1:" + reg.Token, http.StatusOK},
		{"compound for other session", "/proxy/s1/api/x", "token s2:" + sessiontoken.Issue(testSecret, "s2"), http.StatusUnauthorized},
		// Valid token, but nothing registered under that name. Auth
		// still runs first: a bad token on an unknown upstream gets
		// 401, a good one gets 404.
		{"unknown upstream", "/proxy/s1/nothere/x", "Bearer " + reg.Token, http.StatusNotFound},
		{"unknown upstream bad token", "/proxy/s1/nothere/x", "Bearer deadbeef", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.path, nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			edge.ServeHTTP(w, r)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestEdgePolicyDeny(t *testing.T) {
	upstream, recorded := newTestUpstream(t)
	edge, _ := newTestEdge(t)
	reg := mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:   "api",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseDenyAll},
	})

	r := httptest.NewRequest("POST", "/proxy/s1/api/v1/messages", strings.NewReader("{}"))
	r.Header.Set("Authorization", "Bearer "+reg.Token)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	edge.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	var body denyBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("denial body not JSON: %v", err)
	}
	if body.Error != "proxy_policy_denied" {
		t.Errorf("error = %q", body.Error)
	}
	if !strings.HasPrefix(body.Message, "Blocked: ") {
		t.Errorf("message = %q", body.Message)
	}

	select {
	case got := <-recorded:
		t.Errorf("denied request reached the upstream: %+v", got)
	default:
	}
}

func TestEdgeDenyResponseOverride(t *testing.T) {
	upstream, _ := newTestUpstream(t)
	edge, _ := newTestEdge(t)
	reg := mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:   "api",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseDenyAll},
		DenyResponse: &store.DenyResponse{
			Status:  http.StatusNotFound,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    `{"message":"Not Found","blocked":"{reason}"}`,
		},
	})

	r := httptest.NewRequest("DELETE", "/proxy/s1/api/repos/acme/widgets", nil)
	r.Header.Set("Authorization", "Bearer "+reg.Token)
	w := httptest.NewRecorder()
	edge.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want the override's 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"blocked":"base policy: deny-all"`) {
		t.Errorf("reason placeholder not substituted: %s", w.Body.String())
	}
}

func TestEdgeLegacyRoutes(t *testing.T) {
	upstream, recorded := newTestUpstream(t)
	edge, _ := newTestEdge(t)
	mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:   "github-api",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseAllowAll},
	})
	compound := "s1:" + sessiontoken.Issue(testSecret, "s1")

	tests := []struct {
		name     string
		path     string
		auth     string
		status   int
		wantPath string
	}{
		{"v3 prefix stripped", "/api/v3/user", "token " + compound, http.StatusOK, "/user"},
		{"v3 nested", "/api/v3/repos/acme/widgets/issues", "token " + compound, http.StatusOK, "/repos/acme/widgets/issues"},
		{"graphql rewrite", "/api/graphql", "token " + compound, http.StatusOK, "/graphql"},
		{"plain token rejected", "/api/v3/user", "token " + sessiontoken.Issue(testSecret, "s1"), http.StatusUnauthorized, ""},
		{"bad compound", "/api/v3/user", "token s1:deadbeef", http.StatusUnauthorized, ""},
		{"unknown api route", "/api/v4/user", "token " + compound, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.path, nil)
			r.Header.Set("Authorization", tt.auth)
			w := httptest.NewRecorder()
			edge.ServeHTTP(w, r)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if tt.wantPath != "" {
				got := <-recorded
				if got.Path != tt.wantPath {
					t.Errorf("upstream path = %q, want %q", got.Path, tt.wantPath)
				}
			}
		})
	}
}

func TestEdgeGraphQLMutationBlocked(t *testing.T) {
	upstream, recorded := newTestUpstream(t)
	edge, _ := newTestEdge(t)
	mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:   "github-api",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{
			Base: policy.BaseDenyAll,
			Allow: []policy.Rule{{
				Methods: policy.MethodList{"POST"},
				Path:    "/graphql",
				Body:    &policy.BodyExpr{Kind: "prefix", Field: "query", Value: "query"},
			}},
		},
	})
	compound := "s1:" + sessiontoken.Issue(testSecret, "s1")

	send := func(body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", "/api/graphql", strings.NewReader(body))
		r.Header.Set("Authorization", "token "+compound)
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		edge.ServeHTTP(w, r)
		return w
	}

	if w := send(`{"query":"query { viewer { login } }"}`); w.Code != http.StatusOK {
		t.Errorf("read query: status = %d, body %s", w.Code, w.Body.String())
	}
	got := <-recorded
	if !strings.Contains(got.Body, "viewer") {
		t.Errorf("buffered body not forwarded: %q", got.Body)
	}

	if w := send(`{"query":"mutation { deleteRepository } "}`); w.Code != http.StatusForbidden {
		t.Errorf("mutation: status = %d, want 403", w.Code)
	}
	select {
	case <-recorded:
		t.Error("blocked mutation reached the upstream")
	default:
	}
}

func TestEdgeRuleLimit(t *testing.T) {
	upstream, _ := newTestUpstream(t)
	edge, _ := newTestEdge(t)
	reg := mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:   "api",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{
			Base:  policy.BaseDenyAll,
			Allow: []policy.Rule{{Methods: policy.MethodList{"POST"}, Path: "/v1/items", Limit: 2}},
		},
	})

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("POST", "/proxy/s1/api/v1/items", nil)
		r.Header.Set("Authorization", "Bearer "+reg.Token)
		w := httptest.NewRecorder()
		edge.ServeHTTP(w, r)
		statuses = append(statuses, w.Code)
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusForbidden}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("request %d: status = %d, want %d", i+1, statuses[i], want[i])
		}
	}
}

func TestEdgeUpstreamUnreachable(t *testing.T) {
	edge, _ := newTestEdge(t)
	// A port nothing listens on.
	reg := mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:   "api",
		Target: "http://127.0.0.1:1",
		Policy: &policy.AccessPolicy{Base: policy.BaseAllowAll},
	})

	r := httptest.NewRequest("GET", "/proxy/s1/api/x", nil)
	r.Header.Set("Authorization", "Bearer "+reg.Token)
	w := httptest.NewRecorder()
	edge.ServeHTTP(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestEdgeUpstreamStatusPassThrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(ts.Close)

	edge, _ := newTestEdge(t)
	reg := mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:   "api",
		Target: ts.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseAllowAll},
	})

	r := httptest.NewRequest("GET", "/proxy/s1/api/x", nil)
	r.Header.Set("Authorization", "Bearer "+reg.Token)
	w := httptest.NewRecorder()
	edge.ServeHTTP(w, r)

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want upstream's 418 passed through", w.Code)
	}
}

func TestEdgeHealth(t *testing.T) {
	edge, _ := newTestEdge(t)
	r := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	edge.ServeHTTP(w, r)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestEdgeDeregister(t *testing.T) {
	upstream, _ := newTestUpstream(t)
	edge, _ := newTestEdge(t)
	reg := mustRegister(t, edge, "s1", &store.UpstreamConfig{
		Name:   "api",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseAllowAll},
	})

	if err := edge.Deregister(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/proxy/s1/api/x", nil)
	r.Header.Set("Authorization", "Bearer "+reg.Token)
	w := httptest.NewRecorder()
	edge.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status after deregister = %d, want 404", w.Code)
	}
}

func TestNewEdgeServerRequiresSecret(t *testing.T) {
	g, err := New(Options{Store: store.NewMemoryStore()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewEdgeServer(EdgeOptions{Gateway: g}); err == nil {
		t.Fatal("empty secret accepted")
	}
}
