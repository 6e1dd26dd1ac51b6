// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/credgate/credgate/lib/policy"
	"github.com/credgate/credgate/lib/store"
)

func newTestLocal(t *testing.T) *LocalServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := New(Options{Store: store.NewMemoryStore(), Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	local, err := NewLocalServer(LocalOptions{
		Gateway:   g,
		SessionID: "local-session",
		Logger:    logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		local.Shutdown(ctx)
	})
	return local
}

func TestLocalProxyNoToken(t *testing.T) {
	upstream, recorded := newTestUpstream(t)
	local := newTestLocal(t)

	reg, err := local.Register(context.Background(), &store.UpstreamConfig{
		Name:    "llm",
		Target:  upstream.URL,
		Headers: map[string]string{"X-Api-Key": "real-key"},
		Policy:  &policy.AccessPolicy{Base: policy.BaseAllowAll},
	}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Token != "" {
		t.Errorf("local registration carries a token: %q", reg.Token)
	}
	if !strings.HasPrefix(reg.Endpoint, "http://127.0.0.1:") {
		t.Fatalf("endpoint = %q, want loopback TCP", reg.Endpoint)
	}

	// No Authorization header at all: the listener is the boundary.
	resp, err := http.Get(reg.Endpoint + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	got := <-recorded
	if got.Path != "/v1/models" {
		t.Errorf("upstream path = %q, local mode must forward paths as-is", got.Path)
	}
	if got.Header.Get("X-Api-Key") != "real-key" {
		t.Error("credential not injected")
	}
}

func TestLocalHealth(t *testing.T) {
	upstream, _ := newTestUpstream(t)
	local := newTestLocal(t)

	reg, err := local.Register(context.Background(), &store.UpstreamConfig{
		Name:   "llm",
		Target: upstream.URL,
	}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(reg.Endpoint + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}

func TestLocalDenyMatchesEdgeShape(t *testing.T) {
	upstream, recorded := newTestUpstream(t)
	local := newTestLocal(t)

	reg, err := local.Register(context.Background(), &store.UpstreamConfig{
		Name:   "llm",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseAllowRead},
	}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(reg.Endpoint+"/v1/messages", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var body denyBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "proxy_policy_denied" {
		t.Errorf("denial shape differs from the multi-tenant adapter: %+v", body)
	}

	select {
	case <-recorded:
		t.Error("denied request reached the upstream")
	default:
	}
}

func TestLocalPerUpstreamListeners(t *testing.T) {
	upstream, _ := newTestUpstream(t)
	local := newTestLocal(t)
	ctx := context.Background()

	regA, err := local.Register(ctx, &store.UpstreamConfig{Name: "a", Target: upstream.URL}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	regB, err := local.Register(ctx, &store.UpstreamConfig{Name: "b", Target: upstream.URL}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if regA.Endpoint == regB.Endpoint {
		t.Fatal("upstreams share a listener")
	}

	endpoints := local.Endpoints()
	if endpoints["a"] != regA.Endpoint || endpoints["b"] != regB.Endpoint {
		t.Errorf("Endpoints() = %v", endpoints)
	}
}

func TestLocalReRegisterKeepsEndpoint(t *testing.T) {
	upstream, _ := newTestUpstream(t)
	local := newTestLocal(t)
	ctx := context.Background()

	first, err := local.Register(ctx, &store.UpstreamConfig{
		Name:   "llm",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseAllowAll},
	}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// Tighten the policy under the same name: endpoint stays, new
	// policy applies.
	second, err := local.Register(ctx, &store.UpstreamConfig{
		Name:   "llm",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseDenyAll},
	}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if second.Endpoint != first.Endpoint {
		t.Fatalf("re-registration moved the endpoint: %q -> %q", first.Endpoint, second.Endpoint)
	}

	resp, err := http.Get(first.Endpoint + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 under the replacement policy", resp.StatusCode)
	}
}

func TestLocalUnixSocket(t *testing.T) {
	upstream, _ := newTestUpstream(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := New(Options{Store: store.NewMemoryStore(), Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	local, err := NewLocalServer(LocalOptions{
		Gateway:   g,
		SessionID: "local-session",
		SocketDir: t.TempDir(),
		Logger:    logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		local.Shutdown(ctx)
	})

	reg, err := local.Register(context.Background(), &store.UpstreamConfig{
		Name:   "llm",
		Target: upstream.URL,
		Policy: &policy.AccessPolicy{Base: policy.BaseAllowAll},
	}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reg.Endpoint, "unix://") {
		t.Fatalf("endpoint = %q, want unix socket", reg.Endpoint)
	}
	socketPath := strings.TrimPrefix(reg.Endpoint, "unix://")

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	resp, err := client.Get("http://llm/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status over unix socket = %d", resp.StatusCode)
	}
}
