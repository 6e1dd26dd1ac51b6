// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/credgate/credgate/lib/policy"
	"github.com/credgate/credgate/lib/store"
)

// LocalServer is the single-tenant transport adapter: one listener
// per registered upstream, bound to loopback TCP or a unix socket.
// There is no token check — process isolation and the sandbox's
// network namespace are the trust boundary, and the endpoint carries
// no routing segments, so callers use plain upstream-relative paths.
type LocalServer struct {
	gateway   *Gateway
	sessionID string
	socketDir string
	logger    *slog.Logger

	mu        sync.Mutex
	listeners map[string]*localListener
}

type localListener struct {
	endpoint string
	server   *http.Server
	listener net.Listener
	socket   string
}

// LocalOptions configures a LocalServer. SessionID names the single
// session this process serves. SocketDir, when set, switches from
// loopback TCP ports to unix sockets under that directory.
type LocalOptions struct {
	Gateway   *Gateway
	SessionID string
	SocketDir string
	Logger    *slog.Logger
}

func NewLocalServer(opts LocalOptions) (*LocalServer, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("%w: no gateway pipeline", ErrConfig)
	}
	if opts.SessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalServer{
		gateway:   opts.Gateway,
		sessionID: opts.SessionID,
		socketDir: opts.SocketDir,
		logger:    logger,
		listeners: make(map[string]*localListener),
	}, nil
}

// Register stores the config and starts a dedicated listener for the
// upstream. The returned Registration has an endpoint but no token.
// Registering a name that already has a listener replaces the stored
// config and keeps the existing endpoint, so callers holding the old
// endpoint see the new policy immediately.
func (s *LocalServer) Register(ctx context.Context, cfg *store.UpstreamConfig, ttl time.Duration) (Registration, error) {
	if err := s.gateway.Register(ctx, s.sessionID, cfg, ttl); err != nil {
		return Registration{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.listeners[cfg.Name]; ok {
		return Registration{Endpoint: existing.endpoint}, nil
	}

	ll, err := s.startListener(cfg.Name)
	if err != nil {
		return Registration{}, err
	}
	s.listeners[cfg.Name] = ll
	s.logger.Info("local upstream listening",
		"upstream", cfg.Name,
		"endpoint", ll.endpoint,
	)
	return Registration{Endpoint: ll.endpoint}, nil
}

// Deregister removes the session's configs and stops every listener.
func (s *LocalServer) Deregister(ctx context.Context) error {
	err := s.gateway.Deregister(ctx, s.sessionID)

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[string]*localListener)
	s.mu.Unlock()

	for name, ll := range listeners {
		if shutdownErr := ll.shutdown(ctx); shutdownErr != nil {
			s.logger.Warn("stopping local listener",
				"upstream", name,
				"error", shutdownErr,
			)
		}
	}
	return err
}

// Endpoints returns the live upstream-name-to-endpoint mapping, for
// export into the sandboxed process environment.
func (s *LocalServer) Endpoints() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.listeners))
	for name, ll := range s.listeners {
		out[name] = ll.endpoint
	}
	return out
}

// Shutdown stops all listeners without touching stored configs.
func (s *LocalServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[string]*localListener)
	s.mu.Unlock()

	var firstErr error
	for _, ll := range listeners {
		if err := ll.shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *LocalServer) startListener(upstream string) (*localListener, error) {
	var (
		listener net.Listener
		endpoint string
		socket   string
		err      error
	)
	if s.socketDir != "" {
		socket = filepath.Join(s.socketDir, upstream+".sock")
		if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
		listener, err = net.Listen("unix", socket)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", socket, err)
		}
		if err := os.Chmod(socket, 0660); err != nil {
			listener.Close()
			return nil, fmt.Errorf("setting socket permissions: %w", err)
		}
		endpoint = "unix://" + socket
	} else {
		// Port 0: the kernel picks a free loopback port per upstream.
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("listening on loopback: %w", err)
		}
		endpoint = "http://" + listener.Addr().String()
	}

	server := &http.Server{Handler: s.upstreamHandler(upstream)}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("local listener stopped",
				"upstream", upstream,
				"error", err,
			)
		}
	}()

	return &localListener{
		endpoint: endpoint,
		server:   server,
		listener: listener,
		socket:   socket,
	}, nil
}

// upstreamHandler builds the per-upstream handler: a health probe
// plus the shared pipeline with the upstream fixed and the full
// request path forwarded as-is.
func (s *LocalServer) upstreamHandler(upstream string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		cfg, err := s.gateway.store.Get(r.Context(), s.sessionID, upstream)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, s.logger, http.StatusNotFound, "not_found", "upstream not registered")
				return
			}
			s.logger.Error("config store lookup failed",
				"upstream", upstream,
				"error", err,
			)
			writeError(w, s.logger, http.StatusInternalServerError, "internal", "config store unavailable")
			return
		}
		scope := policy.Scope{SessionID: s.sessionID, Upstream: upstream}
		s.gateway.proxyRequest(w, r, scope, cfg, r.URL.Path)
	})
	return mux
}

func (ll *localListener) shutdown(ctx context.Context) error {
	err := ll.server.Shutdown(ctx)
	if ll.socket != "" {
		os.Remove(ll.socket)
	}
	return err
}
