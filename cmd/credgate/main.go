// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

// Credgate is the multi-tenant credential gateway. It serves every
// session from one listener, routing by the session and upstream
// embedded in the URL path and authenticating each request with a
// per-session HMAC token. Sandboxed agents talk to credgate instead
// of the real APIs; credgate injects the real credentials only for
// requests the session's access policy permits.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/credgate/credgate/gateway"
	"github.com/credgate/credgate/lib/policy"
	"github.com/credgate/credgate/lib/store"
	"github.com/credgate/credgate/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listenAddr string
	var redisAddr string
	var secretEnv string
	var showVersion bool

	pflag.StringVar(&configPath, "config", "", "path to YAML config file (required)")
	pflag.StringVar(&listenAddr, "listen", "", "TCP listen address (overrides config)")
	pflag.StringVar(&redisAddr, "redis", "", "redis address for the shared config store (overrides config)")
	pflag.StringVar(&secretEnv, "secret-env", "", "environment variable holding the token secret (overrides config)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("credgate")
		return nil
	}

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	config, err := gateway.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listenAddr != "" {
		config.ListenAddress = listenAddr
	}
	if redisAddr != "" {
		config.RedisAddr = redisAddr
	}
	if secretEnv != "" {
		config.SecretEnv = secretEnv
	}
	if config.ListenAddress == "" {
		return fmt.Errorf("no listen address (--listen or listen_address)")
	}

	secret := os.Getenv(config.SecretEnv)
	if secret == "" {
		return fmt.Errorf("token secret missing: environment variable %s is empty", config.SecretEnv)
	}

	logger.Info("starting credgate",
		"version", version.Info(),
		"listen", config.ListenAddress,
		"redis", config.RedisAddr != "",
	)

	var configStore store.Store
	var counters policy.CounterStore
	if config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", config.RedisAddr, err)
		}
		configStore = store.NewRedisStore(client, logger)
		counters = store.NewRedisCounters(client, config.SessionTTL)
	} else {
		configStore = store.NewMemoryStore()
		counters = policy.NewMemoryCounters()
	}
	defer configStore.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := gateway.NewMetrics(registry)

	g, err := gateway.New(gateway.Options{
		Store:    configStore,
		Counters: counters,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	edge, err := gateway.NewEdgeServer(gateway.EdgeOptions{
		Gateway:        g,
		Secret:         secret,
		BaseURL:        config.BaseURL,
		Logger:         logger,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	if err != nil {
		return err
	}

	if err := registerStatic(config, edge, logger); err != nil {
		return err
	}

	// No WriteTimeout: SSE responses stream for as long as the
	// upstream keeps them open.
	server := &http.Server{
		Addr:              config.ListenAddress,
		Handler:           edge,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// registration is the stdout record emitted for each static
// registration so the orchestrator can hand endpoints and tokens to
// its sandboxes.
type registration struct {
	Session  string `json:"session"`
	Upstream string `json:"upstream"`
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

// registerStatic registers every configured upstream under every
// configured session and prints the resulting endpoints and tokens
// as JSON lines on stdout.
func registerStatic(config *gateway.Config, edge *gateway.EdgeServer, logger *slog.Logger) error {
	if len(config.Sessions) == 0 || len(config.Upstreams) == 0 {
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	ctx := context.Background()
	for name := range config.Upstreams {
		cfg, err := config.BuildUpstream(name)
		if err != nil {
			return err
		}
		for _, session := range config.Sessions {
			reg, err := edge.Register(ctx, session, cfg, config.SessionTTL)
			if err != nil {
				return err
			}
			if err := enc.Encode(registration{
				Session:  session,
				Upstream: name,
				Endpoint: reg.Endpoint,
				Token:    reg.Token,
			}); err != nil {
				return err
			}
		}
		logger.Info("registered static upstream",
			"upstream", name,
			"sessions", len(config.Sessions),
		)
	}
	return nil
}
