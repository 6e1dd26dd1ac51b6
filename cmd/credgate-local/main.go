// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

// Credgate-local is the single-tenant credential gateway. It runs on
// the host next to one sandbox, starts a dedicated loopback or unix
// socket listener per configured upstream, and prints each upstream's
// endpoint so the sandbox launcher can export them into the sandboxed
// process environment. There are no tokens: the sandbox's process and
// network isolation is the trust boundary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/credgate/credgate/gateway"
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
	var sessionID string
	var socketDir string
	var showVersion bool

	pflag.StringVar(&configPath, "config", "", "path to YAML config file (required)")
	pflag.StringVar(&sessionID, "session", "", "session ID (default: a fresh UUID)")
	pflag.StringVar(&socketDir, "socket-dir", "", "serve unix sockets under this directory instead of loopback TCP (overrides config)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("credgate-local")
		return nil
	}

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	config, err := gateway.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if socketDir != "" {
		config.SocketDir = socketDir
	}
	if len(config.Upstreams) == 0 {
		return fmt.Errorf("no upstreams configured")
	}

	logger.Info("starting credgate-local",
		"version", version.Info(),
		"session", sessionID,
		"upstreams", len(config.Upstreams),
	)

	configStore := store.NewMemoryStore()
	defer configStore.Close()

	g, err := gateway.New(gateway.Options{
		Store:  configStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	local, err := gateway.NewLocalServer(gateway.LocalOptions{
		Gateway:   g,
		SessionID: sessionID,
		SocketDir: config.SocketDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	ctx := context.Background()
	for name := range config.Upstreams {
		cfg, err := config.BuildUpstream(name)
		if err != nil {
			return err
		}
		reg, err := local.Register(ctx, cfg, config.SessionTTL)
		if err != nil {
			return err
		}
		if err := enc.Encode(endpointLine{Upstream: name, Endpoint: reg.Endpoint}); err != nil {
			return err
		}
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := local.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// endpointLine is the stdout record emitted per upstream so the
// launcher can map upstream names to endpoints.
type endpointLine struct {
	Upstream string `json:"upstream"`
	Endpoint string `json:"endpoint"`
}
