// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/credgate/credgate/lib/policy"
	"github.com/credgate/credgate/lib/store"
)

// Config is the top-level YAML configuration shared by the gateway
// binaries. Credential values never live in the file: header values
// are expanded against the environment, so configs stay committable.
type Config struct {
	// ListenAddress is the TCP address the multi-tenant server binds
	// (e.g. "127.0.0.1:8443"). Ignored by the local adapter.
	ListenAddress string `yaml:"listen_address"`

	// BaseURL is the externally reachable base URL used to compose
	// registration endpoints on the multi-tenant server.
	BaseURL string `yaml:"base_url"`

	// SecretEnv names the environment variable holding the HMAC key
	// for session tokens. The key itself never appears in the file.
	// Defaults to CREDGATE_SECRET.
	SecretEnv string `yaml:"secret_env"`

	// RedisAddr, when set, switches the config store and rule
	// counters from in-process memory to Redis, enabling multiple
	// gateway instances behind one load balancer.
	RedisAddr string `yaml:"redis_addr"`

	// SessionTTL is the default lifetime of registered configs.
	// Defaults to 24h.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// SocketDir, when set, makes the local adapter serve unix sockets
	// under this directory instead of loopback TCP ports.
	SocketDir string `yaml:"socket_dir"`

	// Sessions lists session IDs to register every configured
	// upstream under at startup, for static multi-tenant
	// deployments. Dynamic per-session registration happens through
	// the Go API instead.
	Sessions []string `yaml:"sessions"`

	// Upstreams defines upstreams to register at startup, keyed by
	// upstream name.
	Upstreams map[string]UpstreamDef `yaml:"upstreams"`
}

// UpstreamDef is the YAML form of one upstream registration.
type UpstreamDef struct {
	// Target is the real upstream base URL.
	Target string `yaml:"target"`

	// Headers are the credential headers to inject on every forwarded
	// request. Values are expanded with os.ExpandEnv, so the usual
	// form is:
	//
	//	Authorization: "Bearer ${GITHUB_TOKEN}"
	Headers map[string]string `yaml:"headers"`

	// Policy is an inline access policy.
	Policy *policy.AccessPolicy `yaml:"policy"`

	// PolicyFile is a path to a JSONC policy document. Mutually
	// exclusive with Policy.
	PolicyFile string `yaml:"policy_file"`

	// DenyResponse overrides the default denial response shape.
	DenyResponse *store.DenyResponse `yaml:"deny_response"`
}

// LoadConfig loads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if config.SecretEnv == "" {
		config.SecretEnv = "CREDGATE_SECRET"
	}
	if config.SessionTTL == 0 {
		config.SessionTTL = 24 * time.Hour
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration without touching the filesystem
// or environment; policy files are resolved later by BuildUpstream.
func (c *Config) Validate() error {
	if c.SessionTTL < 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	for name, def := range c.Upstreams {
		if def.Target == "" {
			return fmt.Errorf("upstream %q: target is required", name)
		}
		if def.Policy != nil && def.PolicyFile != "" {
			return fmt.Errorf("upstream %q: policy and policy_file are mutually exclusive", name)
		}
		if def.Policy != nil {
			if err := def.Policy.Validate(); err != nil {
				return fmt.Errorf("upstream %q: %w", name, err)
			}
		}
	}
	return nil
}

// BuildUpstream resolves an UpstreamDef into a registrable config:
// header values are expanded against the environment and a
// policy_file is loaded and validated.
func (c *Config) BuildUpstream(name string) (*store.UpstreamConfig, error) {
	def, ok := c.Upstreams[name]
	if !ok {
		return nil, fmt.Errorf("upstream %q not defined", name)
	}

	headers := make(map[string]string, len(def.Headers))
	for k, v := range def.Headers {
		headers[k] = os.ExpandEnv(v)
	}

	pol := def.Policy
	if def.PolicyFile != "" {
		loaded, err := LoadPolicyFile(def.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", name, err)
		}
		pol = loaded
	}

	cfg := &store.UpstreamConfig{
		Name:         name,
		Target:       def.Target,
		Headers:      headers,
		Policy:       pol,
		DenyResponse: def.DenyResponse,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("upstream %q: %w", name, err)
	}
	return cfg, nil
}

// LoadPolicyFile reads an access policy from a JSONC document.
// Comments and trailing commas are allowed, so policy files can be
// annotated in place.
func LoadPolicyFile(path string) (*policy.AccessPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var pol policy.AccessPolicy
	if err := json.Unmarshal(jsonc.ToJSON(data), &pol); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &pol, nil
}
