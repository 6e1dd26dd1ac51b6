// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/credgate/credgate/lib/codec"
	"github.com/credgate/credgate/lib/policy"
)

// RedisStore is the shared multi-tenant backend. Configs are
// CBOR-encoded under "proxy:{sessionID}:{upstreamName}" with a Redis
// TTL, so every edge instance sharing the store resolves the same
// session+upstream pairs and expiry needs no janitor.
type RedisStore struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisStore creates a store backed by the given Redis client. The
// store borrows the client; the caller closes it via Close.
func NewRedisStore(client redis.UniversalClient, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger}
}

func configKey(sessionID, upstream string) string {
	return fmt.Sprintf("proxy:%s:%s", sessionID, upstream)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID, upstream string) (*UpstreamConfig, error) {
	data, err := s.client.Get(ctx, configKey(sessionID, upstream)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get: %w", err)
	}

	var cfg UpstreamConfig
	if err := codec.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("store: decoding config for %s/%s: %w", sessionID, upstream, err)
	}
	return &cfg, nil
}

// Put implements Store. Function-valued policy fields do not survive
// encoding; the degradation is logged here, at registration time, so
// the policy author sees it immediately rather than at enforcement.
func (s *RedisStore) Put(ctx context.Context, sessionID, upstream string, cfg *UpstreamConfig, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: ttl must be positive, got %s", ttl)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Degrades() {
		s.logger.Warn("policy degrades in shared store: function predicates and transforms are dropped",
			"session_id", sessionID,
			"upstream", upstream,
		)
	}

	data, err := codec.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: encoding config for %s/%s: %w", sessionID, upstream, err)
	}

	if err := s.client.Set(ctx, configKey(sessionID, upstream), data, ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, sessionID, upstream string) error {
	if err := s.client.Del(ctx, configKey(sessionID, upstream)).Err(); err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}

// DeleteSession implements Store. Scans for the session's keys rather
// than tracking an index; sessions hold a handful of upstreams so the
// scan is cheap.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	pattern := fmt.Sprintf("proxy:%s:*", sessionID)
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("store: redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}

// Close implements Store. The Redis client is owned by the caller, so
// this is a no-op.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)

// approveScript performs the compare-and-increment for a rule counter
// atomically inside Redis: a burst of concurrent approvals against the
// same rule can never exceed the limit. Returns {count, approved}.
// The key's TTL is set on first increment so counters expire with
// their session instead of accumulating forever.
var approveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
  return {current, 0}
end
current = redis.call('INCR', KEYS[1])
if current == 1 and tonumber(ARGV[2]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {current, 1}
`)

// RedisCounters is a policy.CounterStore backed by the shared Redis
// instance. Every edge instance charging the same (session, upstream,
// rule) key sees one counter.
type RedisCounters struct {
	client redis.UniversalClient

	// ttl bounds counter lifetime. Set it to the session TTL so
	// counters expire with the configs they guard.
	ttl time.Duration
}

// NewRedisCounters creates a shared counter store. ttl should match
// the session config TTL.
func NewRedisCounters(client redis.UniversalClient, ttl time.Duration) *RedisCounters {
	return &RedisCounters{client: client, ttl: ttl}
}

// Approve implements policy.CounterStore.
func (c *RedisCounters) Approve(ctx context.Context, key policy.CounterKey, limit int) (int, bool, error) {
	redisKey := "proxyrule:" + key.String()
	ttlSeconds := int64(c.ttl / time.Second)

	result, err := approveScript.Run(ctx, c.client, []string{redisKey}, limit, ttlSeconds).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("store: counter script: %w", err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("store: counter script returned %d values, want 2", len(result))
	}
	return int(result[0]), result[1] == 1, nil
}

var _ policy.CounterStore = (*RedisCounters)(nil)
