// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists per-session upstream configurations for the
// gateway.
//
// An [UpstreamConfig] binds an upstream name to its target URL, the
// credential headers injected on forwarding, an access policy, and an
// optional deny-response override. Configs are written once at session
// setup, are immutable for the session's duration, and always carry a
// TTL so a crashed teardown cannot leave a credential-injecting route
// alive indefinitely.
//
// Two backends implement [Store]. [MemoryStore] is the single-tenant
// backend: an in-process map that never serializes, so policies keep
// their full fidelity including Go-function body predicates and
// response transforms. [RedisStore] is the multi-tenant backend: values
// are CBOR-encoded under "proxy:{sessionID}:{upstreamName}" with a
// Redis TTL. Serialization drops function-valued fields — rules that
// relied on them degrade to method+path matching. This is a deliberate,
// documented capability reduction of the shared backend; RedisStore
// logs it at Put time so the policy author sees the degradation at
// registration rather than discovering it in production.
//
// [RedisCounters] provides the shared rule-approval counters for
// multi-instance deployments, using a Lua script for an indivisible
// compare-and-increment.
package store
